package session

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
)

var slugSanitizer = regexp.MustCompile(`[^a-zA-Z0-9\-]`)

// workDirSlug derives a short human label for a working directory. Git
// checkouts become "<repo>-<branch>"; everything else falls back to the
// directory name plus a short path hash. Results are cached per path.
func workDirSlug(workDir string) string {
	if workDir == "" {
		return ""
	}
	if cached, ok := slugCache.Load(workDir); ok {
		return cached.(string)
	}
	slug := computeSlug(workDir)
	slugCache.Store(workDir, slug)
	return slug
}

var slugCache sync.Map

func computeSlug(workDir string) string {
	if repo, err := git.PlainOpenWithOptions(workDir, &git.PlainOpenOptions{DetectDotGit: true}); err == nil {
		name := repoRootName(repo, workDir)
		return sanitizeSlug(name + "-" + headBranch(repo))
	}
	return sanitizeSlug(filepath.Base(workDir) + "-" + shortHash(workDir))
}

func repoRootName(repo *git.Repository, workDir string) string {
	if wt, err := repo.Worktree(); err == nil {
		if root := wt.Filesystem.Root(); root != "" {
			return filepath.Base(root)
		}
	}
	return filepath.Base(workDir)
}

func headBranch(repo *git.Repository) string {
	head, err := repo.Head()
	if err != nil {
		return "unknown"
	}
	if head.Name().IsBranch() {
		return head.Name().Short()
	}
	return "detached"
}

func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:4])
}

func sanitizeSlug(s string) string {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "-"))
	s = slugSanitizer.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
