// Package gitstat computes a working-tree diff summary for display next to
// a running session: per-file insertion/deletion counts against HEAD, plus
// untracked and binary flags.
package gitstat

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pmezard/go-difflib/difflib"
)

// ErrNotARepo is returned when the path is not inside a git repository.
var ErrNotARepo = errors.New("not a git repository")

// FileStat summarizes changes to one file.
type FileStat struct {
	Path       string `json:"path"`
	Insertions int    `json:"insertions"`
	Deletions  int    `json:"deletions"`
	Binary     bool   `json:"binary"`
	Untracked  bool   `json:"untracked"`
	Staged     bool   `json:"staged"`
}

// DiffStat is the full working-tree summary.
type DiffStat struct {
	Files           []FileStat `json:"files"`
	TotalInsertions int        `json:"totalInsertions"`
	TotalDeletions  int        `json:"totalDeletions"`
}

// Equal reports whether two stats describe the same change set. Polling
// uses this to suppress frames when nothing moved.
func (d *DiffStat) Equal(other *DiffStat) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.TotalInsertions != other.TotalInsertions || d.TotalDeletions != other.TotalDeletions {
		return false
	}
	if len(d.Files) != len(other.Files) {
		return false
	}
	for i := range d.Files {
		if d.Files[i] != other.Files[i] {
			return false
		}
	}
	return true
}

// Collect computes the diff stat for the repository containing repoPath.
func Collect(repoPath string) (*DiffStat, error) {
	repo, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrNotARepo
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	headTree, err := headTree(repo)
	if err != nil {
		return nil, err
	}

	stat := &DiffStat{}
	paths := make([]string, 0, len(status))
	for path := range status {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		st := status[path]
		if st.Staging == git.Unmodified && st.Worktree == git.Unmodified {
			continue
		}
		fs := FileStat{
			Path:      path,
			Untracked: st.Worktree == git.Untracked,
			Staged:    st.Staging != git.Unmodified && st.Staging != git.Untracked,
		}

		oldContent, oldBinary := headContent(headTree, path)
		newContent, newBinary, err := workingContent(wt.Filesystem.Root(), path)
		if err != nil {
			continue
		}
		if oldBinary || newBinary {
			fs.Binary = true
		} else {
			fs.Insertions, fs.Deletions = lineCounts(oldContent, newContent)
		}

		stat.Files = append(stat.Files, fs)
		stat.TotalInsertions += fs.Insertions
		stat.TotalDeletions += fs.Deletions
	}
	return stat, nil
}

// headTree returns the HEAD commit tree, or nil in a repo with no commits.
func headTree(repo *git.Repository) (*object.Tree, error) {
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("head: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("head commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("head tree: %w", err)
	}
	return tree, nil
}

func headContent(tree *object.Tree, path string) (string, bool) {
	if tree == nil {
		return "", false
	}
	file, err := tree.File(path)
	if err != nil {
		return "", false
	}
	if bin, err := file.IsBinary(); err == nil && bin {
		return "", true
	}
	content, err := file.Contents()
	if err != nil {
		return "", false
	}
	return content, false
}

func workingContent(root, path string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(root, path))
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted in the working tree.
			return "", false, nil
		}
		return "", false, err
	}
	if bytes.ContainsRune(data, 0) {
		return "", true, nil
	}
	return string(data), false, nil
}

// lineCounts diffs two file versions and counts inserted and deleted lines.
func lineCounts(old, new string) (insertions, deletions int) {
	matcher := difflib.NewMatcher(splitLines(old), splitLines(new))
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'r':
			deletions += op.I2 - op.I1
			insertions += op.J2 - op.J1
		case 'd':
			deletions += op.I2 - op.I1
		case 'i':
			insertions += op.J2 - op.J1
		}
	}
	return insertions, deletions
}

// splitLines splits keeping newlines, without the synthetic trailing entry
// difflib.SplitLines adds, so counts match what git reports.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
