package claudefs

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/odvcencio/hatchpod/pkg/message"
	"github.com/odvcencio/hatchpod/pkg/provider"
)

var (
	// ErrSessionNotFound is returned when no transcript exists for an id.
	ErrSessionNotFound = errors.New("session transcript not found")

	// ErrInvalidWorkDir is returned for filter paths that could escape
	// the projects tree.
	ErrInvalidWorkDir = errors.New("invalid working directory filter")
)

// Store reads session listings and histories from a Claude CLI projects
// directory. The zero value is not usable; construct with NewStore.
type Store struct {
	projectsDir string
}

// NewStore returns a store rooted at projectsDir. An empty projectsDir
// resolves to ~/.claude/projects.
func NewStore(projectsDir string) (*Store, error) {
	if projectsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		projectsDir = filepath.Join(home, ".claude", "projects")
	}
	return &Store{projectsDir: projectsDir}, nil
}

// ProjectsDir returns the resolved projects root.
func (s *Store) ProjectsDir() string { return s.projectsDir }

// SessionHistory loads the normalized messages of one persisted session.
func (s *Store) SessionHistory(id string) ([]message.Message, error) {
	path, err := s.findTranscript(id)
	if err != nil {
		return nil, err
	}
	return ParseTranscript(path)
}

// TranscriptPath returns the on-disk path of a session's transcript, for
// callers that tail the file directly.
func (s *Store) TranscriptPath(id string) (string, error) {
	return s.findTranscript(id)
}

func (s *Store) findTranscript(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\\x00") {
		return "", ErrSessionNotFound
	}
	dirs, err := os.ReadDir(s.projectsDir)
	if err != nil {
		return "", fmt.Errorf("read projects dir: %w", err)
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(s.projectsDir, d.Name(), id+".jsonl")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", ErrSessionNotFound
}

// ListSessions scans every project directory and returns one entry per
// session id, newest transcript winning when an id appears twice, sorted
// by last modification descending. A non-empty workDir keeps only sessions
// recorded under that directory.
func (s *Store) ListSessions(workDir string) ([]provider.SessionInfo, error) {
	if err := validateWorkDir(workDir); err != nil {
		return nil, err
	}

	dirs, err := os.ReadDir(s.projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read projects dir: %w", err)
	}

	byID := map[string]provider.SessionInfo{}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dirPath := filepath.Join(s.projectsDir, d.Name())
		files, err := os.ReadDir(dirPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			id := strings.TrimSuffix(f.Name(), ".jsonl")
			info, err := f.Info()
			if err != nil {
				continue
			}
			if prev, ok := byID[id]; ok && !info.ModTime().After(prev.LastModified) {
				continue
			}
			head := readHead(filepath.Join(dirPath, f.Name()))
			byID[id] = provider.SessionInfo{
				ID:           id,
				Slug:         d.Name(),
				Summary:      head.summary,
				WorkDir:      head.cwd,
				LastModified: info.ModTime(),
			}
		}
	}

	out := make([]provider.SessionInfo, 0, len(byID))
	for _, info := range byID {
		if workDir != "" && info.WorkDir != workDir {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastModified.After(out[j].LastModified)
	})
	return out, nil
}

func validateWorkDir(workDir string) error {
	if workDir == "" {
		return nil
	}
	if strings.ContainsRune(workDir, '\x00') || strings.Contains(workDir, "..") {
		return ErrInvalidWorkDir
	}
	return nil
}

type transcriptHead struct {
	summary string
	cwd     string
}

// readHead scans the first lines of a transcript for the recorded working
// directory and a display summary: an explicit summary line wins, the first
// user text is the fallback.
func readHead(path string) transcriptHead {
	f, err := os.Open(path)
	if err != nil {
		return transcriptHead{}
	}
	defer f.Close()

	var head transcriptHead
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for i := 0; scanner.Scan() && i < 50; i++ {
		var raw rawLine
		if json.Unmarshal(scanner.Bytes(), &raw) != nil {
			continue
		}
		if head.cwd == "" && raw.CWD != "" {
			head.cwd = raw.CWD
		}
		switch raw.Type {
		case "summary":
			if raw.Summary != "" {
				head.summary = raw.Summary
				if head.cwd != "" {
					return head
				}
			}
		case "user":
			if head.summary == "" {
				if m, _, ok := NormalizeLine(scanner.Bytes()); ok {
					head.summary = truncate(m.Text(), 80)
				}
			}
		}
		if head.summary != "" && head.cwd != "" {
			return head
		}
	}
	return head
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
