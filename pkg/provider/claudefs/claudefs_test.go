package claudefs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/hatchpod/pkg/message"
)

func writeTranscript(t *testing.T, dir, project, id string, lines ...string) string {
	t.Helper()
	projectDir := filepath.Join(dir, project)
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	path := filepath.Join(projectDir, id+".jsonl")
	var data []byte
	for _, l := range lines {
		data = append(data, []byte(l+"\n")...)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestParseTranscriptBasics(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "-home-me-proj", "abc",
		`{"type":"user","cwd":"/home/me/proj","timestamp":"2025-06-01T12:00:00Z","message":{"role":"user","content":"hello"}}`,
		`{"type":"progress","data":{}}`,
		`{"type":"file-history-snapshot","snapshot":{}}`,
		`{"type":"assistant","timestamp":"2025-06-01T12:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"hi there"}]}}`,
		`{"type":"assistant","isSidechain":true,"message":{"role":"assistant","content":[{"type":"text","text":"sidechain noise"}]}}`,
		`not even json`,
	)

	msgs, err := ParseTranscript(path)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, message.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Text())
	assert.Equal(t, 0, msgs[0].Index)
	assert.Equal(t, message.RoleAssistant, msgs[1].Role)
	assert.Equal(t, 1, msgs[1].Index)
}

func TestParseTranscriptToolParts(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "-p", "tools",
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"file.txt","is_error":false}]}}`,
	)

	msgs, err := ParseTranscript(path)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, message.PartToolUse, msgs[0].Parts[0].Type)
	assert.Equal(t, "Bash", msgs[0].Parts[0].ToolName)
	assert.Equal(t, message.PartToolResult, msgs[1].Parts[0].Type)
	assert.Equal(t, "tu_1", msgs[1].Parts[0].ToolUseID)
}

func TestParseTranscriptThinkingDuration(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "-p", "think",
		`{"type":"user","timestamp":"2025-06-01T12:00:00Z","message":{"role":"user","content":"go"}}`,
		`{"type":"user","timestamp":"2025-06-01T12:00:08Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_0","content":"done"}]}}`,
		`{"type":"assistant","timestamp":"2025-06-01T12:00:10Z","message":{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"answer"}]}}`,
	)

	msgs, err := ParseTranscript(path)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.NotNil(t, msgs[2].ThinkingDurationMs)
	// Anchored to the tool event two seconds earlier, not the user turn.
	assert.Equal(t, int64(2000), *msgs[2].ThinkingDurationMs)
	assert.Nil(t, msgs[0].ThinkingDurationMs)
}

func TestListSessions(t *testing.T) {
	dir := t.TempDir()
	writeTranscript(t, dir, "-home-me-alpha", "s1",
		`{"type":"summary","summary":"Fix auth flow"}`,
		`{"type":"user","cwd":"/home/me/alpha","message":{"role":"user","content":"fix auth"}}`,
	)
	old := writeTranscript(t, dir, "-home-me-beta", "s2",
		`{"type":"user","cwd":"/home/me/beta","message":{"role":"user","content":"add tests for the parser"}}`,
	)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	store, err := NewStore(dir)
	require.NoError(t, err)

	got, err := store.ListSessions("")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s1", got[0].ID, "newest first")
	assert.Equal(t, "Fix auth flow", got[0].Summary)
	assert.Equal(t, "/home/me/alpha", got[0].WorkDir)
	assert.Equal(t, "add tests for the parser", got[1].Summary)
}

func TestListSessionsDedupeKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	old := writeTranscript(t, dir, "-proj-a", "dup",
		`{"type":"user","cwd":"/proj/a","message":{"role":"user","content":"old copy"}}`,
	)
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	writeTranscript(t, dir, "-proj-b", "dup",
		`{"type":"user","cwd":"/proj/b","message":{"role":"user","content":"new copy"}}`,
	)

	store, err := NewStore(dir)
	require.NoError(t, err)
	got, err := store.ListSessions("")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "/proj/b", got[0].WorkDir)
}

func TestListSessionsWorkDirFilter(t *testing.T) {
	dir := t.TempDir()
	writeTranscript(t, dir, "-a", "s1",
		`{"type":"user","cwd":"/a","message":{"role":"user","content":"x"}}`,
	)
	writeTranscript(t, dir, "-b", "s2",
		`{"type":"user","cwd":"/b","message":{"role":"user","content":"y"}}`,
	)

	store, err := NewStore(dir)
	require.NoError(t, err)

	got, err := store.ListSessions("/a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ID)

	_, err = store.ListSessions("/a/../../etc")
	assert.ErrorIs(t, err, ErrInvalidWorkDir)
}

func TestSessionHistoryNotFound(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.SessionHistory("missing")
	assert.Error(t, err)

	_, err = store.SessionHistory("../../etc/passwd")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTailerDeliversAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "-p", "live",
		`{"type":"user","message":{"role":"user","content":"already there"}}`,
	)

	got := make(chan message.Message, 8)
	tailer := NewTailer(path, func(m message.Message) { got <- m })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tailer.Start(ctx)
	}()

	// Give the watcher a moment to attach before appending.
	time.Sleep(100 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"fresh"}]}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case m := <-got:
		assert.Equal(t, "fresh", m.Text())
	case <-time.After(5 * time.Second):
		t.Fatal("tailer never delivered the appended line")
	}

	select {
	case m := <-got:
		t.Fatalf("unexpected extra message: %q", m.Text())
	default:
	}

	cancel()
	<-done
}
