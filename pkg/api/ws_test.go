package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/odvcencio/hatchpod/pkg/message"
	"github.com/odvcencio/hatchpod/pkg/provider"
	"github.com/odvcencio/hatchpod/pkg/provider/testprov"
	"github.com/odvcencio/hatchpod/pkg/session"
)

func dialStream(t *testing.T, tsURL, id string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	u := "ws" + strings.TrimPrefix(tsURL, "http") + "/api/sessions/" + id + "/stream"
	conn, _, err := websocket.Dial(ctx, u, nil)
	require.NoError(t, err)
	return conn
}

func wsAuth(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{
		"type":  "auth",
		"token": token,
	}))
}

func readFrame(t *testing.T, conn *websocket.Conn) session.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f session.Frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	return f
}

// readUntil drains frames until the predicate matches, returning the
// matching frame and everything read before it.
func readUntil(t *testing.T, conn *websocket.Conn, match func(session.Frame) bool) (session.Frame, []session.Frame) {
	t.Helper()
	var seen []session.Frame
	for i := 0; i < 50; i++ {
		f := readFrame(t, conn)
		if match(f) {
			return f, seen
		}
		seen = append(seen, f)
	}
	t.Fatal("frame never arrived")
	return session.Frame{}, nil
}

func TestStreamRejectsNonAuthFirstFrame(t *testing.T) {
	_, registry, ts := newTestServer(t)
	sess, err := registry.Create(session.CreateOptions{Provider: "test"})
	require.NoError(t, err)

	conn := dialStream(t, ts.URL, sess.ID())
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "prompt", "text": "hi"}))

	var f session.Frame
	err = wsjson.Read(ctx, conn, &f)
	require.Error(t, err)
	assert.Equal(t, StatusUnauthorized, websocket.CloseStatus(err))
}

func TestStreamRejectsBadToken(t *testing.T) {
	_, registry, ts := newTestServer(t)
	sess, err := registry.Create(session.CreateOptions{Provider: "test"})
	require.NoError(t, err)

	conn := dialStream(t, ts.URL, sess.ID())
	defer conn.Close(websocket.StatusNormalClosure, "")
	wsAuth(t, conn, "not-the-token")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f session.Frame
	err = wsjson.Read(ctx, conn, &f)
	require.Error(t, err)
	assert.Equal(t, StatusUnauthorized, websocket.CloseStatus(err))
}

func TestStreamUnknownSessionCloses(t *testing.T) {
	_, _, ts := newTestServer(t)

	conn := dialStream(t, ts.URL, "nope")
	defer conn.Close(websocket.StatusNormalClosure, "")
	wsAuth(t, conn, testToken)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f session.Frame
	err := wsjson.Read(ctx, conn, &f)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestStreamReplaysHistory(t *testing.T) {
	_, registry, ts := newTestServer(t)
	sess, err := registry.Create(session.CreateOptions{Provider: "test", Prompt: "hello there"})
	require.NoError(t, err)
	waitCompleted(t, registry, sess.ID())

	conn := dialStream(t, ts.URL, sess.ID())
	defer conn.Close(websocket.StatusNormalClosure, "")
	wsAuth(t, conn, testToken)

	_, replayed := readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameReplayComplete
	})

	var texts []string
	sawCompleted := false
	for _, f := range replayed {
		switch f.Type {
		case session.FrameMessage:
			if f.Message.Role == message.RoleAssistant {
				texts = append(texts, f.Message.Text())
			}
		case session.FrameStatus:
			if f.Status == session.StatusCompleted {
				sawCompleted = true
			}
		}
	}
	assert.Contains(t, texts, "Echo: hello there")
	assert.True(t, sawCompleted)
}

func TestStreamPromptRoundTrip(t *testing.T) {
	_, registry, ts := newTestServer(t)
	sess, err := registry.Create(session.CreateOptions{Provider: "test"})
	require.NoError(t, err)

	conn := dialStream(t, ts.URL, sess.ID())
	defer conn.Close(websocket.StatusNormalClosure, "")
	wsAuth(t, conn, testToken)

	readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameReplayComplete
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{
		"type": "prompt",
		"text": "round trip",
	}))

	frame, _ := readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameMessage && f.Message.Role == message.RoleAssistant
	})
	assert.Equal(t, "Echo: round trip", frame.Message.Text())

	readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameStatus && f.Status == session.StatusCompleted
	})
}

func TestStreamApprovalHandshake(t *testing.T) {
	_, registry, ts := newTestServer(t)
	sess, err := registry.Create(session.CreateOptions{Provider: "test"})
	require.NoError(t, err)

	conn := dialStream(t, ts.URL, sess.ID())
	defer conn.Close(websocket.StatusNormalClosure, "")
	wsAuth(t, conn, testToken)

	readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameReplayComplete
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{
		"type": "prompt",
		"text": "[tool-approval] make deploy",
	}))

	request, _ := readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameApprovalRequest
	})
	require.NotEmpty(t, request.ToolUseID)
	assert.Equal(t, "Bash", request.ToolName)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"type":      "approve",
		"toolUseId": request.ToolUseID,
	}))

	frame, _ := readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameMessage &&
			f.Message.Role == message.RoleAssistant &&
			strings.Contains(f.Message.Text(), "Command completed")
	})
	assert.NotNil(t, frame.Message)

	readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameStatus && f.Status == session.StatusCompleted
	})
}

func TestStreamDenyCarriesReason(t *testing.T) {
	_, registry, ts := newTestServer(t)
	sess, err := registry.Create(session.CreateOptions{Provider: "test"})
	require.NoError(t, err)

	conn := dialStream(t, ts.URL, sess.ID())
	defer conn.Close(websocket.StatusNormalClosure, "")
	wsAuth(t, conn, testToken)

	readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameReplayComplete
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{
		"type": "prompt",
		"text": "[tool-approval] rm -rf /srv",
	}))

	request, _ := readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameApprovalRequest
	})

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"type":      "deny",
		"toolUseId": request.ToolUseID,
		"message":   "keep off the prod box",
	}))

	frame, _ := readUntil(t, conn, func(f session.Frame) bool {
		if f.Type != session.FrameMessage {
			return false
		}
		for _, p := range f.Message.Parts {
			if p.Type == message.PartToolResult && p.IsError {
				return true
			}
		}
		return false
	})
	var reasons []string
	for _, p := range frame.Message.Parts {
		reasons = append(reasons, string(p.Content))
	}
	assert.Contains(t, strings.Join(reasons, " "), "keep off the prod box")

	readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameStatus && f.Status == session.StatusCompleted
	})
}

// transcriptHistory backs the stream test for sessions the CLI drives
// directly: canned history plus a path the registry hands to the tailer.
type transcriptHistory struct {
	id   string
	path string
	msgs []message.Message
}

func (h *transcriptHistory) SessionHistory(id string) ([]message.Message, error) {
	if id != h.id {
		return nil, errors.New("no transcript")
	}
	return h.msgs, nil
}

func (h *transcriptHistory) ListSessions(string) ([]provider.SessionInfo, error) {
	return nil, nil
}

func (h *transcriptHistory) TranscriptPath(id string) (string, error) {
	if id != h.id {
		return "", errors.New("no transcript")
	}
	return h.path, nil
}

func TestStreamObservesTranscriptSession(t *testing.T) {
	hist := &transcriptHistory{
		id:   "cli-1",
		path: "/tmp/cli-1.jsonl",
		msgs: []message.Message{{
			Role:  message.RoleUser,
			Parts: []message.Part{message.TextPart("driven from the terminal")},
		}},
	}
	appended := make(chan message.Message, 1)

	providers := provider.NewRegistry()
	providers.Register(testprov.New())
	registry := session.NewRegistry(providers, hist, nil, session.Config{
		Tail: func(ctx context.Context, path string, onMessage func(message.Message)) error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case m := <-appended:
					onMessage(m)
				}
			}
		},
		Logger: log.New(io.Discard, "", 0),
	})
	srv := NewServer(Config{Token: testToken}, registry, log.New(io.Discard, "", 0))
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	conn := dialStream(t, ts.URL, "cli-1")
	defer conn.Close(websocket.StatusNormalClosure, "")
	wsAuth(t, conn, testToken)

	_, before := readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameReplayComplete
	})
	var sawSeed bool
	for _, f := range before {
		if f.Type == session.FrameMessage && f.Message.Text() == "driven from the terminal" {
			sawSeed = true
		}
	}
	assert.True(t, sawSeed, "transcript replay missing")

	appended <- message.Message{
		Role:  message.RoleAssistant,
		Parts: []message.Part{message.TextPart("tail says hi")},
	}
	readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameMessage && f.Message.Text() == "tail says hi"
	})
}

func TestStreamMalformedFrameKeepsConnection(t *testing.T) {
	_, registry, ts := newTestServer(t)
	sess, err := registry.Create(session.CreateOptions{Provider: "test"})
	require.NoError(t, err)

	conn := dialStream(t, ts.URL, sess.ID())
	defer conn.Close(websocket.StatusNormalClosure, "")
	wsAuth(t, conn, testToken)

	readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameReplayComplete
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{
		"type": "prompt",
		"text": "still alive",
	}))
	frame, _ := readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameMessage && f.Message.Role == message.RoleAssistant
	})
	assert.Equal(t, "Echo: still alive", frame.Message.Text())
}

func TestStreamOperationErrorFrame(t *testing.T) {
	_, registry, ts := newTestServer(t)
	sess, err := registry.Create(session.CreateOptions{Provider: "test"})
	require.NoError(t, err)

	conn := dialStream(t, ts.URL, sess.ID())
	defer conn.Close(websocket.StatusNormalClosure, "")
	wsAuth(t, conn, testToken)

	readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameReplayComplete
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{
		"type":      "approve",
		"toolUseId": "tu_missing",
	}))

	frame, _ := readUntil(t, conn, func(f session.Frame) bool {
		return f.Type == session.FrameError
	})
	assert.Contains(t, frame.Error, "no matching pending approval")
}
