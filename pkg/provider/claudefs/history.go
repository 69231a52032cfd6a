// Package claudefs reads Claude CLI project transcripts: one append-only
// JSONL file per conversation under the projects directory. It serves the
// history side of the provider contract (listing, replay, file tailing);
// live runs against the CLI itself are a separate adapter.
package claudefs

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/odvcencio/hatchpod/pkg/message"
	"github.com/odvcencio/hatchpod/pkg/thinking"
)

// rawLine is the superset of transcript line shapes we care about. Lines of
// other types (progress, file-history-snapshot, summaries) carry the same
// envelope and are filtered by type.
type rawLine struct {
	Type        string     `json:"type"`
	IsSidechain bool       `json:"isSidechain"`
	Timestamp   string     `json:"timestamp"`
	CWD         string     `json:"cwd"`
	Summary     string     `json:"summary"`
	SessionID   string     `json:"sessionId"`
	Message     rawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type rawPart struct {
	Type string `json:"type"`

	Text string `json:"text"`

	// tool_use
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`

	// tool_result
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`

	// thinking
	Thinking string `json:"thinking"`
}

// ParseTranscript reads one JSONL transcript and returns its normalized
// messages with contiguous indices and thinking durations attached.
// Unparseable lines are skipped; a transcript is never fatal to read.
func ParseTranscript(path string) ([]message.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var msgs []message.Message
	var entries []thinking.Entry

	scanner := bufio.NewScanner(f)
	// Tool results with large payloads easily exceed the default buffer.
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		m, ts, ok := NormalizeLine(scanner.Bytes())
		if !ok {
			continue
		}
		m.Index = len(msgs)
		msgs = append(msgs, m)
		entries = append(entries, thinking.Entry{
			Timestamp:    ts,
			HasReasoning: m.HasReasoning(),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	for i, d := range thinking.Durations(entries) {
		if d != nil {
			msgs[i].ThinkingDurationMs = d
		}
	}
	return msgs, nil
}

// NormalizeLine converts one transcript line into a normalized message.
// Returns ok=false for lines that are not part of the primary sequence.
func NormalizeLine(line []byte) (message.Message, time.Time, bool) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return message.Message{}, time.Time{}, false
	}
	if raw.IsSidechain {
		return message.Message{}, time.Time{}, false
	}
	switch raw.Type {
	case "user", "assistant":
	default:
		return message.Message{}, time.Time{}, false
	}

	role := message.Role(raw.Message.Role)
	if role == "" {
		role = message.Role(raw.Type)
	}

	parts, ok := normalizeContent(raw.Message.Content)
	if !ok || len(parts) == 0 {
		return message.Message{}, time.Time{}, false
	}

	var ts time.Time
	if raw.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
			ts = parsed
		}
	}
	return message.Message{Role: role, Parts: parts}, ts, true
}

// normalizeContent handles both content shapes: a bare string or an array
// of typed blocks.
func normalizeContent(raw json.RawMessage) ([]message.Part, bool) {
	if len(raw) == 0 {
		return nil, false
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return nil, false
		}
		return []message.Part{message.TextPart(s)}, true
	}

	var blocks []rawPart
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, false
	}

	var parts []message.Part
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, message.TextPart(b.Text))
			}
		case "tool_use":
			parts = append(parts, message.ToolUsePart(b.ID, b.Name, b.Input))
		case "tool_result":
			parts = append(parts, message.ToolResultPart(b.ToolUseID, b.Content, b.IsError))
		case "thinking":
			if b.Thinking != "" {
				parts = append(parts, message.ReasoningPart(b.Thinking))
			}
		}
	}
	return parts, len(parts) > 0
}
