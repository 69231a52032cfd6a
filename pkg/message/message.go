// Package message defines the normalized conversation model shared by
// providers, the session core, and the wire protocol. Providers of any
// origin (live runs, transcript files) map their output into these types
// so everything downstream speaks one shape.
package message

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates the content part union.
type PartType string

const (
	PartText          PartType = "text"
	PartToolUse       PartType = "tool_use"
	PartToolResult    PartType = "tool_result"
	PartReasoning     PartType = "reasoning"
	PartError         PartType = "error"
	PartSessionResult PartType = "session_result"
)

// Part is one content block within a message. Exactly the fields for its
// Type are populated; everything else stays zero and is omitted on the wire.
type Part struct {
	Type PartType `json:"type"`

	// PartText, PartReasoning, PartError
	Text string `json:"text,omitempty"`

	// PartToolUse
	ToolUseID string          `json:"toolUseId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// PartToolResult (ToolUseID shared with PartToolUse)
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"isError,omitempty"`

	// PartSessionResult
	TotalCostUSD float64 `json:"totalCostUsd,omitempty"`
	NumTurns     int     `json:"numTurns,omitempty"`
}

// Message is one normalized conversation entry. Index is assigned by the
// session that owns the message and is contiguous from zero regardless of
// whether the entry came from a live run or a replayed transcript.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
	Index int    `json:"index"`

	// ThinkingDurationMs is set only on assistant messages that contain a
	// reasoning part and only when a duration could be measured.
	ThinkingDurationMs *int64 `json:"thinkingDurationMs,omitempty"`
}

// Text returns the concatenation of all text parts.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// HasReasoning reports whether any part is a reasoning block.
func (m *Message) HasReasoning() bool {
	for _, p := range m.Parts {
		if p.Type == PartReasoning {
			return true
		}
	}
	return false
}

// Validate checks that every part carries only fields legal for its type.
func (m *Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("invalid role %q", m.Role)
	}
	for i, p := range m.Parts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks the part against its declared type.
func (p *Part) Validate() error {
	switch p.Type {
	case PartText, PartReasoning, PartError:
		if p.ToolUseID != "" || p.ToolName != "" {
			return fmt.Errorf("%s part carries tool fields", p.Type)
		}
	case PartToolUse:
		if p.ToolUseID == "" {
			return fmt.Errorf("tool_use part missing toolUseId")
		}
		if p.ToolName == "" {
			return fmt.Errorf("tool_use part missing toolName")
		}
	case PartToolResult:
		if p.ToolUseID == "" {
			return fmt.Errorf("tool_result part missing toolUseId")
		}
	case PartSessionResult:
	default:
		return fmt.Errorf("unknown part type %q", p.Type)
	}
	return nil
}

// TextPart builds a plain text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ReasoningPart builds a reasoning part.
func ReasoningPart(text string) Part {
	return Part{Type: PartReasoning, Text: text}
}

// ToolUsePart builds a tool invocation part.
func ToolUsePart(id, name string, input json.RawMessage) Part {
	return Part{Type: PartToolUse, ToolUseID: id, ToolName: name, Input: input}
}

// ToolResultPart builds a tool result part.
func ToolResultPart(toolUseID string, content json.RawMessage, isError bool) Part {
	return Part{Type: PartToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// SlashCommand describes one provider-advertised command the client UI can
// surface in a prompt composer.
type SlashCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
