package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextConcatenatesTextParts(t *testing.T) {
	m := Message{
		Role: RoleAssistant,
		Parts: []Part{
			ReasoningPart("hmm"),
			TextPart("Hello, "),
			TextPart("world"),
		},
	}
	assert.Equal(t, "Hello, world", m.Text())
	assert.True(t, m.HasReasoning())
}

func TestValidateRejectsMixedFields(t *testing.T) {
	m := Message{
		Role: RoleAssistant,
		Parts: []Part{
			{Type: PartText, Text: "hi", ToolName: "Bash"},
		},
	}
	require.Error(t, m.Validate())

	m = Message{Role: "narrator", Parts: []Part{TextPart("hi")}}
	require.Error(t, m.Validate())

	m = Message{
		Role: RoleAssistant,
		Parts: []Part{
			ToolUsePart("tu_1", "Bash", json.RawMessage(`{"command":"ls"}`)),
		},
	}
	assert.NoError(t, m.Validate())
}

func TestValidateToolParts(t *testing.T) {
	bad := Part{Type: PartToolUse, ToolName: "Bash"}
	assert.Error(t, bad.Validate())

	bad = Part{Type: PartToolResult}
	assert.Error(t, bad.Validate())

	ok := ToolResultPart("tu_1", json.RawMessage(`"done"`), false)
	assert.NoError(t, ok.Validate())
}

func TestWireShape(t *testing.T) {
	ms := int64(1200)
	m := Message{
		Role:               RoleAssistant,
		Parts:              []Part{TextPart("hi")},
		Index:              3,
		ThinkingDurationMs: &ms,
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"role": "assistant",
		"parts": [{"type": "text", "text": "hi"}],
		"index": 3,
		"thinkingDurationMs": 1200
	}`, string(data))
}
