package tasks

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/hatchpod/pkg/message"
)

func assistantToolUse(id, name, input string) message.Message {
	return message.Message{
		Role:  message.RoleAssistant,
		Parts: []message.Part{message.ToolUsePart(id, name, json.RawMessage(input))},
	}
}

func userToolResult(id, text string) message.Message {
	content, _ := json.Marshal(text)
	return message.Message{
		Role:  message.RoleUser,
		Parts: []message.Part{message.ToolResultPart(id, content, false)},
	}
}

func TestExtractCreateAndConfirm(t *testing.T) {
	msgs := []message.Message{
		assistantToolUse("tu_1", "TaskCreate", `{"subject":"Fix the login bug","activeForm":"Fixing the login bug"}`),
		userToolResult("tu_1", "Created Task #42: Fix the login bug"),
	}

	got := Extract(msgs, DefaultConvention())
	require.Len(t, got, 1)
	assert.Equal(t, "42", got[0].ID)
	assert.Equal(t, "Fix the login bug", got[0].Subject)
	assert.Equal(t, "Fixing the login bug", got[0].ActiveForm)
	assert.Equal(t, StatusPending, got[0].Status)
}

func TestExtractUnconfirmedCreateIsPending(t *testing.T) {
	msgs := []message.Message{
		assistantToolUse("tu_9", "TaskCreate", `{"subject":"Write docs"}`),
	}

	got := Extract(msgs, DefaultConvention())
	require.Len(t, got, 1)
	assert.Equal(t, "tu_9", got[0].ID, "falls back to the tool-use id before confirmation")
	assert.Equal(t, StatusPending, got[0].Status)
}

func TestExtractNonStringSubjectKeepsOtherFields(t *testing.T) {
	msgs := []message.Message{
		assistantToolUse("tu_7", "TaskCreate", `{"subject":42,"activeForm":"Numbering things"}`),
	}

	got := Extract(msgs, DefaultConvention())
	require.Len(t, got, 1)
	assert.Equal(t, "Untitled task", got[0].Subject)
	assert.Equal(t, "Numbering things", got[0].ActiveForm)
}

func TestExtractUpdateWithNonStringFields(t *testing.T) {
	msgs := []message.Message{
		assistantToolUse("tu_8", "TaskCreate", `{"subject":"Ship it"}`),
		assistantToolUse("tu_9", "TaskUpdate", `{"taskId":"tu_8","status":"in_progress","subject":7}`),
	}

	got := Extract(msgs, DefaultConvention())
	require.Len(t, got, 1)
	assert.Equal(t, StatusInProgress, got[0].Status)
	assert.Equal(t, "Ship it", got[0].Subject, "a malformed subject never clobbers the existing one")
}

func TestExtractResultWithoutIDPatternKeepsFallback(t *testing.T) {
	msgs := []message.Message{
		assistantToolUse("tu_2", "TaskCreate", `{"subject":"Refactor"}`),
		userToolResult("tu_2", "ok"),
	}

	got := Extract(msgs, DefaultConvention())
	require.Len(t, got, 1)
	assert.Equal(t, "tu_2", got[0].ID)
}

func TestExtractSubjectDefaults(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"absent", `{}`, "Untitled task"},
		{"non-string", `{"subject":7}`, "Untitled task"},
		{"empty string passes through", `{"subject":""}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract([]message.Message{
				assistantToolUse("tu_1", "TaskCreate", tt.input),
			}, DefaultConvention())
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Subject)
		})
	}
}

func TestExtractUpdateStatus(t *testing.T) {
	msgs := []message.Message{
		assistantToolUse("tu_1", "TaskCreate", `{"subject":"Ship it"}`),
		userToolResult("tu_1", "Created Task #7"),
		assistantToolUse("tu_2", "TaskUpdate", `{"taskId":"7","status":"in_progress"}`),
		assistantToolUse("tu_3", "TaskUpdate", `{"taskId":"7","status":"completed"}`),
	}

	got := Extract(msgs, DefaultConvention())
	require.Len(t, got, 1)
	assert.Equal(t, StatusCompleted, got[0].Status)
}

func TestExtractDeletedExcluded(t *testing.T) {
	msgs := []message.Message{
		assistantToolUse("tu_1", "TaskCreate", `{"subject":"Keep"}`),
		userToolResult("tu_1", "Created Task #1"),
		assistantToolUse("tu_2", "TaskCreate", `{"subject":"Drop"}`),
		userToolResult("tu_2", "Created Task #2"),
		assistantToolUse("tu_3", "TaskUpdate", `{"taskId":"2","status":"deleted"}`),
	}

	got := Extract(msgs, DefaultConvention())
	require.Len(t, got, 1)
	assert.Equal(t, "Keep", got[0].Subject)
}

func TestExtractUpdateIgnoresUnknownAndNonStringIDs(t *testing.T) {
	msgs := []message.Message{
		assistantToolUse("tu_1", "TaskCreate", `{"subject":"Only"}`),
		assistantToolUse("tu_2", "TaskUpdate", `{"taskId":"999","status":"completed"}`),
		assistantToolUse("tu_3", "TaskUpdate", `{"taskId":42,"status":"completed"}`),
	}

	got := Extract(msgs, DefaultConvention())
	require.Len(t, got, 1)
	assert.Equal(t, StatusPending, got[0].Status)
}

func TestExtractCreationOrder(t *testing.T) {
	msgs := []message.Message{
		assistantToolUse("tu_1", "TaskCreate", `{"subject":"first"}`),
		assistantToolUse("tu_2", "TaskCreate", `{"subject":"second"}`),
		assistantToolUse("tu_3", "TaskCreate", `{"subject":"third"}`),
		userToolResult("tu_2", "Created Task #2"),
		userToolResult("tu_1", "Created Task #1"),
	}

	got := Extract(msgs, DefaultConvention())
	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].Subject)
	assert.Equal(t, "second", got[1].Subject)
	assert.Equal(t, "third", got[2].Subject)
}

func TestExtractIdempotent(t *testing.T) {
	msgs := []message.Message{
		assistantToolUse("tu_1", "TaskCreate", `{"subject":"a"}`),
		userToolResult("tu_1", "Created Task #1"),
		assistantToolUse("tu_2", "TaskUpdate", `{"taskId":"1","status":"in_progress"}`),
	}

	first := Extract(msgs, DefaultConvention())
	second := Extract(msgs, DefaultConvention())
	assert.Equal(t, first, second)
}

func TestExtractBlockArrayResult(t *testing.T) {
	content, _ := json.Marshal([]map[string]string{{"type": "text", "text": "Created Task #12"}})
	msgs := []message.Message{
		assistantToolUse("tu_1", "TaskCreate", `{"subject":"blocks"}`),
		{
			Role:  message.RoleUser,
			Parts: []message.Part{message.ToolResultPart("tu_1", content, false)},
		},
	}

	got := Extract(msgs, DefaultConvention())
	require.Len(t, got, 1)
	assert.Equal(t, "12", got[0].ID)
}
