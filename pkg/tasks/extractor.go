// Package tasks derives a todo-list view from the tool-call portion of a
// conversation. Nothing here is stored: the list is recomputed from the
// message stream on demand, so two passes over the same messages always
// agree.
package tasks

import (
	"encoding/json"
	"regexp"

	"github.com/odvcencio/hatchpod/pkg/message"
)

// Status is the lifecycle state of one extracted task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDeleted    Status = "deleted"
)

// Task is one entry in the derived list.
type Task struct {
	// ID is the provider-assigned numeric id pulled from the tool result,
	// or the originating tool-use id when the result carried none.
	ID         string `json:"id"`
	Subject    string `json:"subject"`
	ActiveForm string `json:"activeForm,omitempty"`
	Status     Status `json:"status"`
}

// Convention names the tool-call shapes the extractor understands. The
// result-id pattern is a documented convention of the provider's output
// format, kept configurable rather than parsed more strictly.
type Convention struct {
	CreateTool     string
	UpdateTool     string
	ResultID       *regexp.Regexp
	DefaultSubject string
}

// DefaultConvention matches the TaskCreate/TaskUpdate tool family.
func DefaultConvention() Convention {
	return Convention{
		CreateTool:     "TaskCreate",
		UpdateTool:     "TaskUpdate",
		ResultID:       regexp.MustCompile(`Task #(\d+)`),
		DefaultSubject: "Untitled task",
	}
}

type taskState struct {
	task      Task
	toolUseID string
}

// Extract walks the messages once and returns surviving tasks in creation
// order. A create with no result yet still appears as pending; tasks whose
// latest status is deleted are dropped entirely.
func Extract(msgs []message.Message, conv Convention) []Task {
	var order []*taskState
	byID := map[string]*taskState{}

	lookup := func(id string) *taskState {
		for _, st := range order {
			if st.task.ID == id || st.toolUseID == id {
				return st
			}
		}
		return nil
	}

	for _, m := range msgs {
		for _, p := range m.Parts {
			switch p.Type {
			case message.PartToolUse:
				switch p.ToolName {
				case conv.CreateTool:
					st := &taskState{
						task:      Task{ID: p.ToolUseID, Status: StatusPending},
						toolUseID: p.ToolUseID,
					}
					// Each field is type-checked on its own so a
					// malformed subject never discards a usable
					// activeForm alongside it.
					st.task.Subject = conv.DefaultSubject
					var input struct {
						Subject    any `json:"subject"`
						ActiveForm any `json:"activeForm"`
					}
					if json.Unmarshal(p.Input, &input) == nil {
						if subject, ok := input.Subject.(string); ok {
							st.task.Subject = subject
						}
						if form, ok := input.ActiveForm.(string); ok {
							st.task.ActiveForm = form
						}
					}
					order = append(order, st)
					byID[p.ToolUseID] = st

				case conv.UpdateTool:
					var input struct {
						TaskID     any `json:"taskId"`
						Status     any `json:"status"`
						Subject    any `json:"subject"`
						ActiveForm any `json:"activeForm"`
					}
					if json.Unmarshal(p.Input, &input) != nil {
						continue
					}
					id, ok := input.TaskID.(string)
					if !ok {
						continue
					}
					st := lookup(id)
					if st == nil {
						continue
					}
					if status, ok := input.Status.(string); ok && status != "" {
						st.task.Status = Status(status)
					}
					if subject, ok := input.Subject.(string); ok && subject != "" {
						st.task.Subject = subject
					}
					if form, ok := input.ActiveForm.(string); ok && form != "" {
						st.task.ActiveForm = form
					}
				}

			case message.PartToolResult:
				st, ok := byID[p.ToolUseID]
				if !ok || conv.ResultID == nil {
					continue
				}
				if match := conv.ResultID.FindStringSubmatch(resultText(p.Content)); match != nil {
					st.task.ID = match[1]
				}
			}
		}
	}

	out := make([]Task, 0, len(order))
	for _, st := range order {
		if st.task.Status == StatusDeleted {
			continue
		}
		out = append(out, st.task)
	}
	return out
}

// resultText flattens a tool-result payload to the text the id pattern is
// matched against. Results arrive either as a bare string or as an array of
// content blocks with text fields.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		var out string
		for _, b := range blocks {
			out += b.Text
		}
		return out
	}
	return string(raw)
}
