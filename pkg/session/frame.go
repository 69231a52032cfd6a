// Package session implements the orchestration core: the per-session state
// machine, the registry that owns all live sessions, and the watcher that
// fans session events out to WebSocket subscribers with replay for late
// joiners.
package session

import (
	"github.com/odvcencio/hatchpod/pkg/gitstat"
	"github.com/odvcencio/hatchpod/pkg/message"
)

// FrameType discriminates server-to-client frames.
type FrameType string

const (
	FrameMessage           FrameType = "message"
	FrameStatus            FrameType = "status"
	FrameApprovalRequest   FrameType = "tool_approval_request"
	FrameModeChanged       FrameType = "mode_changed"
	FrameThinkingDelta     FrameType = "thinking_delta"
	FrameSubagentStarted   FrameType = "subagent_started"
	FrameSubagentToolCall  FrameType = "subagent_tool_call"
	FrameSubagentCompleted FrameType = "subagent_completed"
	FrameGitDiffStat       FrameType = "git_diff_stat"
	FrameSlashCommands     FrameType = "slash_commands"
	FrameReplayComplete    FrameType = "replay_complete"
	FrameError             FrameType = "error"
	FramePing              FrameType = "ping"
)

// Frame is one server-to-client event. Only the fields for its Type are
// set; the embedded diff stat flattens into the frame for git_diff_stat.
type Frame struct {
	Type FrameType `json:"type"`

	// FrameMessage
	Message *message.Message `json:"message,omitempty"`

	// FrameStatus
	Status Status `json:"status,omitempty"`
	// Error doubles as the status error detail and the FrameError text.
	Error string `json:"error,omitempty"`

	// FrameApprovalRequest
	ToolName  string         `json:"toolName,omitempty"`
	ToolUseID string         `json:"toolUseId,omitempty"`
	Input     map[string]any `json:"input,omitempty"`

	// FrameModeChanged
	Mode string `json:"mode,omitempty"`

	// FrameThinkingDelta
	Text string `json:"text,omitempty"`

	// Subagent frames
	SubagentID  string `json:"subagentId,omitempty"`
	AgentType   string `json:"agentType,omitempty"`
	Description string `json:"description,omitempty"`
	// SubStatus is the subagent completion status.
	SubStatus string `json:"subagentStatus,omitempty"`

	// FrameGitDiffStat. Promoted fields flatten into the frame; a nil
	// pointer simply omits them.
	*gitstat.DiffStat

	// FrameSlashCommands
	Commands []message.SlashCommand `json:"commands,omitempty"`
}

// MessageFrame wraps a normalized message.
func MessageFrame(m message.Message) Frame {
	return Frame{Type: FrameMessage, Message: &m}
}

// StatusFrame reports a state transition, with error detail for error states.
func StatusFrame(s Status, errText string) Frame {
	return Frame{Type: FrameStatus, Status: s, Error: errText}
}

// ErrorFrame reports a protocol-level error to one client.
func ErrorFrame(text string) Frame {
	return Frame{Type: FrameError, Error: text}
}

// GitDiffStatFrame wraps a working-tree summary.
func GitDiffStatFrame(stat *gitstat.DiffStat) Frame {
	return Frame{Type: FrameGitDiffStat, DiffStat: stat}
}
