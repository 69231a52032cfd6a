// Package approval provides tiered permission control for agent runs.
//
// A session runs under one permission mode at a time:
//   - Default: every tool call that mutates state asks the user
//   - AcceptEdits: file edits auto-approve, everything else asks
//   - Plan: read-only planning, no mutations at all
//   - Bypass: nothing asks (dangerous, gated behind an operator flag)
package approval

import (
	"fmt"
	"strings"
)

// Mode represents a permission level for agent runs.
type Mode string

const (
	// ModeDefault requires explicit approval for mutating tool calls.
	ModeDefault Mode = "default"

	// ModeAcceptEdits auto-approves file edit tools within the working
	// directory. Shell commands and network access still ask.
	ModeAcceptEdits Mode = "acceptEdits"

	// ModePlan restricts the agent to read-only exploration.
	ModePlan Mode = "plan"

	// ModeBypass skips all approval prompts. Only honored when the
	// operator started the server with bypass enabled.
	ModeBypass Mode = "bypassPermissions"
)

// String returns the wire name of the mode.
func (m Mode) String() string { return string(m) }

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeDefault, ModeAcceptEdits, ModePlan, ModeBypass:
		return true
	}
	return false
}

// ParseMode converts a wire string to a permission mode.
func ParseMode(s string) (Mode, error) {
	switch strings.TrimSpace(s) {
	case "", "default":
		return ModeDefault, nil
	case "acceptEdits":
		return ModeAcceptEdits, nil
	case "plan":
		return ModePlan, nil
	case "bypassPermissions":
		return ModeBypass, nil
	default:
		return ModeDefault, fmt.Errorf("unknown permission mode: %s (valid: default, acceptEdits, plan, bypassPermissions)", s)
	}
}

// RequiresOperator reports whether the mode may only be selected when the
// server operator explicitly enabled it.
func RequiresOperator(m Mode) bool {
	return m == ModeBypass
}

// editTools are the tool names acceptEdits resolves without asking.
var editTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// AutoApproves reports whether mode resolves a request for the named tool
// without surfacing it to the user.
func AutoApproves(m Mode, tool string) bool {
	switch m {
	case ModeBypass:
		return true
	case ModeAcceptEdits:
		return editTools[tool]
	default:
		return false
	}
}

// Decision is the outcome of an approval request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Request describes one tool call awaiting a decision.
type Request struct {
	ToolUseID   string
	Tool        string
	Description string
	Input       map[string]any
	Questions   []Question
}

// Question is an extra prompt the tool attaches to its approval request,
// answered inline when the user approves.
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// DeniedByUser is the denial reason used when the client gave none.
const DeniedByUser = "Denied by user"

// Response carries the user's decision back to the waiting run.
type Response struct {
	Decision Decision
	// Message is the denial reason relayed to the adapter. Empty on
	// allow.
	Message string
	// AlwaysAllow records the tool so the session skips future prompts
	// for the same tool name.
	AlwaysAllow bool
	// Answers maps question IDs to the user's answers.
	Answers map[string]string
}
