// Package claudecli drives the Claude Code CLI in headless mode: one
// subprocess per run with stream-json on both stdin and stdout. Tool
// approval requests arrive as control_request lines and are answered back
// over stdin, so the approval handshake suspends the run exactly like an
// in-process adapter would.
package claudecli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/hatchpod/pkg/approval"
	"github.com/odvcencio/hatchpod/pkg/message"
	"github.com/odvcencio/hatchpod/pkg/provider"
	"github.com/odvcencio/hatchpod/pkg/provider/claudefs"
	"github.com/odvcencio/hatchpod/pkg/thinking"
)

// DefaultBinary is the executable resolved from PATH when none is set.
const DefaultBinary = "claude"

// thinkingBudgets maps the effort hint onto the CLI's thinking-token
// setting. 31999 is the ceiling the CLI accepts.
var thinkingBudgets = map[thinking.Effort]string{
	thinking.EffortLow:    "8192",
	thinking.EffortMedium: "16384",
	thinking.EffortHigh:   "31999",
}

// Adapter runs prompts through the Claude Code CLI.
type Adapter struct {
	// Binary overrides the executable, for tests and nonstandard
	// installs. Empty resolves "claude" from PATH.
	Binary string
}

// New returns an adapter using the default binary.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "claude" }

// Run spawns one CLI invocation and pumps its event stream into the
// callbacks until the result event or failure.
func (a *Adapter) Run(ctx context.Context, opts provider.RunOptions) (*provider.RunResult, error) {
	binary := a.Binary
	if binary == "" {
		binary = DefaultBinary
	}

	args := []string{
		"--print", "--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
	}
	switch opts.PermissionMode {
	case approval.ModeBypass:
		args = append(args, "--dangerously-skip-permissions")
	case approval.ModeAcceptEdits, approval.ModePlan:
		args = append(args, "--permission-mode", opts.PermissionMode.String())
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = opts.WorkDir
	// Stragglers holding the output pipe open must not wedge Wait after
	// an interrupt.
	cmd.WaitDelay = 5 * time.Second
	if budget, ok := thinkingBudgets[opts.Effort]; ok {
		cmd.Env = append(os.Environ(), "MAX_THINKING_TOKENS="+budget)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	run := &runState{
		opts:    opts,
		writer:  &lineWriter{w: stdin},
		result:  &provider.RunResult{},
		tracked: make(map[string]bool),
	}

	if err := run.writer.write(userEvent(opts.Prompt)); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		run.handle(scanner.Bytes())
	}
	stdin.Close()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, provider.ErrInterrupted
	}
	if run.failure != "" {
		return nil, fmt.Errorf("%s run failed: %s", binary, run.failure)
	}
	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		return nil, fmt.Errorf("%s exited: %s", binary, detail)
	}
	return run.result, nil
}

// cliEvent is the superset of stream-json line shapes consumed here.
// Lines of other types carry the same envelope and are ignored by type.
type cliEvent struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype"`
	SessionID       string          `json:"session_id"`
	ParentToolUseID string          `json:"parent_tool_use_id"`
	Message         json.RawMessage `json:"message"`

	// result
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`

	// system init
	SlashCommands []string `json:"slash_commands"`

	// control_request
	RequestID string         `json:"request_id"`
	Request   controlRequest `json:"request"`
}

type controlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id"`
	Input     map[string]any `json:"input"`
}

// runState accumulates one invocation's stream.
type runState struct {
	opts   provider.RunOptions
	writer *lineWriter
	result *provider.RunResult

	// tracked holds the tool-use ids of Task calls whose sidechains are
	// surfaced through the subagent callbacks.
	tracked map[string]bool

	failure string
}

func (r *runState) handle(line []byte) {
	var ev cliEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	switch ev.Type {
	case "system":
		if ev.Subtype != "init" {
			return
		}
		if ev.SessionID != "" {
			r.result.ProviderSessionID = ev.SessionID
		}
		r.emitSlashCommands(ev.SlashCommands)

	case "assistant", "user":
		if ev.ParentToolUseID != "" {
			r.handleSidechain(ev)
			return
		}
		m, _, ok := claudefs.NormalizeLine(line)
		if !ok {
			return
		}
		r.trackSubagents(m)
		if r.opts.OnMessage != nil {
			r.opts.OnMessage(m)
		}

	case "result":
		r.result.TotalCostUSD = ev.TotalCostUSD
		r.result.NumTurns = ev.NumTurns
		if ev.SessionID != "" {
			r.result.ProviderSessionID = ev.SessionID
		}
		if ev.IsError {
			r.failure = ev.Result
			if r.failure == "" {
				r.failure = ev.Subtype
			}
		}

	case "control_request":
		if ev.Request.Subtype == "can_use_tool" {
			r.handleApproval(ev)
		}

	case "stream_event":
		r.handleStreamEvent(line)
	}
}

// handleApproval suspends the stream until the decision arrives, then
// answers the CLI over stdin.
func (r *runState) handleApproval(ev cliEvent) {
	toolUseID := ev.Request.ToolUseID
	if toolUseID == "" {
		toolUseID = ev.RequestID
	}

	resp := approval.Response{Decision: approval.DecisionDeny, Message: approval.DeniedByUser}
	if r.opts.OnToolApproval != nil {
		resp = r.opts.OnToolApproval(approval.Request{
			ToolUseID: toolUseID,
			Tool:      ev.Request.ToolName,
			Input:     ev.Request.Input,
		})
	}

	var payload map[string]any
	if resp.Decision == approval.DecisionAllow {
		payload = map[string]any{"behavior": "allow", "updatedInput": ev.Request.Input}
	} else {
		reason := resp.Message
		if reason == "" {
			reason = approval.DeniedByUser
		}
		payload = map[string]any{"behavior": "deny", "message": reason}
	}
	_ = r.writer.write(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": ev.RequestID,
			"response":   payload,
		},
	})
}

// trackSubagents watches the primary sequence for Task tool calls and
// their results, bracketing each sidechain with started/completed.
func (r *runState) trackSubagents(m message.Message) {
	for _, p := range m.Parts {
		switch p.Type {
		case message.PartToolUse:
			if p.ToolName != "Task" {
				continue
			}
			r.tracked[p.ToolUseID] = true
			if r.opts.OnSubagentStarted == nil {
				continue
			}
			var input struct {
				Description  string `json:"description"`
				SubagentType string `json:"subagent_type"`
			}
			_ = json.Unmarshal(p.Input, &input)
			r.opts.OnSubagentStarted(p.ToolUseID, input.SubagentType, input.Description)
		case message.PartToolResult:
			if !r.tracked[p.ToolUseID] {
				continue
			}
			delete(r.tracked, p.ToolUseID)
			if r.opts.OnSubagentCompleted != nil {
				status := "completed"
				if p.IsError {
					status = "error"
				}
				r.opts.OnSubagentCompleted(p.ToolUseID, status)
			}
		}
	}
}

// handleSidechain surfaces a subagent's tool calls. Sidechain messages
// never reach the primary message callback.
func (r *runState) handleSidechain(ev cliEvent) {
	if r.opts.OnSubagentToolCall == nil || ev.Type != "assistant" {
		return
	}
	var msg struct {
		Content []struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"content"`
	}
	if json.Unmarshal(ev.Message, &msg) != nil {
		return
	}
	for _, block := range msg.Content {
		if block.Type == "tool_use" {
			r.opts.OnSubagentToolCall(ev.ParentToolUseID, block.Name)
		}
	}
}

// handleStreamEvent forwards incremental thinking text. Other partial
// content is dropped; finalized messages carry it.
func (r *runState) handleStreamEvent(line []byte) {
	if r.opts.OnThinkingDelta == nil {
		return
	}
	var se struct {
		Event struct {
			Type  string `json:"type"`
			Delta struct {
				Type     string `json:"type"`
				Thinking string `json:"thinking"`
			} `json:"delta"`
		} `json:"event"`
	}
	if json.Unmarshal(line, &se) != nil {
		return
	}
	if se.Event.Type == "content_block_delta" && se.Event.Delta.Type == "thinking_delta" && se.Event.Delta.Thinking != "" {
		r.opts.OnThinkingDelta(se.Event.Delta.Thinking)
	}
}

func (r *runState) emitSlashCommands(names []string) {
	if r.opts.OnSlashCommands == nil || len(names) == 0 {
		return
	}
	cmds := make([]message.SlashCommand, 0, len(names))
	for _, name := range names {
		if !strings.HasPrefix(name, "/") {
			name = "/" + name
		}
		cmds = append(cmds, message.SlashCommand{Name: name})
	}
	r.opts.OnSlashCommands(cmds)
}

// userEvent wraps a prompt in the stream-json input envelope.
func userEvent(prompt string) map[string]any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": prompt},
			},
		},
	}
}

// lineWriter serializes newline-delimited JSON writes to the subprocess.
// The prompt and control responses share one stdin.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(data, '\n'))
	return err
}
