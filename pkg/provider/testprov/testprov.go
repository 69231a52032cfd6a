// Package testprov is a deterministic in-process agent backend. It echoes
// prompts and recognizes a few bracketed directives that exercise the
// harder paths of the session core (approval suspension, thinking deltas,
// subagent lifecycle) without a real model behind them.
//
// Directives:
//
//	[tool-approval] <cmd>  requests approval for a Bash call running <cmd>
//	[thinking] <text>      streams reasoning deltas before the final message
//	[subagent] <desc>      drives the subagent lifecycle callbacks
//	[subagent-slow] <desc> same, with a short delay per step
package testprov

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/hatchpod/pkg/approval"
	"github.com/odvcencio/hatchpod/pkg/message"
	"github.com/odvcencio/hatchpod/pkg/provider"
)

const thinkingText = "I need to analyze this request carefully."

// thinkingDeltas splits thinkingText into the exact chunks streamed before
// the finalized message. Concatenated they equal thinkingText.
var thinkingDeltas = []string{"I need to ", "analyze this ", "request carefully."}

var slashCommands = []message.SlashCommand{
	{Name: "/compact", Description: "Compact the conversation"},
	{Name: "/clear", Description: "Clear conversation history"},
}

// Adapter implements provider.Adapter with fully deterministic output.
type Adapter struct {
	// StepDelay slows each emitted event, for tests that need to observe
	// intermediate states. Zero runs everything inline.
	StepDelay time.Duration
}

// New returns a test adapter with no artificial delays.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "test" }

// Run executes one deterministic turn.
func (a *Adapter) Run(ctx context.Context, opts provider.RunOptions) (*provider.RunResult, error) {
	sessionID := opts.ResumeID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	result := &provider.RunResult{
		TotalCostUSD:      0.003,
		NumTurns:          1,
		ProviderSessionID: sessionID,
	}

	if opts.OnSlashCommands != nil {
		opts.OnSlashCommands(slashCommands)
	}

	if err := a.pause(ctx); err != nil {
		return nil, err
	}

	prompt := strings.TrimSpace(opts.Prompt)
	switch {
	case strings.HasPrefix(prompt, "[tool-approval]"):
		if err := a.runApproval(ctx, opts, strings.TrimSpace(strings.TrimPrefix(prompt, "[tool-approval]"))); err != nil {
			return nil, err
		}
	case strings.HasPrefix(prompt, "[thinking]"):
		if err := a.runThinking(ctx, opts, strings.TrimSpace(strings.TrimPrefix(prompt, "[thinking]"))); err != nil {
			return nil, err
		}
	case strings.HasPrefix(prompt, "[subagent-slow]"):
		if err := a.runSubagent(ctx, opts, strings.TrimSpace(strings.TrimPrefix(prompt, "[subagent-slow]")), 50*time.Millisecond); err != nil {
			return nil, err
		}
	case strings.HasPrefix(prompt, "[subagent]"):
		if err := a.runSubagent(ctx, opts, strings.TrimSpace(strings.TrimPrefix(prompt, "[subagent]")), 0); err != nil {
			return nil, err
		}
	default:
		a.emit(opts, message.Message{
			Role:  message.RoleAssistant,
			Parts: []message.Part{message.TextPart("Echo: " + opts.Prompt)},
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, provider.ErrInterrupted
	}
	return result, nil
}

func (a *Adapter) runApproval(ctx context.Context, opts provider.RunOptions, cmd string) error {
	toolUseID := ulid.Make().String()
	input, _ := json.Marshal(map[string]string{"command": cmd})

	a.emit(opts, message.Message{
		Role:  message.RoleAssistant,
		Parts: []message.Part{message.ToolUsePart(toolUseID, "Bash", input)},
	})

	resp := approval.Response{Decision: approval.DecisionDeny}
	if opts.OnToolApproval != nil {
		resp = opts.OnToolApproval(approval.Request{
			ToolUseID:   toolUseID,
			Tool:        "Bash",
			Description: cmd,
			Input:       map[string]any{"command": cmd},
		})
	}
	if err := ctx.Err(); err != nil {
		return provider.ErrInterrupted
	}

	if resp.Decision == approval.DecisionAllow {
		content, _ := json.Marshal(fmt.Sprintf("ran: %s", cmd))
		a.emit(opts, message.Message{
			Role:  message.RoleUser,
			Parts: []message.Part{message.ToolResultPart(toolUseID, content, false)},
		})
		a.emit(opts, message.Message{
			Role:  message.RoleAssistant,
			Parts: []message.Part{message.TextPart("Command completed: " + cmd)},
		})
		return nil
	}

	reason := resp.Message
	if reason == "" {
		reason = approval.DeniedByUser
	}
	content, _ := json.Marshal(reason)
	a.emit(opts, message.Message{
		Role:  message.RoleUser,
		Parts: []message.Part{message.ToolResultPart(toolUseID, content, true)},
	})
	a.emit(opts, message.Message{
		Role:  message.RoleAssistant,
		Parts: []message.Part{message.TextPart("Understood, I won't run that command.")},
	})
	return nil
}

func (a *Adapter) runThinking(ctx context.Context, opts provider.RunOptions, rest string) error {
	for _, delta := range thinkingDeltas {
		if err := a.pause(ctx); err != nil {
			return err
		}
		if opts.OnThinkingDelta != nil {
			opts.OnThinkingDelta(delta)
		}
	}
	a.emit(opts, message.Message{
		Role: message.RoleAssistant,
		Parts: []message.Part{
			message.ReasoningPart(thinkingText),
			message.TextPart("Echo: " + rest),
		},
	})
	return nil
}

func (a *Adapter) runSubagent(ctx context.Context, opts provider.RunOptions, desc string, delay time.Duration) error {
	id := uuid.NewString()
	step := func() error {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return provider.ErrInterrupted
			case <-time.After(delay):
			}
		}
		return a.pause(ctx)
	}

	if opts.OnSubagentStarted != nil {
		opts.OnSubagentStarted(id, "Explore", desc)
	}
	if err := step(); err != nil {
		return err
	}
	if opts.OnSubagentToolCall != nil {
		opts.OnSubagentToolCall(id, "Read")
	}
	if err := step(); err != nil {
		return err
	}
	if opts.OnSubagentCompleted != nil {
		opts.OnSubagentCompleted(id, "completed")
	}
	a.emit(opts, message.Message{
		Role:  message.RoleAssistant,
		Parts: []message.Part{message.TextPart("Subagent finished: " + desc)},
	})
	return nil
}

func (a *Adapter) emit(opts provider.RunOptions, m message.Message) {
	if opts.OnMessage != nil {
		opts.OnMessage(m)
	}
}

func (a *Adapter) pause(ctx context.Context) error {
	if a.StepDelay <= 0 {
		if err := ctx.Err(); err != nil {
			return provider.ErrInterrupted
		}
		return nil
	}
	select {
	case <-ctx.Done():
		return provider.ErrInterrupted
	case <-time.After(a.StepDelay):
		return nil
	}
}
