package testprov

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/hatchpod/pkg/approval"
	"github.com/odvcencio/hatchpod/pkg/message"
	"github.com/odvcencio/hatchpod/pkg/provider"
)

func TestEcho(t *testing.T) {
	var msgs []message.Message
	result, err := New().Run(context.Background(), provider.RunOptions{
		Prompt:    "First message",
		OnMessage: func(m message.Message) { msgs = append(msgs, m) },
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Echo: First message", msgs[0].Text())
	assert.NotEmpty(t, result.ProviderSessionID)
	assert.Equal(t, 1, result.NumTurns)
}

func TestResumeKeepsSessionID(t *testing.T) {
	a := New()
	first, err := a.Run(context.Background(), provider.RunOptions{Prompt: "one"})
	require.NoError(t, err)

	second, err := a.Run(context.Background(), provider.RunOptions{
		Prompt:   "two",
		ResumeID: first.ProviderSessionID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ProviderSessionID, second.ProviderSessionID)
}

func TestThinkingDeltasConcatenate(t *testing.T) {
	var deltas []string
	var msgs []message.Message
	_, err := New().Run(context.Background(), provider.RunOptions{
		Prompt:          "[thinking] hard problem",
		OnThinkingDelta: func(text string) { deltas = append(deltas, text) },
		OnMessage:       func(m message.Message) { msgs = append(msgs, m) },
	})
	require.NoError(t, err)

	require.Len(t, deltas, 3)
	assert.Equal(t, "I need to analyze this request carefully.", strings.Join(deltas, ""))

	require.Len(t, msgs, 1)
	require.True(t, msgs[0].HasReasoning())
	assert.Equal(t, "I need to analyze this request carefully.", msgs[0].Parts[0].Text)
	assert.Equal(t, "Echo: hard problem", msgs[0].Text())
}

func TestApprovalAllowed(t *testing.T) {
	var requests []approval.Request
	var msgs []message.Message
	_, err := New().Run(context.Background(), provider.RunOptions{
		Prompt: "[tool-approval] rm -rf /tmp/scratch",
		OnToolApproval: func(req approval.Request) approval.Response {
			requests = append(requests, req)
			return approval.Response{Decision: approval.DecisionAllow}
		},
		OnMessage: func(m message.Message) { msgs = append(msgs, m) },
	})
	require.NoError(t, err)

	require.Len(t, requests, 1)
	assert.Equal(t, "Bash", requests[0].Tool)
	assert.NotEmpty(t, requests[0].ToolUseID)

	// tool_use, tool_result, closing text
	require.Len(t, msgs, 3)
	assert.Equal(t, message.PartToolUse, msgs[0].Parts[0].Type)
	assert.Equal(t, message.PartToolResult, msgs[1].Parts[0].Type)
	assert.False(t, msgs[1].Parts[0].IsError)
}

func TestApprovalDenied(t *testing.T) {
	var msgs []message.Message
	_, err := New().Run(context.Background(), provider.RunOptions{
		Prompt: "[tool-approval] curl evil.example",
		OnToolApproval: func(approval.Request) approval.Response {
			return approval.Response{Decision: approval.DecisionDeny}
		},
		OnMessage: func(m message.Message) { msgs = append(msgs, m) },
	})
	require.NoError(t, err)

	require.Len(t, msgs, 3)
	assert.True(t, msgs[1].Parts[0].IsError)
	assert.Contains(t, msgs[2].Text(), "won't run")
}

func TestSubagentLifecycle(t *testing.T) {
	var events []string
	var msgs []message.Message
	_, err := New().Run(context.Background(), provider.RunOptions{
		Prompt: "[subagent] explore the repo",
		OnSubagentStarted: func(id, agentType, desc string) {
			events = append(events, "started:"+agentType)
		},
		OnSubagentToolCall: func(id, toolName string) {
			events = append(events, "tool:"+toolName)
		},
		OnSubagentCompleted: func(id, status string) {
			events = append(events, "completed:"+status)
		},
		OnMessage: func(m message.Message) { msgs = append(msgs, m) },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"started:Explore", "tool:Read", "completed:completed"}, events)
	// Sidechain activity surfaces only through callbacks, not messages.
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text(), "explore the repo")
}

func TestSlashCommandsDeliveredOnce(t *testing.T) {
	var calls int
	_, err := New().Run(context.Background(), provider.RunOptions{
		Prompt:          "hi",
		OnSlashCommands: func(cmds []message.SlashCommand) { calls++ },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Run(ctx, provider.RunOptions{Prompt: "hi"})
	assert.ErrorIs(t, err, provider.ErrInterrupted)
}
