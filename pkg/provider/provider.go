// Package provider defines the contract an agent backend must satisfy to be
// driven by the session core. The core never talks to a backend directly;
// it hands an Adapter a prompt plus callbacks and consumes a normalized
// message stream in return.
package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/odvcencio/hatchpod/pkg/approval"
	"github.com/odvcencio/hatchpod/pkg/message"
	"github.com/odvcencio/hatchpod/pkg/thinking"
)

var (
	// ErrUnknownProvider is returned when resolving a provider name that
	// was never registered.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrInterrupted is returned by Run when the context was cancelled
	// mid-stream. Callers treat it as a clean interrupt, not a failure.
	ErrInterrupted = errors.New("run interrupted")
)

// RunOptions carries everything one run needs. All callbacks are invoked
// from the run's own goroutine; a nil callback is skipped.
type RunOptions struct {
	Prompt         string
	WorkDir        string
	PermissionMode approval.Mode
	Effort         thinking.Effort

	// ResumeID continues an earlier provider-side conversation. Empty
	// starts a fresh one.
	ResumeID string

	// Model overrides the provider's default model when non-empty.
	Model string

	// OnMessage receives each finalized primary-sequence message in order.
	// Sidechain activity never arrives here.
	OnMessage func(message.Message)

	// OnToolApproval suspends the tool call until it returns. The adapter
	// must not execute the tool before the response arrives.
	OnToolApproval func(approval.Request) approval.Response

	// OnThinkingDelta streams incremental reasoning text. Every delta is
	// delivered before the finalized message containing that reasoning,
	// and no delta text is ever replayed.
	OnThinkingDelta func(text string)

	// Subagent lifecycle. Sidechain messages surface only through these.
	OnSubagentStarted   func(id, agentType, description string)
	OnSubagentToolCall  func(id, toolName string)
	OnSubagentCompleted func(id, status string)

	// OnSlashCommands delivers the provider's advertised commands, once,
	// early in the run.
	OnSlashCommands func([]message.SlashCommand)
}

// RunResult summarizes a completed run.
type RunResult struct {
	TotalCostUSD float64
	NumTurns     int

	// ProviderSessionID resumes this conversation in a later run.
	ProviderSessionID string
}

// Adapter executes one prompt turn against an agent backend.
// Run blocks until the stream ends, the adapter fails, or ctx is cancelled;
// cancellation returns ErrInterrupted after the stream stops yielding.
type Adapter interface {
	Name() string
	Run(ctx context.Context, opts RunOptions) (*RunResult, error)
}

// SessionInfo is one history-derived session listing entry.
type SessionInfo struct {
	ID           string
	Slug         string
	Summary      string
	WorkDir      string
	LastModified time.Time
}

// HistorySource is implemented by adapters whose backend persists
// transcripts the server can list and replay.
type HistorySource interface {
	SessionHistory(id string) ([]message.Message, error)
	ListSessions(workDir string) ([]SessionInfo, error)
}

// TranscriptSource is implemented by history sources whose transcripts
// live on disk and can be followed while the backend appends to them.
type TranscriptSource interface {
	TranscriptPath(id string) (string, error)
}

// Registry resolves provider names to adapters.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[string]Adapter
	defaultName string
}

// NewRegistry returns an empty provider registry defaulting to "claude".
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter), defaultName: "claude"}
}

// Register adds an adapter under its own name, replacing any previous one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// SetDefault changes the adapter the empty name resolves to.
func (r *Registry) SetDefault(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultName = name
}

// Get resolves a provider by name. The empty name resolves to the
// configured default.
func (r *Registry) Get(name string) (Adapter, error) {
	if name == "" {
		r.mu.RLock()
		name = r.defaultName
		r.mu.RUnlock()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return a, nil
}

// History returns the adapter's history source when it has one.
func History(a Adapter) (HistorySource, bool) {
	h, ok := a.(HistorySource)
	return h, ok
}
