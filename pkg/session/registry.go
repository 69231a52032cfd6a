package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/hatchpod/pkg/approval"
	"github.com/odvcencio/hatchpod/pkg/bus"
	"github.com/odvcencio/hatchpod/pkg/gitstat"
	"github.com/odvcencio/hatchpod/pkg/message"
	"github.com/odvcencio/hatchpod/pkg/provider"
	"github.com/odvcencio/hatchpod/pkg/tasks"
	"github.com/odvcencio/hatchpod/pkg/thinking"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")

	// ErrTooManySessions is returned when creation would exceed the cap.
	ErrTooManySessions = errors.New("maximum session count reached")

	// ErrSessionBusy is returned for a prompt while a run is in flight.
	ErrSessionBusy = errors.New("session is already running")

	// ErrModeChangeWhileRunning guards set_mode during a run or a
	// pending approval. The text is part of the wire contract.
	ErrModeChangeWhileRunning = errors.New("cannot change mode while session is running")

	// ErrBypassNotAllowed is returned when bypassPermissions is requested
	// without the operator flag.
	ErrBypassNotAllowed = errors.New("bypassPermissions requires server-side approval")

	// ErrApprovalMismatch is returned when approve/deny names a tool-use
	// id that is not the pending one, or nothing is pending.
	ErrApprovalMismatch = errors.New("no matching pending approval")
)

// Config tunes a Registry.
type Config struct {
	MaxSessions int
	Retention   time.Duration

	// AllowBypass enables switching sessions into bypassPermissions.
	AllowBypass bool

	// GitPollInterval spaces working-tree diff polls during a run.
	// Zero disables polling.
	GitPollInterval time.Duration

	// Tail follows a transcript file, delivering appended messages until
	// ctx ends. Nil disables observing externally driven sessions.
	Tail func(ctx context.Context, path string, onMessage func(message.Message)) error

	// Clock is injected for tests; defaults to time.Now.
	Clock func() time.Time

	Logger *log.Logger
}

// Registry owns every live session: the session table, run supervision,
// the approval handshake, and time-based eviction. All methods are safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	providers *provider.Registry
	history   provider.HistorySource
	bus       bus.MessageBus

	cfg    Config
	logger *log.Logger
}

// NewRegistry builds a registry. history and eventBus may be nil.
func NewRegistry(providers *provider.Registry, history provider.HistorySource, eventBus bus.MessageBus, cfg Config) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 50
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[session] ", log.LstdFlags)
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		providers: providers,
		history:   history,
		bus:       eventBus,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateOptions parameterizes a new session.
type CreateOptions struct {
	WorkDir  string
	Provider string
	Mode     approval.Mode

	// Prompt, when non-empty, starts a run immediately.
	Prompt string

	// Resume continues an existing provider-side conversation.
	Resume string
}

// Create registers a new session, bounded by the live-session cap. With a
// prompt the session starts running; without one it sits idle.
func (r *Registry) Create(opts CreateOptions) (*Session, error) {
	if opts.Mode == "" {
		opts.Mode = approval.ModeDefault
	}
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("invalid permission mode %q", opts.Mode)
	}
	if approval.RequiresOperator(opts.Mode) && !r.cfg.AllowBypass {
		return nil, ErrBypassNotAllowed
	}
	adapter, err := r.providers.Get(opts.Provider)
	if err != nil {
		return nil, err
	}

	now := r.cfg.Clock()
	s := &Session{
		id:                uuid.NewString(),
		workDir:           opts.WorkDir,
		providerName:      adapter.Name(),
		mode:              opts.Mode,
		status:            StatusIdle,
		createdAt:         now,
		lastActivity:      now,
		providerSessionID: opts.Resume,
		alwaysAllowed:     make(map[string]bool),
		watcher:           NewWatcher(),
		now:               r.cfg.Clock,
	}
	r.attachBusTap(s)

	r.mu.Lock()
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, ErrTooManySessions
	}
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.logger.Printf("session %s created (provider=%s mode=%s)", s.id, s.providerName, s.mode)

	if opts.Prompt != "" {
		if err := r.Prompt(s.id, opts.Prompt); err != nil {
			// The caller never learns the id, so a half-created
			// session must not linger in the table.
			r.drop(s)
			return nil, err
		}
	}
	return s, nil
}

// attachBusTap mirrors the session's frames onto the external bus when one
// is configured.
func (r *Registry) attachBusTap(s *Session) {
	if r.bus == nil {
		return
	}
	subject := "hatchpod.session." + s.id
	s.watcher.SetTap(func(f Frame) {
		data, err := json.Marshal(f)
		if err != nil {
			return
		}
		go r.bus.Publish(context.Background(), subject, data)
	})
}

// drop removes a session from the table and tears down its watcher and
// any background work attached to it.
func (r *Registry) drop(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()

	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.watcher.Close()
}

// Observe returns the live session for id, or materializes a read-only
// one from its persisted transcript. An observed session replays the
// transcript's messages and then follows the file, so a conversation the
// CLI is driving directly streams through the same watcher and bus as a
// server-driven run. It stays in the history state and never accepts
// prompts.
func (r *Registry) Observe(id string) (*Session, error) {
	if s, err := r.Get(id); err == nil {
		return s, nil
	}
	if r.history == nil || r.cfg.Tail == nil {
		return nil, ErrNotFound
	}
	transcripts, ok := r.history.(provider.TranscriptSource)
	if !ok {
		return nil, ErrNotFound
	}
	path, err := transcripts.TranscriptPath(id)
	if err != nil {
		return nil, ErrNotFound
	}
	msgs, err := r.history.SessionHistory(id)
	if err != nil {
		return nil, ErrNotFound
	}

	now := r.cfg.Clock()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:            id,
		status:        StatusHistory,
		createdAt:     now,
		lastActivity:  now,
		messages:      msgs,
		alwaysAllowed: make(map[string]bool),
		watcher:       NewWatcher(),
		cancel:        cancel,
		now:           r.cfg.Clock,
	}
	r.attachBusTap(s)
	s.watcher.Push(StatusFrame(StatusHistory, ""))
	for _, m := range msgs {
		s.watcher.Push(MessageFrame(m))
	}

	r.mu.Lock()
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		cancel()
		return nil, ErrTooManySessions
	}
	if existing, ok := r.sessions[id]; ok {
		// Lost the race against a concurrent Observe.
		r.mu.Unlock()
		cancel()
		return existing, nil
	}
	r.sessions[id] = s
	r.mu.Unlock()

	go func() {
		err := r.cfg.Tail(ctx, path, func(m message.Message) {
			stored := s.appendMessage(m)
			s.watcher.Push(MessageFrame(stored))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Printf("session %s tail stopped: %v", id, err)
		}
	}()

	r.logger.Printf("session %s observed from transcript", id)
	return s, nil
}

// Get returns a live session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Prompt starts a run for the given text. Terminal and idle sessions
// accept it; a session with a run in flight does not.
func (r *Registry) Prompt(id, text string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.status.CanPrompt() {
		st := s.status
		s.mu.Unlock()
		if st.Busy() {
			return ErrSessionBusy
		}
		return fmt.Errorf("cannot prompt session in state %q", st)
	}
	s.status = StatusStarting
	s.lastActivity = s.now()
	resume := s.providerSessionID
	mode := s.mode
	s.mu.Unlock()

	s.watcher.Push(StatusFrame(StatusStarting, ""))

	user := s.appendMessage(message.Message{
		Role:  message.RoleUser,
		Parts: []message.Part{message.TextPart(text)},
	})
	s.watcher.Push(MessageFrame(user))

	go r.run(s, text, mode, resume)
	return nil
}

// run supervises one adapter invocation. Nothing raised inside it escapes
// to the process: failures land the session in the error state with the
// cause recorded and broadcast.
func (r *Registry) run(s *Session, prompt string, mode approval.Mode, resume string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	if s.status == StatusInterrupted {
		// Interrupted between Prompt and the goroutine starting.
		s.mu.Unlock()
		return
	}
	s.cancel = cancel
	s.mu.Unlock()

	if r.cfg.GitPollInterval > 0 && s.workDir != "" {
		go gitstat.Poll(ctx, s.workDir, r.cfg.GitPollInterval, func(stat *gitstat.DiffStat) {
			s.watcher.Push(GitDiffStatFrame(stat))
		})
	}

	adapter, err := r.providers.Get(s.providerName)
	if err != nil {
		s.setStatus(StatusError, err.Error())
		return
	}

	effort, cleaned := thinking.DetectEffort(prompt)

	s.mu.Lock()
	if s.status == StatusInterrupted {
		s.mu.Unlock()
		return
	}
	s.status = StatusRunning
	s.lastActivity = s.now()
	s.mu.Unlock()
	s.watcher.Push(StatusFrame(StatusRunning, ""))

	// Wall-clock anchor for live thinking durations: first delta of the
	// current reasoning burst.
	var deltaStart time.Time

	result, runErr := adapter.Run(ctx, provider.RunOptions{
		Prompt:         cleaned,
		WorkDir:        s.workDir,
		PermissionMode: mode,
		Effort:         effort,
		ResumeID:       resume,
		OnMessage: func(m message.Message) {
			if m.HasReasoning() && !deltaStart.IsZero() {
				ms := time.Since(deltaStart).Milliseconds()
				m.ThinkingDurationMs = &ms
				deltaStart = time.Time{}
			}
			stored := s.appendMessage(m)
			s.watcher.Push(MessageFrame(stored))
		},
		OnToolApproval: func(req approval.Request) approval.Response {
			return r.awaitApproval(ctx, s, req)
		},
		OnThinkingDelta: func(text string) {
			if deltaStart.IsZero() {
				deltaStart = time.Now()
			}
			s.watcher.Push(Frame{Type: FrameThinkingDelta, Text: text})
		},
		OnSubagentStarted: func(id, agentType, description string) {
			s.watcher.Push(Frame{
				Type:        FrameSubagentStarted,
				SubagentID:  id,
				AgentType:   agentType,
				Description: description,
			})
		},
		OnSubagentToolCall: func(id, toolName string) {
			s.watcher.Push(Frame{Type: FrameSubagentToolCall, SubagentID: id, ToolName: toolName})
		},
		OnSubagentCompleted: func(id, status string) {
			s.watcher.Push(Frame{Type: FrameSubagentCompleted, SubagentID: id, SubStatus: status})
		},
		OnSlashCommands: func(cmds []message.SlashCommand) {
			s.mu.Lock()
			s.commands = cmds
			s.mu.Unlock()
			s.watcher.Push(Frame{Type: FrameSlashCommands, Commands: cmds})
		},
	})

	s.mu.Lock()
	s.cancel = nil
	interrupted := s.status == StatusInterrupted
	if result != nil {
		s.totalCost += result.TotalCostUSD
		s.numTurns += result.NumTurns
		if result.ProviderSessionID != "" {
			s.providerSessionID = result.ProviderSessionID
		}
	}
	s.mu.Unlock()

	switch {
	case interrupted:
		// Interrupt already transitioned and broadcast.
	case runErr != nil && errors.Is(runErr, provider.ErrInterrupted):
		s.setStatus(StatusInterrupted, "")
	case runErr != nil:
		r.logger.Printf("session %s run failed: %v", s.id, runErr)
		s.setStatus(StatusError, runErr.Error())
	default:
		s.setStatus(StatusCompleted, "")
	}
}

// awaitApproval suspends the run until a client answers or the run is
// interrupted. An interrupt resolves the approval as a denial so the
// adapter is never left holding a dangling tool call.
func (r *Registry) awaitApproval(ctx context.Context, s *Session, req approval.Request) approval.Response {
	s.mu.Lock()
	if s.alwaysAllowed[req.Tool] || approval.AutoApproves(s.mode, req.Tool) {
		s.mu.Unlock()
		return approval.Response{Decision: approval.DecisionAllow}
	}
	pending := newPendingApproval(req)
	s.pending = pending
	s.status = StatusWaitingForApproval
	s.lastActivity = s.now()
	s.mu.Unlock()

	s.watcher.Push(StatusFrame(StatusWaitingForApproval, ""))
	s.watcher.Push(Frame{
		Type:      FrameApprovalRequest,
		ToolName:  req.Tool,
		ToolUseID: req.ToolUseID,
		Input:     req.Input,
	})

	var resp approval.Response
	select {
	case resp = <-pending.decision:
	case <-ctx.Done():
		resp = approval.Response{Decision: approval.DecisionDeny, Message: approval.DeniedByUser}
	}

	s.mu.Lock()
	s.pending = nil
	stillInterrupted := s.status == StatusInterrupted
	if !stillInterrupted {
		s.status = StatusRunning
	}
	if resp.AlwaysAllow && resp.Decision == approval.DecisionAllow {
		s.alwaysAllowed[req.Tool] = true
	}
	s.mu.Unlock()

	if !stillInterrupted {
		s.watcher.Push(StatusFrame(StatusRunning, ""))
	}
	return resp
}

// Approve resolves the pending approval when toolUseID matches. A stale or
// wrong id is a no-op error with no state change.
func (r *Registry) Approve(id, toolUseID string, alwaysAllow bool, answers map[string]string) error {
	return r.resolveApproval(id, toolUseID, approval.Response{
		Decision:    approval.DecisionAllow,
		AlwaysAllow: alwaysAllow,
		Answers:     answers,
	})
}

// Deny rejects the pending approval when toolUseID matches. reason is
// relayed to the adapter as the denial message; empty falls back to the
// stock "Denied by user".
func (r *Registry) Deny(id, toolUseID, reason string) error {
	if reason == "" {
		reason = approval.DeniedByUser
	}
	return r.resolveApproval(id, toolUseID, approval.Response{
		Decision: approval.DecisionDeny,
		Message:  reason,
	})
}

func (r *Registry) resolveApproval(id, toolUseID string, resp approval.Response) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	if pending == nil || pending.ToolUseID != toolUseID {
		return ErrApprovalMismatch
	}
	pending.resolve(resp)
	return nil
}

// Interrupt aborts the in-flight run. The pending approval, if any, is
// denied so the adapter can unwind; the session lands in interrupted.
func (r *Registry) Interrupt(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.status.Terminal() || s.status == StatusHistory {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("cannot interrupt session in state %q", st)
	}
	s.status = StatusInterrupted
	s.lastActivity = s.now()
	pending := s.pending
	cancel := s.cancel
	s.mu.Unlock()

	if pending != nil {
		pending.resolve(approval.Response{Decision: approval.DecisionDeny, Message: approval.DeniedByUser})
	}
	if cancel != nil {
		cancel()
	}
	s.watcher.Push(StatusFrame(StatusInterrupted, ""))
	r.logger.Printf("session %s interrupted", id)
	return nil
}

// SetMode changes the permission mode. Rejected while a run is in flight
// or an approval is pending; bypassPermissions additionally needs the
// operator flag.
func (r *Registry) SetMode(id string, mode approval.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid permission mode %q", mode)
	}
	if approval.RequiresOperator(mode) && !r.cfg.AllowBypass {
		return ErrBypassNotAllowed
	}

	s, err := r.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.status.Busy() {
		s.mu.Unlock()
		return ErrModeChangeWhileRunning
	}
	s.mode = mode
	s.lastActivity = s.now()
	s.mu.Unlock()

	s.watcher.Push(Frame{Type: FrameModeChanged, Mode: mode.String()})
	return nil
}

// Remove deletes a session outright, interrupting a live run first.
func (r *Registry) Remove(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if s.Status().Busy() {
		_ = r.Interrupt(id)
	}

	r.drop(s)
	r.logger.Printf("session %s removed", id)
	return nil
}

// Evict drops sessions that are terminal or transcript-observed,
// unsubscribed, and idle past the retention window as of now. Sessions
// with open subscribers or a live run are never evicted. Returns the
// evicted ids.
func (r *Registry) Evict(now time.Time) []string {
	cutoff := now.Add(-r.cfg.Retention)

	r.mu.Lock()
	var evicted []string
	for id, s := range r.sessions {
		s.mu.Lock()
		done := s.status.Terminal() || s.status == StatusHistory
		expired := done && s.lastActivity.Before(cutoff)
		cancel := s.cancel
		s.mu.Unlock()
		if !expired || s.watcher.SubscriberCount() > 0 {
			continue
		}
		delete(r.sessions, id)
		if cancel != nil {
			cancel()
		}
		s.watcher.Close()
		evicted = append(evicted, id)
	}
	r.mu.Unlock()

	for _, id := range evicted {
		r.logger.Printf("session %s evicted", id)
	}
	return evicted
}

// Live returns the number of registered sessions.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List merges live sessions with history-derived entries, deduplicated by
// id with live sessions winning, sorted by recency. workDir filters
// history entries when non-empty.
func (r *Registry) List(workDir string) ([]Snapshot, error) {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.sessions))
	seen := make(map[string]bool, len(r.sessions))
	for _, s := range r.sessions {
		snap := s.Snapshot()
		out = append(out, snap)
		seen[snap.ID] = true
		if snap.Provider != "" {
			// A resumed conversation appears in history under its
			// provider-side id as well.
			s.mu.Lock()
			if s.providerSessionID != "" {
				seen[s.providerSessionID] = true
			}
			s.mu.Unlock()
		}
	}
	r.mu.RUnlock()

	if r.history != nil {
		infos, err := r.history.ListSessions(workDir)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			if seen[info.ID] {
				continue
			}
			out = append(out, Snapshot{
				ID:           info.ID,
				Status:       StatusHistory,
				WorkDir:      info.WorkDir,
				LastActivity: info.LastModified,
				CreatedAt:    info.LastModified,
				Summary:      info.Summary,
				Slug:         info.Slug,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

// Detail returns one session's snapshot, live or history-derived.
func (r *Registry) Detail(id string) (Snapshot, error) {
	if s, err := r.Get(id); err == nil {
		return s.Snapshot(), nil
	}
	if r.history != nil {
		msgs, err := r.history.SessionHistory(id)
		if err == nil {
			return Snapshot{
				ID:          id,
				Status:      StatusHistory,
				NumMessages: len(msgs),
			}, nil
		}
	}
	return Snapshot{}, ErrNotFound
}

// SessionMessages returns a page of the session's messages: up to limit
// entries with index < before. before <= 0 means from the end; limit <= 0
// means everything.
func (r *Registry) SessionMessages(id string, before, limit int) ([]message.Message, error) {
	msgs, err := r.allMessages(id)
	if err != nil {
		return nil, err
	}
	if before <= 0 || before > len(msgs) {
		before = len(msgs)
	}
	msgs = msgs[:before]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Tasks derives the session's task list from its message stream.
func (r *Registry) Tasks(id string) ([]tasks.Task, error) {
	msgs, err := r.allMessages(id)
	if err != nil {
		return nil, err
	}
	return tasks.Extract(msgs, tasks.DefaultConvention()), nil
}

func (r *Registry) allMessages(id string) ([]message.Message, error) {
	if s, err := r.Get(id); err == nil {
		return s.Messages(), nil
	}
	if r.history != nil {
		if msgs, err := r.history.SessionHistory(id); err == nil {
			return msgs, nil
		}
	}
	return nil, ErrNotFound
}
