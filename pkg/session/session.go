package session

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/hatchpod/pkg/approval"
	"github.com/odvcencio/hatchpod/pkg/message"
)

// PendingApproval is the suspended tool call a client must answer. The run
// goroutine blocks on the decision channel; Approve and Deny resolve it
// from the transport side. At most one exists per session, exactly while
// the session status is waiting_for_approval.
type PendingApproval struct {
	ToolName  string
	ToolUseID string
	Input     map[string]any

	// decision carries the client's answer to the suspended run.
	// Buffered so the resolver never blocks.
	decision chan approval.Response
}

func newPendingApproval(req approval.Request) *PendingApproval {
	return &PendingApproval{
		ToolName:  req.Tool,
		ToolUseID: req.ToolUseID,
		Input:     req.Input,
		decision:  make(chan approval.Response, 1),
	}
}

// resolve delivers the decision. Only the first resolution counts.
func (p *PendingApproval) resolve(resp approval.Response) {
	select {
	case p.decision <- resp:
	default:
	}
}

// Session is one conversation owned by the Registry. All mutable fields
// are guarded by mu; transport handlers never touch them directly.
type Session struct {
	mu sync.Mutex

	id           string
	workDir      string
	providerName string
	mode         approval.Mode
	status       Status
	createdAt    time.Time
	lastActivity time.Time

	messages  []message.Message
	commands  []message.SlashCommand
	totalCost float64
	numTurns  int
	lastError string

	// providerSessionID resumes the provider-side conversation on
	// follow-up prompts.
	providerSessionID string

	// alwaysAllowed holds tool names the user approved with alwaysAllow.
	alwaysAllowed map[string]bool

	pending *PendingApproval
	cancel  context.CancelFunc

	watcher *Watcher

	// now is the registry's injected clock.
	now func() time.Time
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Watcher returns the session's event bus.
func (s *Session) Watcher() *Watcher { return s.watcher }

// Status returns the current state machine position.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Mode returns the current permission mode.
func (s *Session) Mode() approval.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Messages returns a copy of the normalized message log.
func (s *Session) Messages() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Snapshot is the read-only view served over REST.
type Snapshot struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	WorkDir      string    `json:"cwd"`
	Mode         string    `json:"permissionMode"`
	Provider     string    `json:"provider"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	TotalCostUSD float64   `json:"totalCostUsd"`
	NumTurns     int       `json:"numTurns"`
	LastError    string    `json:"lastError,omitempty"`
	NumMessages  int       `json:"numMessages"`
	Summary      string    `json:"summary,omitempty"`
	Slug         string    `json:"slug,omitempty"`
}

// Snapshot captures the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.id,
		Status:       s.status,
		WorkDir:      s.workDir,
		Mode:         s.mode.String(),
		Provider:     s.providerName,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		TotalCostUSD: s.totalCost,
		NumTurns:     s.numTurns,
		LastError:    s.lastError,
		NumMessages:  len(s.messages),
		Slug:         workDirSlug(s.workDir),
	}
}

// appendMessage assigns the next contiguous index and records the message.
func (s *Session) appendMessage(m message.Message) message.Message {
	s.mu.Lock()
	m.Index = len(s.messages)
	s.messages = append(s.messages, m)
	s.lastActivity = s.now()
	s.mu.Unlock()
	return m
}

// setStatus transitions the state machine and broadcasts the change.
func (s *Session) setStatus(st Status, errText string) {
	s.mu.Lock()
	s.status = st
	s.lastError = errText
	s.lastActivity = s.now()
	s.mu.Unlock()
	s.watcher.Push(StatusFrame(st, errText))
}
