package session

// Status is the session state machine position.
type Status string

const (
	StatusIdle               Status = "idle"
	StatusStarting           Status = "starting"
	StatusRunning            Status = "running"
	StatusWaitingForApproval Status = "waiting_for_approval"
	StatusCompleted          Status = "completed"
	StatusInterrupted        Status = "interrupted"
	StatusError              Status = "error"

	// StatusHistory marks read-only sessions derived from persisted
	// transcripts. They never transition.
	StatusHistory Status = "history"
)

// Terminal reports whether the status ends a run. Terminal sessions accept
// follow-up prompts (except history) but never transition on their own.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusInterrupted, StatusError:
		return true
	}
	return false
}

// Busy reports whether a run is in flight, which blocks mode changes and
// new prompts.
func (s Status) Busy() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusWaitingForApproval:
		return true
	}
	return false
}

// CanPrompt reports whether the session accepts a new prompt from this
// state. Interrupted sessions stay paused until deleted.
func (s Status) CanPrompt() bool {
	switch s {
	case StatusIdle, StatusCompleted, StatusError:
		return true
	}
	return false
}
