package session

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Conn is the transport a subscriber receives frames on. The WebSocket
// handler implements it; tests use in-memory fakes.
type Conn interface {
	Send(ctx context.Context, f Frame) error
}

// subscriberQueueSize bounds per-subscriber backlog. A subscriber that
// falls this far behind is dropped rather than stalling the session.
const subscriberQueueSize = 256

type subscriber struct {
	id    string
	conn  Conn
	queue chan Frame
	done  chan struct{}
}

// Watcher is the per-session event bus. It retains an ordered buffer of
// replayable frames for the session's lifetime so a subscriber attaching
// mid-run receives everything that already happened, then live frames,
// with no duplicate and no gap.
//
// Transient frames (thinking deltas, pings, one-shot errors) broadcast to
// current subscribers only. The latest git diff stat lives in a single
// overwrite slot, cleared when the session reaches a terminal status. A
// pending approval request likewise occupies one slot, replayed only while
// it is still unanswered.
type Watcher struct {
	mu          sync.Mutex
	buffer      []Frame
	approval    *Frame
	diffStat    *Frame
	subscribers map[string]*subscriber
	closed      bool

	// tap observes every pushed frame, for mirroring onto an external
	// bus. Called with w.mu held; must not block.
	tap func(Frame)
}

// SetTap installs the frame observer. Call before the first Push.
func (w *Watcher) SetTap(tap func(Frame)) {
	w.mu.Lock()
	w.tap = tap
	w.mu.Unlock()
}

// NewWatcher returns an empty watcher.
func NewWatcher() *Watcher {
	return &Watcher{subscribers: make(map[string]*subscriber)}
}

// Push delivers a frame to all subscribers and updates the replay state
// according to the frame type. It never blocks on a slow subscriber.
func (w *Watcher) Push(f Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	switch f.Type {
	case FrameThinkingDelta, FramePing, FrameError:
		// Broadcast only; deltas are never replayed.
	case FrameGitDiffStat:
		w.diffStat = &f
	case FrameApprovalRequest:
		// Slot, not buffer: replayed only while still unanswered.
		w.approval = &f
	case FrameStatus:
		if f.Status != StatusWaitingForApproval {
			w.approval = nil
		}
		if f.Status.Terminal() {
			w.diffStat = nil
		}
		w.buffer = append(w.buffer, f)
	default:
		w.buffer = append(w.buffer, f)
	}

	for _, sub := range w.subscribers {
		w.enqueueLocked(sub, f)
	}
	if w.tap != nil {
		w.tap(f)
	}
}

// Subscribe attaches a connection. The full replay (buffer, then the live
// slots, then replay_complete) is queued atomically with respect to
// concurrent pushes, so the subscriber's stream is exactly the buffered
// prefix followed by every later push. Returns the subscriber id used for
// Unsubscribe.
func (w *Watcher) Subscribe(ctx context.Context, conn Conn) string {
	w.mu.Lock()
	// The queue must hold the entire replay up front; nothing drains it
	// until the pump starts.
	size := subscriberQueueSize
	if n := len(w.buffer) + 8; n > size {
		size = n
	}
	sub := &subscriber{
		id:    ulid.Make().String(),
		conn:  conn,
		queue: make(chan Frame, size),
		done:  make(chan struct{}),
	}

	if w.closed {
		w.mu.Unlock()
		close(sub.done)
		return sub.id
	}
	for _, f := range w.buffer {
		w.enqueueLocked(sub, f)
	}
	if w.approval != nil {
		w.enqueueLocked(sub, *w.approval)
	}
	if w.diffStat != nil {
		w.enqueueLocked(sub, *w.diffStat)
	}
	w.enqueueLocked(sub, Frame{Type: FrameReplayComplete})
	w.subscribers[sub.id] = sub
	w.mu.Unlock()

	go w.pump(ctx, sub)
	return sub.id
}

// Unsubscribe detaches a subscriber. Safe to call for an id that was
// already dropped.
func (w *Watcher) Unsubscribe(id string) {
	w.mu.Lock()
	w.removeLocked(id)
	w.mu.Unlock()
}

// SubscriberCount reports how many connections are attached.
func (w *Watcher) SubscriberCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subscribers)
}

// Close detaches every subscriber and rejects further pushes.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for id := range w.subscribers {
		w.removeLocked(id)
	}
}

// enqueueLocked queues one frame for a subscriber, dropping the subscriber
// if its backlog is full. Caller holds w.mu.
func (w *Watcher) enqueueLocked(sub *subscriber, f Frame) {
	select {
	case sub.queue <- f:
	default:
		w.removeLocked(sub.id)
	}
}

// removeLocked detaches one subscriber. Caller holds w.mu.
func (w *Watcher) removeLocked(id string) {
	sub, ok := w.subscribers[id]
	if !ok {
		return
	}
	delete(w.subscribers, id)
	close(sub.done)
}

// pump drains one subscriber's queue onto its connection. A send failure
// drops only this subscriber; the session and its other subscribers are
// unaffected.
func (w *Watcher) pump(ctx context.Context, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			w.Unsubscribe(sub.id)
			return
		case <-sub.done:
			return
		case f := <-sub.queue:
			if err := sub.conn.Send(ctx, f); err != nil {
				w.Unsubscribe(sub.id)
				return
			}
		}
	}
}
