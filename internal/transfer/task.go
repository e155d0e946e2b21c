package transfer

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/halcyonlab/gamedelivery/internal/progress"
)

// State is the lifecycle state of a single transfer task.
type State int

const (
	StateIdle State = iota
	StateDownloading
	StatePaused
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further state transitions can occur.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Task is one in-flight download. It is owned exclusively by the Engine;
// observers only ever see copied Snapshot values.
type Task struct {
	ID   uuid.UUID
	URL  string
	Dest string

	mu      sync.Mutex
	state   State
	tracker *progress.Tracker
	gate    *pauseGate
	cancel  context.CancelFunc
}

// Snapshot is a copied-out view of a task for observers.
type Snapshot struct {
	ID    uuid.UUID
	URL   string
	Dest  string
	State State
	progress.Snapshot
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	if !t.state.Terminal() {
		t.state = s
	}
	t.mu.Unlock()
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pause blocks the copy loop before its next write. Already-written bytes are
// kept and the HTTP stream stays open.
func (t *Task) Pause() {
	t.gate.Pause()
	t.setState(StatePaused)
}

// Resume releases a paused copy loop and rebases speed accounting so the
// paused interval never appears in the estimate.
func (t *Task) Resume() {
	t.mu.Lock()
	if t.state == StatePaused {
		t.state = StateDownloading
		t.tracker.Rebase()
	}
	t.mu.Unlock()
	t.gate.Resume()
}

// Cancel aborts the transfer. The partial file is preserved for a later
// resume attempt; cancellation also unblocks a paused copy loop.
func (t *Task) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
	t.gate.Resume()
}
