package transfer

import (
	"sync"

	"github.com/google/uuid"
)

// taskRegistry tracks active tasks. Entries exist only while a transfer is in
// flight; terminal tasks are removed regardless of pause history.
type taskRegistry struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: make(map[uuid.UUID]*Task)}
}

func (r *taskRegistry) add(t *Task) {
	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()
}

func (r *taskRegistry) remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

func (r *taskRegistry) withTask(id uuid.UUID, fn func(*Task)) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	fn(t)
	return true
}

func (r *taskRegistry) snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.tasks))
	for _, t := range r.tasks {
		t.mu.Lock()
		state := t.state
		t.mu.Unlock()
		snap := Snapshot{ID: t.ID, URL: t.URL, Dest: t.Dest, State: state}
		snap.Transferred = t.tracker.Transferred()
		out = append(out, snap)
	}
	return out
}
