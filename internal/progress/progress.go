// Package progress defines the progress-sink contract shared by the transfer
// engine, the chunked sync client and the archive installer. Observers receive
// immutable snapshots at a bounded cadence instead of per-read events.
package progress

import (
	"sync"
	"time"
)

// Snapshot is a copied-out view of one operation's progress. TotalBytes is -1
// until the total is known.
type Snapshot struct {
	TotalBytes  int64
	Transferred int64
	Speed       float64 // bytes per second over active-transfer wall time
	ETA         time.Duration
	Files       int
	TotalFiles  int
}

// Sink receives progress snapshots. Implementations must be safe for
// concurrent use; the pipeline may report from multiple goroutines.
type Sink interface {
	Report(Snapshot)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Snapshot)

func (f SinkFunc) Report(s Snapshot) { f(s) }

// Discard is a Sink that drops every snapshot.
var Discard Sink = SinkFunc(func(Snapshot) {})

// DefaultInterval is the default minimum spacing between reports.
const DefaultInterval = 100 * time.Millisecond

// Tracker accumulates transferred bytes and forwards rate-limited snapshots
// to a sink. Speed is measured from the last rebase point, so a paused and
// resumed operation never counts idle wall time in its estimate.
type Tracker struct {
	mu         sync.Mutex
	sink       Sink
	interval   time.Duration
	total      int64
	done       int64
	files      int
	totalFiles int
	markBytes  int64
	markTime   time.Time
	lastReport time.Time
}

func NewTracker(sink Sink, interval time.Duration) *Tracker {
	if sink == nil {
		sink = Discard
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		sink:     sink,
		interval: interval,
		total:    -1,
		markTime: time.Now(),
	}
}

// SetTotal records the expected byte total once known.
func (t *Tracker) SetTotal(n int64) {
	t.mu.Lock()
	t.total = n
	t.mu.Unlock()
}

// SetTotalFiles records the expected file count for multi-file operations.
func (t *Tracker) SetTotalFiles(n int) {
	t.mu.Lock()
	t.totalFiles = n
	t.mu.Unlock()
}

// Add accumulates n transferred bytes and reports if the cadence allows.
// Negative n rolls back progress after a failed chunk attempt.
func (t *Tracker) Add(n int64) {
	t.mu.Lock()
	t.done += n
	if t.done < 0 {
		t.done = 0
	}
	emit := time.Since(t.lastReport) >= t.interval
	var snap Snapshot
	if emit {
		t.lastReport = time.Now()
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()
	if emit {
		t.sink.Report(snap)
	}
}

// FileDone bumps the completed-file counter.
func (t *Tracker) FileDone() {
	t.mu.Lock()
	t.files++
	t.mu.Unlock()
}

// Rebase resets the speed measurement origin to now. Called when a transfer
// starts or resumes from pause so the estimate covers active time only.
func (t *Tracker) Rebase() {
	t.mu.Lock()
	t.markBytes = t.done
	t.markTime = time.Now()
	t.mu.Unlock()
}

// Transferred returns the byte count accumulated so far.
func (t *Tracker) Transferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Flush forces one report regardless of cadence. Callers use it on terminal
// transitions so the final snapshot is never lost to rate limiting.
func (t *Tracker) Flush() {
	t.mu.Lock()
	t.lastReport = time.Now()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.sink.Report(snap)
}

func (t *Tracker) snapshotLocked() Snapshot {
	snap := Snapshot{
		TotalBytes:  t.total,
		Transferred: t.done,
		Files:       t.files,
		TotalFiles:  t.totalFiles,
	}
	active := time.Since(t.markTime).Seconds()
	if active > 0 {
		snap.Speed = float64(t.done-t.markBytes) / active
	}
	if snap.Speed > 0 && t.total > t.done {
		snap.ETA = time.Duration(float64(t.total-t.done)/snap.Speed) * time.Second
	}
	return snap
}
