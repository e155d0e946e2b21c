package transfer

import (
	"context"
	"sync"
)

// pauseGate is the cooperative suspend point polled by the copy loop between
// chunk writes. Pausing swaps in an open channel the loop blocks on; Resume
// closes it. Cancellation unblocks the wait through the context.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	ch     chan struct{}
}

func newPauseGate() *pauseGate {
	ch := make(chan struct{})
	close(ch)
	return &pauseGate{ch: ch}
}

func (g *pauseGate) Pause() {
	g.mu.Lock()
	if !g.paused {
		g.paused = true
		g.ch = make(chan struct{})
	}
	g.mu.Unlock()
}

func (g *pauseGate) Resume() {
	g.mu.Lock()
	if g.paused {
		g.paused = false
		close(g.ch)
	}
	g.mu.Unlock()
}

// Wait blocks while the gate is paused. Returns the context error if the
// caller is cancelled mid-pause.
func (g *pauseGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
