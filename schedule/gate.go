package schedule

import (
	"context"
	"sync"
)

// Gate is the manual-reset pause gate the Scheduler waits on before
// starting each Action. Paused() reports the current state without
// blocking; Wait blocks until resumed or ctx is done.
type Gate struct {
	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

// NewGate returns a gate that starts open (not paused).
func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{resumeCh: ch}
}

// Pause closes the gate; subsequent Wait calls block until Resume.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resumeCh = make(chan struct{})
}

// Resume reopens the gate, releasing any blocked Wait calls.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resumeCh)
}

// Paused reports whether the gate is currently closed.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.resumeCh
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
