package store

import (
	"context"
	"sync"
)

// PauseResume is a cooperative gate for the harvesters. A pause request
// does not abort an in-flight fetch: each harvester checks the gate only
// between page fetches, so a paused broker quiesces at page boundaries and
// the cache can be read as a consistent snapshot.
type PauseResume struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func NewPauseResume() *PauseResume {
	return &PauseResume{}
}

// Pause requests that harvesters stop at their next page boundary.
// Idempotent.
func (p *PauseResume) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.resume = make(chan struct{})
}

// Resume releases all harvesters blocked on the gate. Idempotent.
func (p *PauseResume) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	close(p.resume)
	p.resume = nil
}

// IsPaused reports the gate state.
func (p *PauseResume) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Wait blocks while the gate is paused. Returns the context error if the
// caller is cancelled while waiting.
func (p *PauseResume) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		if !p.paused {
			p.mu.Unlock()
			return nil
		}
		resume := p.resume
		p.mu.Unlock()

		select {
		case <-resume:
			// Re-check: the gate may have been paused again already.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
