package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPauseResumeGate(t *testing.T) {
	gate := NewPauseResume()

	// Unpaused gate does not block.
	if err := gate.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on open gate: %v", err)
	}

	gate.Pause()
	if !gate.IsPaused() {
		t.Fatal("gate should report paused")
	}

	var passed atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := gate.Wait(context.Background()); err != nil {
			t.Errorf("Wait: %v", err)
			return
		}
		passed.Store(true)
	}()

	time.Sleep(20 * time.Millisecond)
	if passed.Load() {
		t.Fatal("waiter passed a paused gate")
	}

	gate.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not released on resume")
	}
	if !passed.Load() {
		t.Fatal("waiter did not pass after resume")
	}
}

func TestPauseResumeIdempotent(t *testing.T) {
	gate := NewPauseResume()
	gate.Pause()
	gate.Pause()
	gate.Resume()
	gate.Resume()
	if gate.IsPaused() {
		t.Fatal("gate should be open")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	gate := NewPauseResume()
	gate.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := gate.Wait(ctx); err == nil {
		t.Fatal("expected context error on paused gate")
	}
}
