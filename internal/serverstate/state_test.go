package serverstate

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	ms := NewMemoryStore()

	// Swap in the test store and restore the previous one after the test.
	prev := active
	UseStore(ms)
	defer UseStore(prev)

	if got := GetState(); got != "not_ready" {
		t.Fatalf("initial state = %q; want %q", got, "not_ready")
	}
	if IsDraining() {
		t.Fatalf("initial draining = true; want false")
	}

	SetState("ready")
	if got := GetState(); got != "ready" {
		t.Fatalf("state after SetState = %q; want %q", got, "ready")
	}

	StartDrain()
	if got := GetState(); got != "draining" {
		t.Fatalf("state after StartDrain = %q; want %q", got, "draining")
	}
	if !IsDraining() {
		t.Fatalf("IsDraining = false; want true")
	}
}

func TestCounterWaitForZero(t *testing.T) {
	var c Counter
	if !c.WaitForZero(context.Background()) {
		t.Fatalf("empty counter should be at zero")
	}
	c.Inc()
	c.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if c.WaitForZero(ctx) {
		t.Fatalf("wait returned with open sessions")
	}

	done := make(chan bool, 1)
	go func() { done <- c.WaitForZero(context.Background()) }()
	c.Dec()
	c.Dec()
	c.Dec() // extra Dec is ignored
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("wait failed")
		}
	case <-time.After(time.Second):
		t.Fatalf("wait did not return at zero")
	}
	if c.Load() != 0 {
		t.Fatalf("count = %d", c.Load())
	}
}
