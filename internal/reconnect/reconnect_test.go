package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	if d := Delay(0); d != time.Second {
		t.Fatalf("attempt 0: %v", d)
	}
	if d := Delay(4); d != 5*time.Second {
		t.Fatalf("attempt 4: %v", d)
	}
	if d := Delay(len(Schedule) + 3); d != 30*time.Second {
		t.Fatalf("beyond schedule: %v", d)
	}
}

func TestRunStopsOnSuccess(t *testing.T) {
	prev := Schedule
	Schedule = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { Schedule = prev }()

	calls := 0
	err := Run(context.Background(), func(ctx context.Context, reset func()) error {
		calls++
		if calls < 3 {
			return errors.New("dial failed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRunHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Run(ctx, func(ctx context.Context, reset func()) error {
		calls++
		cancel()
		return errors.New("dial failed")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRunStopsOnPermanentError(t *testing.T) {
	denied := errors.New("denied")
	calls := 0
	err := Run(context.Background(), func(ctx context.Context, reset func()) error {
		calls++
		return Permanent(denied)
	})
	if err != denied {
		t.Fatalf("expected the wrapped error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) should be nil")
	}
}
