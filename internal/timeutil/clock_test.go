package timeutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	if d := clock.Since(time.Now().Add(-time.Second)); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_Ticker(t *testing.T) {
	ticker := RealClock{}.NewTicker(time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("ticker did not fire")
	}
}

func TestMockClock_AfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ch := clock.After(200 * time.Millisecond)

	if clock.Waiters() != 1 {
		t.Fatalf("Waiters() = %d, want 1", clock.Waiters())
	}
	clock.Advance(100 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	clock.Advance(100 * time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(200 * time.Millisecond)) {
			t.Errorf("fired with %v", got)
		}
	default:
		t.Fatal("did not fire at deadline")
	}
	if clock.Waiters() != 0 {
		t.Errorf("Waiters() = %d after firing", clock.Waiters())
	}
}

func TestMockClock_AfterZeroFiresImmediately(t *testing.T) {
	clock := NewMockClock(time.Now())
	select {
	case <-clock.After(0):
	default:
		t.Fatal("After(0) did not fire")
	}
}

func TestMockClock_SinceAndSet(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(1500 * time.Millisecond)
	if d := clock.Since(start); d != 1500*time.Millisecond {
		t.Errorf("Since() = %v", d)
	}
	clock.Set(start)
	if !clock.Now().Equal(start) {
		t.Errorf("Set did not apply")
	}
}

func TestMockTicker(t *testing.T) {
	clock := NewMockClock(time.Now())
	ticker := clock.NewTicker(time.Second)

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticked early")
	default:
	}
	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("did not tick")
	}

	ticker.Stop()
	clock.Advance(2 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker ticked")
	default:
	}

	mt := ticker.(*MockTicker)
	mt.Trigger(clock.Now())
	select {
	case <-ticker.C():
	default:
		t.Fatal("Trigger did not deliver")
	}
}

func TestSleepContext(t *testing.T) {
	clock := NewMockClock(time.Now())

	if err := SleepContext(context.Background(), clock, 0); err != nil {
		t.Errorf("zero sleep: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, clock, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled sleep = %v", err)
	}

	clock = NewMockClock(time.Now())
	done := make(chan error, 1)
	go func() { done <- SleepContext(context.Background(), clock, time.Second) }()
	for clock.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	clock.Advance(time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("SleepContext = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SleepContext did not return after Advance")
	}
}
