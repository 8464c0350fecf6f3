package tilebatch

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRearmsSingleTimer(t *testing.T) {
	clock := &manualClock{}
	var fired atomic.Int32
	s := newScheduler(clock, 50*time.Millisecond, func() { fired.Add(1) })

	s.notify()
	clock.Advance(30 * time.Millisecond)
	s.notify()
	clock.Advance(30 * time.Millisecond)

	if fired.Load() != 0 {
		t.Fatalf("fired %d times before the window settled", fired.Load())
	}
	if n := clock.active(); n != 1 {
		t.Errorf("active timers = %d, want 1", n)
	}

	clock.Advance(20 * time.Millisecond)
	if fired.Load() != 1 {
		t.Errorf("fired %d times, want 1", fired.Load())
	}
}

func TestSchedulerIgnoresStaleExpiry(t *testing.T) {
	clock := &manualClock{}
	var fired atomic.Int32
	s := newScheduler(clock, 50*time.Millisecond, func() { fired.Add(1) })

	s.notify()
	stale := s.gen
	s.notify()

	// A timer whose Stop lost the race still calls expire.
	s.expire(stale)
	if fired.Load() != 0 {
		t.Errorf("stale expiry fired the flush")
	}
}

func TestSchedulerFireNowAndStop(t *testing.T) {
	clock := &manualClock{}
	var fired atomic.Int32
	s := newScheduler(clock, 50*time.Millisecond, func() { fired.Add(1) })

	s.notify()
	s.fireNow()
	if fired.Load() != 1 {
		t.Fatalf("fireNow fired %d times, want 1", fired.Load())
	}
	clock.Advance(time.Second)
	if fired.Load() != 1 {
		t.Errorf("timer replaced by fireNow still fired")
	}

	s.notify()
	s.stop()
	clock.Advance(time.Second)
	s.notify()
	s.fireNow()
	if fired.Load() != 1 {
		t.Errorf("stopped scheduler fired, count = %d", fired.Load())
	}
}
