package tilebatch

import (
	"sync"
	"time"
)

// Clock creates the idle timers. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// scheduler keeps a single idle timer. Every notify replaces the outstanding
// timer; fire runs only when a timer expires without being replaced.
type scheduler struct {
	mu     sync.Mutex
	clock  Clock
	window time.Duration
	timer  Timer
	// gen invalidates a timer whose Stop lost the race with its expiry.
	gen     uint64
	stopped bool
	fire    func()
}

func newScheduler(clock Clock, window time.Duration, fire func()) *scheduler {
	return &scheduler{
		clock:  clock,
		window: window,
		fire:   fire,
	}
}

func (s *scheduler) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.window, func() { s.expire(gen) })
}

func (s *scheduler) expire(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	s.fire()
}

// fireNow cancels the outstanding timer and flushes immediately.
func (s *scheduler) fireNow() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.mu.Unlock()

	s.fire()
}

func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}
