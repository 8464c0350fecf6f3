// Package lifecycle gives process-wide resources (native libraries, global
// runtimes) an explicit state instead of a hidden "already loaded" flag.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type State int

const (
	Idle State = iota
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var ErrClosed = errors.New("resource already torn down")

// Resource runs its init function at most once per Reset cycle.
type Resource struct {
	name     string
	init     func(ctx context.Context) error
	teardown func() error

	mu    sync.Mutex
	state State
}

func New(name string, init func(ctx context.Context) error, teardown func() error) *Resource {
	return &Resource{
		name:     name,
		init:     init,
		teardown: teardown,
	}
}

func (r *Resource) Name() string {
	return r.name
}

// Init brings the resource up. Calling it on a Ready resource is a no-op; a
// failed init leaves the resource Idle so it can be retried.
func (r *Resource) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case Ready:
		return nil
	case Closed:
		return fmt.Errorf("%s: %w", r.name, ErrClosed)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", r.name, err)
	}
	if r.init != nil {
		if err := r.init(ctx); err != nil {
			return fmt.Errorf("%s: init failed: %w", r.name, err)
		}
	}
	r.state = Ready
	return nil
}

// Teardown releases the resource. Only a Ready resource runs its teardown
// function; the state becomes Closed either way.
func (r *Resource) Teardown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.state
	r.state = Closed
	if prev != Ready || r.teardown == nil {
		return nil
	}
	if err := r.teardown(); err != nil {
		return fmt.Errorf("%s: teardown failed: %w", r.name, err)
	}
	return nil
}

// Reset forgets the current state without running teardown. Intended for
// tests that need a fresh resource between cases.
func (r *Resource) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Idle
}

func (r *Resource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
