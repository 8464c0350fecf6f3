package tilebatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// manualClock fires timers only when Advance moves past their deadline.
type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (c *manualClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type outcome struct {
	h   *Handle
	err error
}

// recorder collects the outcomes delivered to one callback.
type recorder struct {
	mu    sync.Mutex
	calls []outcome
	ch    chan outcome
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan outcome, 16)}
}

func (r *recorder) callback() Callback {
	return func(h *Handle, err error) {
		r.mu.Lock()
		r.calls = append(r.calls, outcome{h: h, err: err})
		r.mu.Unlock()
		r.ch <- outcome{h: h, err: err}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
		return outcome{}
	}
}

// fakeResolver records every batch it receives and answers with respond.
type fakeResolver struct {
	mu      sync.Mutex
	batches [][]Item
	calls   chan []Item
	respond func(ctx context.Context, items []Item) ([]Resolved, error)
}

func newFakeResolver(respond func(ctx context.Context, items []Item) ([]Resolved, error)) *fakeResolver {
	return &fakeResolver{
		calls:   make(chan []Item, 16),
		respond: respond,
	}
}

func (f *fakeResolver) ResolveBatch(ctx context.Context, items []Item) ([]Resolved, error) {
	f.mu.Lock()
	f.batches = append(f.batches, items)
	f.mu.Unlock()
	f.calls <- items
	return f.respond(ctx, items)
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeResolver) waitCall(t *testing.T) []Item {
	t.Helper()
	select {
	case items := <-f.calls:
		return items
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resolver call")
		return nil
	}
}

// answerAll resolves every item to a buffer source.
func answerAll(_ context.Context, items []Item) ([]Resolved, error) {
	out := make([]Resolved, len(items))
	for i, it := range items {
		out[i] = Resolved{Key: it.Key, Source: Buffer([]byte(it.Key))}
	}
	return out, nil
}

var errBadImage = errors.New("bad image")

// fakeDecoder accepts any buffer and fails URLs listed in broken.
type fakeDecoder struct {
	broken map[string]bool
}

func (d fakeDecoder) DecodeURL(ctx context.Context, url string) (*Handle, error) {
	if d.broken[url] {
		return nil, errBadImage
	}
	return &Handle{Data: []byte(url), ContentType: "image/png", Width: 256, Height: 256}, nil
}

func (d fakeDecoder) DecodeBuffer(ctx context.Context, data []byte) (*Handle, error) {
	if d.broken[string(data)] {
		return nil, errBadImage
	}
	return &Handle{Data: data, ContentType: "image/png", Width: 256, Height: 256}, nil
}

func newTestEngine(t *testing.T, r Resolver, opts ...Option) (*Engine, *manualClock) {
	t.Helper()
	clock := &manualClock{}
	opts = append([]Option{WithClock(clock)}, opts...)
	e := New(r, fakeDecoder{}, opts...)
	t.Cleanup(e.Close)
	return e, clock
}

func tile(x, y, z int) Request {
	c := Coordinate{X: x, Y: y, Z: z}
	return Request{Coord: c, Bound: c.Bound()}
}
