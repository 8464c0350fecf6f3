package tilebatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestOnlyLastRegistrationSurvives(t *testing.T) {
	res := newFakeResolver(answerAll)
	e, clock := newTestEngine(t, res)

	recs := []*recorder{newRecorder(), newRecorder(), newRecorder(), newRecorder()}
	for _, rec := range recs {
		e.Enqueue(tile(1, 2, 3), rec.callback())
	}

	for i, rec := range recs[:3] {
		if rec.count() != 1 {
			t.Fatalf("registration %d fired %d times before flush, want 1", i, rec.count())
		}
		if o := rec.wait(t); !errors.Is(o.err, ErrCancelled) {
			t.Errorf("registration %d err = %v, want ErrCancelled", i, o.err)
		}
	}

	clock.Advance(DefaultSettleWindow)
	last := recs[3].wait(t)
	if last.err != nil || last.h == nil {
		t.Fatalf("last registration = (%v, %v), want a handle", last.h, last.err)
	}
	if e.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", e.Pending())
	}
}

func TestReplaceWithinSettleWindow(t *testing.T) {
	res := newFakeResolver(answerAll)
	e, clock := newTestEngine(t, res)

	first, second := newRecorder(), newRecorder()
	firstReq := tile(5, 5, 4)
	firstReq.Bound.Min[0] = -1
	e.Enqueue(firstReq, first.callback())

	clock.Advance(10 * time.Millisecond)
	secondReq := tile(5, 5, 4)
	e.Enqueue(secondReq, second.callback())

	if o := first.wait(t); o.h != nil || !errors.Is(o.err, ErrCancelled) {
		t.Fatalf("first = (%v, %v), want cancellation at t=10", o.h, o.err)
	}

	clock.Advance(49 * time.Millisecond)
	if res.callCount() != 0 {
		t.Fatalf("resolver called before the window settled")
	}
	clock.Advance(time.Millisecond)

	items := res.waitCall(t)
	if len(items) != 1 {
		t.Fatalf("batch size = %d, want 1", len(items))
	}
	if items[0].Bound != secondReq.Bound {
		t.Errorf("batch carries bound %v, want the second payload %v", items[0].Bound, secondReq.Bound)
	}

	if o := second.wait(t); o.err != nil {
		t.Errorf("second err = %v, want nil", o.err)
	}
	if res.callCount() != 1 {
		t.Errorf("resolver calls = %d, want 1", res.callCount())
	}
	if first.count() != 1 {
		t.Errorf("first callback fired %d times, want 1", first.count())
	}
}

func TestEmptyFlushSkipsResolver(t *testing.T) {
	res := newFakeResolver(answerAll)
	e, clock := newTestEngine(t, res)

	e.Flush()
	e.Flush()
	clock.Advance(time.Second)

	if res.callCount() != 0 {
		t.Errorf("resolver calls = %d, want 0", res.callCount())
	}
}

func TestPartialReplyFailsOmitted(t *testing.T) {
	res := newFakeResolver(func(_ context.Context, items []Item) ([]Resolved, error) {
		return []Resolved{
			{Key: items[0].Key, Source: URL("https://tiles.test/1.png")},
			{Key: items[2].Key, Source: URL("https://tiles.test/3.png")},
		}, nil
	})
	e, clock := newTestEngine(t, res)

	t1, t2, t3 := newRecorder(), newRecorder(), newRecorder()
	e.Enqueue(tile(1, 0, 2), t1.callback())
	e.Enqueue(tile(2, 0, 2), t2.callback())
	e.Enqueue(tile(3, 0, 2), t3.callback())
	clock.Advance(DefaultSettleWindow)

	if items := res.waitCall(t); len(items) != 3 {
		t.Fatalf("batch size = %d, want 3", len(items))
	}

	if o := t2.wait(t); o.h != nil || !errors.Is(o.err, ErrUnmatched) {
		t.Errorf("T2 = (%v, %v), want (nil, ErrUnmatched)", o.h, o.err)
	}
	for name, rec := range map[string]*recorder{"T1": t1, "T3": t3} {
		o := rec.wait(t)
		if o.err != nil || o.h == nil {
			t.Errorf("%s = (%v, %v), want a handle", name, o.h, o.err)
			continue
		}
		if o.h.Kind != SourceURL {
			t.Errorf("%s handle kind = %s, want url", name, o.h.Kind)
		}
	}
	if res.callCount() != 1 {
		t.Errorf("resolver calls = %d, want 1", res.callCount())
	}
}

func TestDecodeFailureIsolatedToItsKey(t *testing.T) {
	res := newFakeResolver(func(_ context.Context, items []Item) ([]Resolved, error) {
		return []Resolved{{Key: items[0].Key, Source: URL("https://tiles.test/broken.png")}}, nil
	})
	clock := &manualClock{}
	e := New(res, fakeDecoder{broken: map[string]bool{"https://tiles.test/broken.png": true}}, WithClock(clock))
	t.Cleanup(e.Close)

	rec := newRecorder()
	e.Enqueue(tile(0, 0, 0), rec.callback())
	clock.Advance(DefaultSettleWindow)

	o := rec.wait(t)
	if o.h != nil {
		t.Errorf("handle = %v, want nil", o.h)
	}
	if !errors.Is(o.err, ErrDecode) || !errors.Is(o.err, errBadImage) {
		t.Errorf("err = %v, want ErrDecode wrapping the decoder error", o.err)
	}
}

func TestCloseAfterDispatch(t *testing.T) {
	release := make(chan struct{})
	res := newFakeResolver(func(_ context.Context, items []Item) ([]Resolved, error) {
		<-release
		return answerAll(context.Background(), items)
	})
	e, clock := newTestEngine(t, res)

	dispatched := []*recorder{newRecorder(), newRecorder()}
	for i, rec := range dispatched {
		e.Enqueue(tile(i, 0, 1), rec.callback())
	}
	clock.Advance(DefaultSettleWindow)
	res.waitCall(t)

	pending := newRecorder()
	e.Enqueue(tile(1, 1, 1), pending.callback())

	if e.Inflight() != 2 || e.Pending() != 1 {
		t.Fatalf("inflight/pending = %d/%d, want 2/1", e.Inflight(), e.Pending())
	}

	e.Close()

	for i, rec := range append(dispatched, pending) {
		if rec.count() != 1 {
			t.Fatalf("request %d fired %d times on close, want 1", i, rec.count())
		}
		if o := rec.wait(t); o.h != nil || !errors.Is(o.err, ErrClosed) {
			t.Errorf("request %d = (%v, %v), want (nil, ErrClosed)", i, o.h, o.err)
		}
	}

	close(release)
	time.Sleep(50 * time.Millisecond)
	for i, rec := range append(dispatched, pending) {
		if rec.count() != 1 {
			t.Errorf("request %d fired %d times after the late reply, want 1", i, rec.count())
		}
	}

	after := newRecorder()
	e.Enqueue(tile(0, 0, 0), after.callback())
	if o := after.wait(t); !errors.Is(o.err, ErrClosed) {
		t.Errorf("enqueue after close err = %v, want ErrClosed", o.err)
	}
	if !errors.Is(ErrClosed, ErrCancelled) {
		t.Error("ErrClosed should be a cancellation")
	}
}

func TestDecodedHandleRoundTrip(t *testing.T) {
	want := &Handle{ContentType: "image/png", Data: []byte("ready"), Width: 1, Height: 1}
	res := newFakeResolver(func(_ context.Context, items []Item) ([]Resolved, error) {
		return []Resolved{{Key: items[0].Key, Source: Decoded(want)}}, nil
	})
	e, clock := newTestEngine(t, res)

	rec := newRecorder()
	e.Enqueue(tile(0, 0, 0), rec.callback())
	clock.Advance(DefaultSettleWindow)

	o := rec.wait(t)
	if o.err != nil {
		t.Fatalf("err = %v", o.err)
	}
	if o.h != want {
		t.Errorf("handle = %p, want the resolver's handle %p", o.h, want)
	}
	if o.h.Key != "" || o.h.Kind != SourceAbsent {
		t.Errorf("decoded handle was modified: key=%q kind=%s", o.h.Key, o.h.Kind)
	}
}

func TestResolverErrorFailsWholeBatch(t *testing.T) {
	boom := errors.New("upstream unavailable")
	res := newFakeResolver(func(context.Context, []Item) ([]Resolved, error) {
		return nil, boom
	})
	e, clock := newTestEngine(t, res)

	recs := []*recorder{newRecorder(), newRecorder(), newRecorder()}
	for i, rec := range recs {
		e.Enqueue(tile(i, 0, 2), rec.callback())
	}
	clock.Advance(DefaultSettleWindow)

	for i, rec := range recs {
		o := rec.wait(t)
		if !errors.Is(o.err, ErrResolver) || !errors.Is(o.err, boom) {
			t.Errorf("request %d err = %v, want ErrResolver wrapping the cause", i, o.err)
		}
	}
}

func TestResolverPanicIsContained(t *testing.T) {
	res := newFakeResolver(func(context.Context, []Item) ([]Resolved, error) {
		panic("resolver bug")
	})
	e, clock := newTestEngine(t, res)

	rec := newRecorder()
	e.Enqueue(tile(0, 0, 0), rec.callback())
	clock.Advance(DefaultSettleWindow)

	if o := rec.wait(t); !errors.Is(o.err, ErrResolver) {
		t.Errorf("err = %v, want ErrResolver", o.err)
	}
}

func TestBatchTimeoutFailsUnresolvedItems(t *testing.T) {
	res := newFakeResolver(func(ctx context.Context, _ []Item) ([]Resolved, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e, clock := newTestEngine(t, res, WithBatchTimeout(20*time.Millisecond))

	a, b := newRecorder(), newRecorder()
	e.Enqueue(tile(0, 0, 1), a.callback())
	e.Enqueue(tile(1, 0, 1), b.callback())
	clock.Advance(DefaultSettleWindow)

	for _, rec := range []*recorder{a, b} {
		if o := rec.wait(t); !errors.Is(o.err, ErrTimeout) {
			t.Errorf("err = %v, want ErrTimeout", o.err)
		}
	}
	if e.Inflight() != 0 {
		t.Errorf("Inflight = %d, want 0", e.Inflight())
	}
}

func TestCompletionCountMatchesBatchSize(t *testing.T) {
	res := newFakeResolver(func(_ context.Context, items []Item) ([]Resolved, error) {
		return []Resolved{
			{Key: items[0].Key, Source: Buffer([]byte("ok"))},
			{Key: items[1].Key, Source: Absent()},
			{Key: items[2].Key, Source: URL("")},
			{Key: items[3].Key, Source: Decoded(&Handle{})},
			{Key: "not-in-batch", Source: Buffer([]byte("stray"))},
			{Key: items[0].Key, Source: Absent()},
		}, nil
	})
	e, clock := newTestEngine(t, res)

	var mu sync.Mutex
	outcomes := map[string]int{}
	var calls atomic.Int32
	done := make(chan struct{}, 8)
	for i := 0; i < 5; i++ {
		e.Enqueue(tile(i, 0, 3), func(h *Handle, err error) {
			calls.Add(1)
			mu.Lock()
			outcomes[Outcome(err)]++
			mu.Unlock()
			done <- struct{}{}
		})
	}
	clock.Advance(DefaultSettleWindow)

	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 5 callbacks fired", calls.Load())
		}
	}
	time.Sleep(20 * time.Millisecond)

	if calls.Load() != 5 {
		t.Errorf("callbacks = %d, want 5", calls.Load())
	}
	want := map[string]int{"done": 2, "absent": 2, "unmatched": 1}
	for k, v := range want {
		if outcomes[k] != v {
			t.Errorf("outcome %q = %d, want %d (all: %v)", k, outcomes[k], v, outcomes)
		}
	}
}

func TestMaxBatchFlushesImmediately(t *testing.T) {
	res := newFakeResolver(answerAll)
	e, clock := newTestEngine(t, res, WithMaxBatch(2))

	e.Enqueue(tile(0, 0, 1), nil)
	if res.callCount() != 0 {
		t.Fatal("flushed before reaching the batch limit")
	}
	e.Enqueue(tile(1, 0, 1), nil)

	if items := res.waitCall(t); len(items) != 2 {
		t.Errorf("batch size = %d, want 2", len(items))
	}
	clock.Advance(time.Second)
	if res.callCount() != 1 {
		t.Errorf("resolver calls = %d, want 1", res.callCount())
	}
}

func TestSaltSeparatesKeys(t *testing.T) {
	a := New(newFakeResolver(answerAll), fakeDecoder{}, WithSalt("osm"))
	b := New(newFakeResolver(answerAll), fakeDecoder{}, WithSalt("sat"))
	defer a.Close()
	defer b.Close()

	c := Coordinate{X: 1, Y: 2, Z: 3}
	if a.Key(c) == b.Key(c) {
		t.Errorf("keys collide across salts: %q", a.Key(c))
	}
	if got := a.Key(c); got != "osm/3/1/2" {
		t.Errorf("Key = %q, want %q", got, "osm/3/1/2")
	}
}

func TestCancelledCallbackMayCloseEngine(t *testing.T) {
	res := newFakeResolver(answerAll)
	e, _ := newTestEngine(t, res)

	replacement := newRecorder()
	e.Enqueue(tile(0, 0, 0), func(h *Handle, err error) {
		if errors.Is(err, ErrCancelled) {
			e.Close()
		}
	})

	finished := make(chan struct{})
	go func() {
		e.Enqueue(tile(0, 0, 0), replacement.callback())
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue deadlocked when the cancelled callback closed the engine")
	}
	if o := replacement.wait(t); !errors.Is(o.err, ErrClosed) {
		t.Errorf("replacement err = %v, want ErrClosed", o.err)
	}
}

func TestCancelledCallbackMayReenqueue(t *testing.T) {
	res := newFakeResolver(answerAll)
	e, clock := newTestEngine(t, res)

	retried := newRecorder()
	var retries atomic.Int32
	e.Enqueue(tile(0, 0, 0), func(h *Handle, err error) {
		if errors.Is(err, ErrCancelled) && retries.Add(1) == 1 {
			e.Enqueue(tile(0, 0, 0), retried.callback())
		}
	})

	replacement := newRecorder()
	finished := make(chan struct{})
	go func() {
		e.Enqueue(tile(0, 0, 0), replacement.callback())
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue never returned when a cancelled callback re-enqueued its key")
	}

	// The retry superseded the replacement, so the replacement is cancelled
	// and the retry is the one left pending.
	if o := replacement.wait(t); !errors.Is(o.err, ErrCancelled) {
		t.Errorf("replacement err = %v, want ErrCancelled", o.err)
	}
	if e.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", e.Pending())
	}

	clock.Advance(DefaultSettleWindow)
	if o := retried.wait(t); o.err != nil || o.h == nil {
		t.Errorf("retry = (%v, %v), want a handle", o.h, o.err)
	}
}

// blockingCancel registers a request whose cancellation callback waits for
// release. returned reports whether that callback has finished.
func blockingCancel(t *testing.T, e *Engine, req Request) (entered <-chan struct{}, release chan<- struct{}, returned *atomic.Bool) {
	t.Helper()
	in := make(chan struct{})
	rel := make(chan struct{})
	done := new(atomic.Bool)
	e.Enqueue(req, func(h *Handle, err error) {
		close(in)
		<-rel
		done.Store(true)
	})
	return in, rel, done
}

func TestCancellationPrecedesReplacementAcrossGoroutines(t *testing.T) {
	res := newFakeResolver(answerAll)
	e, _ := newTestEngine(t, res)

	entered, release, cancelReturned := blockingCancel(t, e, tile(2, 1, 2))

	type seen struct {
		err            error
		afterCancelled bool
	}
	replacement := make(chan seen, 1)
	go e.Enqueue(tile(2, 1, 2), func(h *Handle, err error) {
		replacement <- seen{err: err, afterCancelled: cancelReturned.Load()}
	})

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation callback never ran")
	}

	e.Flush()
	res.waitCall(t)

	select {
	case <-replacement:
		t.Fatal("replacement delivered while the cancellation callback was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case s := <-replacement:
		if s.err != nil {
			t.Errorf("replacement err = %v, want success", s.err)
		}
		if !s.afterCancelled {
			t.Error("replacement delivered before the cancellation callback returned")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replacement never delivered")
	}
}

func TestCloseDuringCancellationKeepsOrder(t *testing.T) {
	res := newFakeResolver(answerAll)
	e, _ := newTestEngine(t, res)

	entered, release, cancelReturned := blockingCancel(t, e, tile(3, 3, 2))

	type seen struct {
		err            error
		afterCancelled bool
	}
	replacement := make(chan seen, 1)
	go e.Enqueue(tile(3, 3, 2), func(h *Handle, err error) {
		replacement <- seen{err: err, afterCancelled: cancelReturned.Load()}
	})
	<-entered

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a running cancellation callback")
	}

	close(release)
	select {
	case s := <-replacement:
		if !errors.Is(s.err, ErrClosed) {
			t.Errorf("replacement err = %v, want ErrClosed", s.err)
		}
		if !s.afterCancelled {
			t.Error("ErrClosed delivered before the cancellation callback returned")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replacement never delivered")
	}
}

func TestCloseRacingFlushCompletesEverything(t *testing.T) {
	const tiles = 8
	for i := 0; i < 200; i++ {
		res := newFakeResolver(func(ctx context.Context, _ []Item) ([]Resolved, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		e := New(res, fakeDecoder{}, WithClock(&manualClock{}))

		var delivered atomic.Int32
		for x := range tiles {
			e.Enqueue(tile(x, 0, 3), func(*Handle, error) { delivered.Add(1) })
		}

		go e.Flush()
		e.Close()

		if got := delivered.Load(); got != tiles {
			t.Fatalf("iteration %d: %d of %d callbacks delivered when Close returned", i, got, tiles)
		}
	}
}
