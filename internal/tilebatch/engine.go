package tilebatch

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Engine coalesces and batches the tile requests of one host surface.
type Engine struct {
	key      func(Coordinate) TileKey
	dedup    *deduplicator
	sched    *scheduler
	disp     *dispatcher
	observer Observer
	logger   *zap.Logger
	maxBatch int

	// flushMu makes taking the pending set and registering it as inflight
	// one step as far as Close is concerned.
	flushMu sync.Mutex
	cancel  context.CancelFunc
	closed  atomic.Bool
}

func New(resolver Resolver, decoder Decoder, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		key:      KeyFunc(o.salt),
		dedup:    newDeduplicator(),
		observer: o.observer,
		logger:   o.logger,
		maxBatch: o.maxBatch,
		cancel:   cancel,
	}
	e.disp = newDispatcher(ctx, resolver, NewLoader(decoder), o.batchTimeout, o.observer, o.logger)
	e.sched = newScheduler(o.clock, o.settleWindow, e.flush)
	return e
}

// Key returns the key a Request for c would be registered under.
func (e *Engine) Key(c Coordinate) TileKey {
	return e.key(c)
}

// Enqueue registers req. A request already pending under the same key is
// completed with ErrCancelled before Enqueue returns. Enqueue never blocks on
// the resolver or the decoder.
func (e *Engine) Enqueue(req Request, cb Callback) TileKey {
	key := e.key(req.Coord)
	r := newRequest(Item{Key: key, Coord: req.Coord, Bound: req.Bound}, e.observe(cb))

	if e.closed.Load() || !e.dedup.enqueue(r) {
		r.finish(nil, ErrClosed)
		return key
	}

	if e.maxBatch > 0 && e.dedup.len() >= e.maxBatch {
		e.sched.fireNow()
	} else {
		e.sched.notify()
	}
	return key
}

// Flush dispatches the pending set without waiting for the settle window.
func (e *Engine) Flush() {
	e.sched.fireNow()
}

// Pending is the number of distinct keys waiting for the next flush.
func (e *Engine) Pending() int {
	return e.dedup.len()
}

// Inflight is the number of dispatched requests not yet completed.
func (e *Engine) Inflight() int {
	return e.disp.len()
}

// Close detaches the host. Every pending and dispatched request completes
// with ErrClosed before Close returns. The one exception is a request whose
// replaced registration is still inside its cancellation callback: its
// ErrClosed is delivered as soon as that callback returns.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.sched.stop()
	e.cancel()

	e.flushMu.Lock()
	pending := e.dedup.close()
	inflight := e.disp.close()
	e.flushMu.Unlock()

	for _, r := range pending {
		r.finish(nil, ErrClosed)
	}
	for _, r := range inflight {
		r.finish(nil, ErrClosed)
	}

	e.logger.Debug("Tile engine closed",
		zap.Int("pending_cancelled", len(pending)),
		zap.Int("inflight_cancelled", len(inflight)),
	)
}

func (e *Engine) flush() {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	batch := e.dedup.flushAll()
	if len(batch) == 0 {
		return
	}
	e.disp.dispatch(batch)
}

func (e *Engine) observe(cb Callback) Callback {
	return func(h *Handle, err error) {
		e.observer.RequestFinished(Outcome(err))
		if cb != nil {
			cb(h, err)
		}
	}
}
