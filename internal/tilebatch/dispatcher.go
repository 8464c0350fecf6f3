package tilebatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

type batch struct {
	id   string
	reqs []*request
}

type reply struct {
	resolved []Resolved
	err      error
}

// dispatcher sends each flushed batch to the resolver once and routes the
// reply back to the requests of that batch.
type dispatcher struct {
	ctx      context.Context
	resolver Resolver
	loader   *Loader
	timeout  time.Duration
	observer Observer
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[*request]struct{}
	closed   bool
}

func newDispatcher(ctx context.Context, resolver Resolver, loader *Loader, timeout time.Duration, observer Observer, logger *zap.Logger) *dispatcher {
	return &dispatcher{
		ctx:      ctx,
		resolver: resolver,
		loader:   loader,
		timeout:  timeout,
		observer: observer,
		logger:   logger,
		inflight: make(map[*request]struct{}),
	}
}

func (d *dispatcher) dispatch(reqs []*request) {
	if len(reqs) == 0 {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		// Callbacks run on their own goroutine: the caller holds the
		// engine's flush lock.
		go func() {
			for _, r := range reqs {
				r.finish(nil, ErrClosed)
			}
		}()
		return
	}
	for _, r := range reqs {
		d.inflight[r] = struct{}{}
	}
	d.mu.Unlock()

	b := &batch{id: ulid.Make().String(), reqs: reqs}
	items := make([]Item, len(reqs))
	for i, r := range reqs {
		items[i] = r.item
	}

	d.observer.BatchDispatched(len(items))
	d.logger.Debug("Dispatching tile batch", zap.String("batch_id", b.id), zap.Int("size", len(items)))

	go d.run(b, items)
}

func (d *dispatcher) run(b *batch, items []Item) {
	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	replies := make(chan reply, 1)
	go func() {
		res, err := d.resolve(ctx, items)
		replies <- reply{resolved: res, err: err}
	}()

	select {
	case rep := <-replies:
		if rep.err != nil && ctx.Err() != nil {
			d.abandon(b, len(items), start)
			return
		}
		d.observer.BatchResolved(len(items), time.Since(start), rep.err)
		if rep.err != nil {
			d.logger.Warn("Tile resolver failed",
				zap.String("batch_id", b.id),
				zap.Int("size", len(items)),
				zap.Error(rep.err),
			)
			d.failAll(b, fmt.Errorf("%w: %w", ErrResolver, rep.err))
			return
		}
		d.route(b, rep.resolved)
	case <-ctx.Done():
		d.abandon(b, len(items), start)
	}
}

// abandon fails a batch whose context ended before the resolver answered:
// either the engine was closed or the batch timeout elapsed.
func (d *dispatcher) abandon(b *batch, size int, start time.Time) {
	if d.ctx.Err() != nil {
		d.failAll(b, ErrClosed)
		return
	}
	d.observer.BatchResolved(size, time.Since(start), ErrTimeout)
	d.logger.Warn("Tile resolver timed out",
		zap.String("batch_id", b.id),
		zap.Int("size", size),
		zap.Duration("timeout", d.timeout),
	)
	d.failAll(b, ErrTimeout)
}

func (d *dispatcher) resolve(ctx context.Context, items []Item) (res []Resolved, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("resolver panic: %v", p)
		}
	}()
	return d.resolver.ResolveBatch(ctx, items)
}

// route forwards every answered item to the loader and fails the rest.
func (d *dispatcher) route(b *batch, resolved []Resolved) {
	sources := make(map[TileKey]Source, len(resolved))
	for _, r := range resolved {
		if _, dup := sources[r.Key]; dup {
			continue
		}
		sources[r.Key] = r.Source
	}

	var unmatched int
	for _, r := range b.reqs {
		src, ok := sources[r.item.Key]
		switch {
		case !ok:
			unmatched++
			d.complete(r, nil, fmt.Errorf("%w: %s", ErrUnmatched, r.item.Key))
		case r.isFinished():
		default:
			req := r
			d.loader.Load(d.ctx, req.item, src, func(h *Handle, err error) {
				d.complete(req, h, err)
			})
		}
	}

	d.logger.Debug("Routed tile batch",
		zap.String("batch_id", b.id),
		zap.Int("size", len(b.reqs)),
		zap.Int("resolved", len(resolved)),
		zap.Int("unmatched", unmatched),
	)
}

func (d *dispatcher) failAll(b *batch, err error) {
	for _, r := range b.reqs {
		d.complete(r, nil, err)
	}
}

func (d *dispatcher) complete(r *request, h *Handle, err error) {
	d.mu.Lock()
	delete(d.inflight, r)
	d.mu.Unlock()

	if !r.finish(h, err) && h != nil && err == nil {
		d.logger.Debug("Dropped late tile result", zap.String("key", string(r.item.Key)))
	}
}

// close refuses further batches and returns every request still waiting on
// the resolver or a decode. The caller fails them.
func (d *dispatcher) close() []*request {
	d.mu.Lock()
	d.closed = true
	reqs := make([]*request, 0, len(d.inflight))
	for r := range d.inflight {
		reqs = append(reqs, r)
	}
	d.inflight = make(map[*request]struct{})
	d.mu.Unlock()
	return reqs
}

func (d *dispatcher) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
