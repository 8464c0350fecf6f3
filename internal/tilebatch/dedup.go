package tilebatch

import "sync"

// deduplicator keeps at most one pending request per key, in first-seen order.
type deduplicator struct {
	mu      sync.Mutex
	order   []TileKey
	entries map[TileKey]*request
	closed  bool
}

func newDeduplicator() *deduplicator {
	return &deduplicator{
		entries: make(map[TileKey]*request),
	}
}

// enqueue stores r, cancelling any request already pending under the same key
// before returning. The replaced entry keeps its position in the batch order.
// It reports false if the deduplicator has been closed.
func (d *deduplicator) enqueue(r *request) bool {
	key := r.item.Key

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	old, exists := d.entries[key]
	if !exists {
		d.order = append(d.order, key)
	} else {
		r.prev = old
	}
	d.entries[key] = r
	d.mu.Unlock()

	if old != nil {
		old.finish(nil, ErrCancelled)
	}
	return true
}

// flushAll returns and clears the whole pending set.
func (d *deduplicator) flushAll() []*request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.takeLocked()
}

// close flushes and refuses any further enqueue.
func (d *deduplicator) close() []*request {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.takeLocked()
}

func (d *deduplicator) takeLocked() []*request {
	if len(d.order) == 0 {
		return nil
	}
	out := make([]*request, 0, len(d.order))
	for _, key := range d.order {
		out = append(out, d.entries[key])
	}
	d.order = nil
	d.entries = make(map[TileKey]*request)
	return out
}

func (d *deduplicator) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
