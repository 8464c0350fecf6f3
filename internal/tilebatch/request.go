package tilebatch

import "sync"

// request is one admitted registration. It is owned by the deduplicator until
// flushed, then by the dispatcher until it finishes.
type request struct {
	item Item
	cb   Callback

	mu sync.Mutex
	// claimed is set by the first finish; later ones are ignored.
	claimed bool
	// delivered is set once the callback has returned.
	delivered bool
	h         *Handle
	err       error
	// prev is the registration this one replaced. Its cancellation must be
	// delivered before anything is delivered for this one.
	prev *request
	// next is the replacement whose outcome is parked until this callback
	// returns.
	next *request
}

func newRequest(item Item, cb Callback) *request {
	return &request{
		item: item,
		cb:   cb,
	}
}

// finish records the outcome and delivers it. Only the first call has any
// effect. When the replaced registration's callback has not returned yet the
// outcome is parked on it and delivered right after it, on that goroutine,
// so finish never blocks.
func (r *request) finish(h *Handle, err error) bool {
	r.mu.Lock()
	if r.claimed {
		r.mu.Unlock()
		return false
	}
	r.claimed = true
	if err != nil {
		h = nil
	}
	r.h, r.err = h, err
	prev := r.prev
	r.prev = nil
	r.mu.Unlock()

	if prev != nil && prev.park(r) {
		return true
	}
	r.run()
	return true
}

// park queues next behind r's callback. It reports false if that callback
// has already returned.
func (r *request) park(next *request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.delivered {
		return false
	}
	r.next = next
	return true
}

// run invokes r's callback and then every outcome parked behind it.
func (r *request) run() {
	for cur := r; cur != nil; {
		cur = cur.call()
	}
}

func (r *request) call() (next *request) {
	defer func() {
		r.mu.Lock()
		r.delivered = true
		next, r.next = r.next, nil
		r.mu.Unlock()
	}()
	r.cb(r.h, r.err)
	return nil
}

func (r *request) isFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claimed
}
