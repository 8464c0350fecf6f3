package tilebatch

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is delivered to a request superseded by a newer one for the same key.
	ErrCancelled = errors.New("tile request cancelled")
	// ErrClosed is delivered to every request still alive when the engine is closed.
	ErrClosed = fmt.Errorf("engine closed: %w", ErrCancelled)
	// ErrUnmatched means the resolver replied without mentioning the key.
	ErrUnmatched = errors.New("tile not answered by resolver")
	// ErrAbsent means the resolver reported no image for the key.
	ErrAbsent = errors.New("tile source absent")
	ErrDecode = errors.New("tile decode failed")
	// ErrResolver means the resolver call itself failed for the whole batch.
	ErrResolver = errors.New("tile resolver failed")
	// ErrTimeout means the resolver did not reply within the batch timeout.
	ErrTimeout = errors.New("tile resolver timed out")
)

// Outcome maps a callback error to a short label for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "done"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrUnmatched):
		return "unmatched"
	case errors.Is(err, ErrAbsent):
		return "absent"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrResolver):
		return "resolver_error"
	case errors.Is(err, ErrDecode):
		return "decode_error"
	default:
		return "failed"
	}
}
