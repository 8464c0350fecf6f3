package tilebatch

import "time"

// Observer receives engine events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	BatchDispatched(size int)
	BatchResolved(size int, elapsed time.Duration, err error)
	RequestFinished(outcome string)
}

type nopObserver struct{}

func (nopObserver) BatchDispatched(int)                     {}
func (nopObserver) BatchResolved(int, time.Duration, error) {}
func (nopObserver) RequestFinished(string)                  {}
