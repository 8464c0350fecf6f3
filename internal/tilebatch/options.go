package tilebatch

import (
	"time"

	"go.uber.org/zap"
)

// DefaultSettleWindow is the idle period after the last enqueue before the
// pending set is flushed.
const DefaultSettleWindow = 50 * time.Millisecond

type options struct {
	settleWindow time.Duration
	batchTimeout time.Duration
	maxBatch     int
	salt         string
	logger       *zap.Logger
	observer     Observer
	clock        Clock
}

type Option func(*options)

func defaultOptions() options {
	return options{
		settleWindow: DefaultSettleWindow,
		logger:       zap.NewNop(),
		observer:     nopObserver{},
		clock:        realClock{},
	}
}

// WithSettleWindow sets the idle window. Non-positive values keep the default.
func WithSettleWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.settleWindow = d
		}
	}
}

// WithBatchTimeout bounds how long a dispatched batch may wait for the
// resolver. Zero disables the watchdog.
func WithBatchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.batchTimeout = d
		}
	}
}

// WithMaxBatch flushes as soon as n distinct keys are pending. Zero disables.
func WithMaxBatch(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxBatch = n
		}
	}
}

// WithSalt sets the provider salt mixed into every TileKey.
func WithSalt(salt string) Option {
	return func(o *options) {
		o.salt = salt
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(o *options) {
		if observer != nil {
			o.observer = observer
		}
	}
}

func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}
