package chatsync

import (
	"time"

	"go.uber.org/zap"
)

// Option configures the ambient dependencies of a component.
type Option func(*options)

type options struct {
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
	cache   WindowCache
}

func buildOptions(opts []Option) options {
	o := options{
		log: zap.NewNop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics records component activity on m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCache makes the Store hydrate and persist confirmed messages through c.
func WithCache(c WindowCache) Option {
	return func(o *options) { o.cache = c }
}
