package storage

import (
	"log/slog"
	"time"
)

// Option configures a store.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	historyLimit int
	now          func() time.Time
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHistoryLimit bounds the snapshots returned by LoadMetricsHistory.
func WithHistoryLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

// WithClock sets the time source used to stamp audit records.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{
		logger:       slog.Default(),
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
