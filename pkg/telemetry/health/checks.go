package health

import (
	"context"
	"errors"
	"fmt"
)

// RulesLoaded fails while count reports no registered rules.
func RulesLoaded(count func() int) CheckFunc {
	return func(context.Context) error {
		if n := count(); n == 0 {
			return errors.New("no rules registered")
		}
		return nil
	}
}

// MetricsHistoryReadable fails when the metrics history cannot be read from
// storage. load is usually the store's LoadMetricsHistory.
func MetricsHistoryReadable[T any](load func(ctx context.Context) (T, error)) CheckFunc {
	return func(ctx context.Context) error {
		if _, err := load(ctx); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		return nil
	}
}
