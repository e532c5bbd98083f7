package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/metalgrid/conductor/internal/metrics"
	"github.com/metalgrid/conductor/internal/model"
)

// callDriver runs one driver operation under the configured per-call
// timeout and retry policy. Transient communication failures are
// retried with linear backoff up to retry.max_attempts, then escalate
// to a hardware fault. Validation errors and hardware faults are never
// retried.
func (s *service) callDriver(ctx context.Context, driverName string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= s.cfg.Retry.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Retry.CallTimeout)
		err := op(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		var transient *model.TransientError
		if !errors.As(err, &transient) {
			return err
		}

		if attempt < s.cfg.Retry.MaxAttempts {
			metrics.DriverRetries.WithLabelValues(driverName).Inc()
			s.logger.Warn("transient driver failure, retrying",
				slog.String("driver", driverName),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.Retry.Backoff * time.Duration(attempt)):
			}
		}
	}

	return &model.HardwareFaultError{
		Err: fmt.Errorf("giving up after %d attempts: %w", s.cfg.Retry.MaxAttempts, lastErr),
	}
}
