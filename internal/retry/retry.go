// Package retry re-runs storage operations that fail with transient errors.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/palm-id/internal/logging"
)

// Policy bounds the attempts and the exponential backoff between them.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Backend names the store in log entries, e.g. "redis" or "database".
	Backend string
	// Expected reports errors that belong to the normal flow, such as a cache
	// miss. They are returned at once and not logged as failures.
	Expected func(error) bool
}

// DefaultPolicy is three attempts starting at 50ms and capped at one second.
func DefaultPolicy(backend string) Policy {
	return Policy{
		Attempts:       3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Backend:        backend,
	}
}

// Do runs fn until it succeeds, fails with a non-transient error or runs out
// of attempts. A returned error is always a *logging.OperationError.
func Do(ctx context.Context, p Policy, logger *zap.Logger, operation, requestID string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := p.InitialBackoff
	opLogger := logging.WithOperation(logger, operation, requestID).With(zap.String("backend", p.Backend))
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= p.MaxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if p.Expected != nil && p.Expected(err) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransient reports deadline overruns, timeouts and temporary errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
