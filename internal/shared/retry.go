package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/domain"
)

// RetryPolicy bounds exponential backoff: delays start at BaseDelay, double
// each attempt, and are capped at MaxDelay for at most MaxAttempts attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the backoff used for busy-database retries.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// IsRetryable classifies an error as transient. Authorization, validation,
// not-found, and duplicate-key errors are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, domain.ErrDuplicateSession),
		errors.Is(err, domain.ErrNotParticipant),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrSessionNotActive),
		errors.Is(err, domain.ErrDocumentNotFound),
		errors.Is(err, domain.ErrDocumentTooLarge):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}

	var pe *domain.PersistenceError
	if errors.As(err, &pe) {
		return pe.Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return IsSQLiteConflictError(err) || errors.Is(err, context.DeadlineExceeded)
}

// Retry runs op, retrying transient failures with bounded exponential
// backoff. Non-retryable errors are returned immediately.
func Retry(ctx context.Context, name string, policy RetryPolicy, op func() error) error {
	delay := policy.BaseDelay
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt >= policy.MaxAttempts {
			if attempt > 1 {
				return fmt.Errorf("%s failed after %d attempts: %w", name, attempt, err)
			}
			return err
		}

		slog.Debug("Retrying after transient failure",
			"op", name,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during retry: %w", name, ctx.Err())
		}

		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}
