package persistence

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/types"
)

// Retrier runs store operations with bounded exponential backoff.
// Not-found, conflict and invalid-input errors, and non-retryable
// *types.Error values, are returned as-is without retrying; anything else is retried and, once exhausted, reported as a
// STORE_FAILURE error.
type Retrier struct {
	config  RetryConfig
	logger  *zap.Logger
	onRetry func(op string, attempt int, err error)
}

// NewRetrier creates a retrier.
func NewRetrier(config RetryConfig, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	return &Retrier{
		config: config,
		logger: logger.With(zap.String("component", "store_retrier")),
	}
}

// OnRetry registers a callback invoked before every retry.
func (r *Retrier) OnRetry(fn func(op string, attempt int, err error)) *Retrier {
	r.onRetry = fn
	return r
}

// Do runs fn until it succeeds, fails permanently or retries run out.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return err
		}
		if errors.Is(err, ErrStoreClosed) {
			return types.NewStoreError(op, err).WithRetryable(false)
		}
		lastErr = err
		if attempt == r.config.MaxRetries {
			break
		}

		backoff := r.config.CalculateBackoff(attempt)
		r.logger.Warn("store operation failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", r.config.MaxRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if r.onRetry != nil {
			r.onRetry(op, attempt+1, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return types.NewStoreError(op, lastErr)
}

func isPermanent(err error) bool {
	var te *types.Error
	if errors.As(err, &te) && !te.Retryable {
		return true
	}
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
