package tpool

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

const maxBackoffShift = 16

// ExecuteWithRetry acquires a connection of the given class, runs op with its
// handle and releases it, retrying up to MaxRetries attempts with exponential
// backoff (RetryBaseDelay * 2^(attempt-1)). Shutdown, unknown class, invalid
// configuration and context errors end the loop immediately. The last error is returned.
func ExecuteWithRetry[T any](
	ctx context.Context,
	p *Pool,
	class Class,
	op func(ctx context.Context, handle Handle) (T, error)) (T, error) {

	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.settings.maxRetries; attempt++ {
		result, err := executeOnce(ctx, p, class, op)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if attempt == p.settings.maxRetries || !retryable(ctx, err) {
			break
		}

		p.log.WithFields(logrus.Fields{
			"class":   class,
			"attempt": attempt,
		}).WithError(err).Debug("operation failed, retrying")

		timer := time.NewTimer(backoff(p.settings.retryBaseDelay, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}

// Execute is ExecuteWithRetry for operations without a result.
func (p *Pool) Execute(ctx context.Context, class Class, op func(ctx context.Context, handle Handle) error) error {
	_, err := ExecuteWithRetry(ctx, p, class, func(ctx context.Context, handle Handle) (struct{}, error) {
		return struct{}{}, op(ctx, handle)
	})
	return err
}

func executeOnce[T any](
	ctx context.Context,
	p *Pool,
	class Class,
	op func(ctx context.Context, handle Handle) (T, error)) (result T, err error) {

	start := time.Now()
	defer func() { p.metrics.recordResponseTime(time.Since(start)) }()

	conn, err := p.Acquire(ctx, class)
	if err != nil {
		return result, err
	}
	defer p.Release(conn)

	handle, err := conn.Handle()
	if err == nil {
		result, err = op(ctx, handle)
	}

	if err != nil {
		p.metrics.failedRequests.Add(1)
	}

	return result, err
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	switch {
	case errors.Is(err, ErrPoolShuttingDown),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrUnknownClass):
		return false
	}

	return true
}

func backoff(base time.Duration, attempt int) time.Duration {
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << uint(shift)
}
