package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errTransient = errors.New("transient feed failure")

// newBackOff doubles the delay from the base on every retry and allows
// maxAttempts calls in total.
func newBackOff(ctx context.Context, base time.Duration, maxAttempts int) backoff.BackOff {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         base << uint(maxAttempts),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)
}

// fetchWithRetry retries only Transient outcomes. Rate limits, missing
// data and fatal responses return on the first attempt. When retries run
// out the last Transient outcome is returned with no data.
func fetchWithRetry[T any](ctx context.Context, c *Client, req request) (T, Outcome) {
	var (
		data    T
		outcome Outcome
	)

	operation := func() error {
		data, outcome = fetchOnce[T](ctx, c, req)
		switch outcome {
		case Transient:
			return errTransient
		default:
			return nil
		}
	}
	notify := func(err error, wait time.Duration) {
		c.metrics.FeedRetry(req.endpoint)
		c.logger.Debug("Retrying feed request", "endpoint", req.endpoint, "wait", wait)
	}

	if err := backoff.RetryNotify(operation, newBackOff(ctx, c.cfg.BaseDelay, c.cfg.MaxAttempts), notify); err != nil {
		c.logger.Warn("Feed request failed after retries", "endpoint", req.endpoint, "attempts", c.cfg.MaxAttempts)
		var zero T
		return zero, Transient
	}
	return data, outcome
}
