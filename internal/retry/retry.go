package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"
)

// Predicate reports whether a failed attempt may be repeated.
type Predicate func(error) bool

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. It returns the number of attempts made together
// with the last error.
func Do(ctx context.Context, cfg Config, shouldRetry Predicate, fn func(attempt int) error) (int, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return attempt - 1, ctx.Err()
		}
		if err = fn(attempt); err == nil {
			return attempt, nil
		}
		if attempt == cfg.MaxAttempts || !shouldRetry(err) {
			return attempt, err
		}
		if delay := backoff(cfg.BaseDelay, cfg.MaxDelay, attempt); delay > 0 && !sleep(ctx, delay) {
			return attempt, err
		}
	}
	return cfg.MaxAttempts, err
}

// temporary is implemented by errors that know they are transient.
type temporary interface {
	Temporary() bool
}

// IsRetryable treats deadline overruns, network timeouts and errors that
// report themselves as temporary as transient.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var tmp temporary
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	return false
}

// backoff is full-jitter exponential: uniform in [0, min(base<<(n-1), max)].
func backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base << (attempt - 1)
	if delay <= 0 || (max > 0 && delay > max) {
		delay = max
	}
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay) + 1))
}

func sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
