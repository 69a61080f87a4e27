package llm

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// RetryPolicy controls retries of transient provider failures.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryPolicy retries up to three times with exponential backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  3,
	BaseDelay:    1 * time.Second,
	MaxDelay:     16 * time.Second,
	JitterFactor: 0.3,
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. Only errors that are *ProviderError with
// IsRetryable set are retried.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}

		err = fn(ctx)
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.IsRetryable
}

// backoff returns 1x, 2x, 4x... the base delay, capped, with symmetric jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	delay := time.Duration(1<<uint(shift)) * p.BaseDelay
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	jitter := time.Duration(float64(delay) * p.JitterFactor * (cryptoRandFloat64()*2 - 1))
	return delay + jitter
}

// cryptoRandFloat64 returns a random float64 in [0.0, 1.0)
func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}
