package datasource

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Retry runs op up to attempts times, sleeping a jittered exponential
// backoff between failures. The last error is returned when every attempt
// fails; a cancelled context stops retrying immediately.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, op func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}

	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = op(ctx); lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		jittered := delay + time.Duration(rand.Int63n(int64(delay)))
		timer := time.NewTimer(jittered)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
