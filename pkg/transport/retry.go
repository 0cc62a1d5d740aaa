package transport

import (
	"context"
	"errors"
	"time"
)

// Backoff retries an operation a fixed number of times with a linearly
// growing pause: Step after the first failure, 2*Step after the second, and
// so on. There is no pause after the last attempt.
type Backoff struct {
	Attempts int
	Step     time.Duration
}

// Delay returns the pause that follows failed attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	return b.Step * time.Duration(n)
}

// Do calls fn until it succeeds, the attempts are exhausted or ctx ends.
// fn receives the 1-based attempt number. The last error is returned.
func (b Backoff) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(b.Attempts, 1)

	var err error
	for n := 1; n <= attempts; n++ {
		if err = fn(ctx, n); err == nil {
			return nil
		}
		if n == attempts {
			break
		}

		timer := time.NewTimer(b.Delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}
