package agent

import (
	"context"
	"time"
)

// retry calls fn until it succeeds, retries are used up, or ctx ends.
// It returns the number of attempts made and the last error.
func retry(ctx context.Context, retries int, delay time.Duration, fn func(context.Context) error) (int, error) {
	attempts := 0
	for {
		attempts++
		err := fn(ctx)
		if err == nil || attempts > retries || ctx.Err() != nil {
			return attempts, err
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempts, err
		case <-t.C:
		}
	}
}
