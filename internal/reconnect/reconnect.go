package reconnect

import (
	"context"
	"time"
)

// Schedule defines the backoff durations for successive reconnect attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Delay returns the backoff duration for the given attempt.
// Attempts beyond the length of the schedule default to 30 seconds.
func Delay(attempt int) time.Duration {
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 30 * time.Second
}

// Run calls fn until it returns nil, the error is not retryable, or ctx ends.
// The attempt counter resets whenever fn reports that it connected, so a long
// healthy session is followed by a fast first retry.
func Run(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context, connected func()) error) error {
	attempt := 0
	for {
		err := fn(ctx, func() { attempt = 0 })
		if err == nil || ctx.Err() != nil {
			return err
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		delay := Delay(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
