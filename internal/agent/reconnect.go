package agent

import (
	"context"
	"time"

	"github.com/gaspardpetit/edgepool/core/logx"
)

// Schedule defines the backoff durations for successive retry attempts.
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

// retry invokes fn until it succeeds or ctx ends, sleeping delay(attempt)
// between failures.
func retry(ctx context.Context, what string, delay func(int) time.Duration, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		d := delay(attempt)
		logx.Log.Warn().Err(err).Dur("backoff", d).Msg(what + " failed; retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}
