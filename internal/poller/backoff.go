package poller

import (
	"context"
	"math/rand/v2"
	"time"
)

// Clock abstracts time for the loop and the backoff.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// retryDelay returns the wait before retry number attempt (1-based):
// base * 2^(attempt-1), capped at maxD, scaled by a 0.7..1.3 jitter. A
// retry-after hint longer than that wins, uncapped.
func retryDelay(cfg Config, attempt int, hint time.Duration, rnd func() float64) time.Duration {
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rnd()*0.6))
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	if hint > d {
		d = hint
	}
	return d
}

func defaultJitter() float64 { return rand.Float64() }

// sleep waits d on clk. It returns ctx.Err() if ctx ends first.
func sleep(ctx context.Context, clk Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}
