package hwlicense

import (
	"context"
	"math"
	"time"
)

// RetryPolicy bounds the retries of transient failures.
type RetryPolicy struct {
	Attempts   int
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultRetryPolicy makes three attempts, waiting 50ms then 100ms.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:   3,
	Initial:    50 * time.Millisecond,
	Multiplier: 2,
	Max:        time.Second,
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := float64(p.Initial)
	if base <= 0 {
		base = float64(50 * time.Millisecond)
	}
	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	d := base * math.Pow(multiplier, float64(attempt))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, fails with a non-transient error, the
// attempts are used up or ctx ends. It returns the last error from fn.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		result T
		err    error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		result, err = fn(ctx)
		if err == nil || KindOf(err) != KindTransient || attempt == attempts-1 {
			return result, err
		}
		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, err
		case <-timer.C:
		}
	}
	return result, err
}
