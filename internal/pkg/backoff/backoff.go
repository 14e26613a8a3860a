package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy is a bounded exponential backoff with uniform jitter.
type Policy struct {
	MaxAttempts int
	Min         time.Duration // default 1s
	Max         time.Duration // default 30s
	JitterFrac  float64       // default 0.20
}

func (p Policy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the pause after the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	minB := p.Min
	maxB := p.Max
	j := p.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempt-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	lo := float64(d) - delta
	hi := float64(d) + delta
	return time.Duration(lo + rand.Float64()*(hi-lo))
}

// Sleep pauses for d unless the context ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
