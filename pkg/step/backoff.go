package step

import (
	"context"
	"math/rand"
	"time"
)

// Backoff computes the delay between retry attempts and between predicate
// polls. Jitter spreads concurrent tasks so they do not hammer a page in
// lockstep.
type Backoff struct {
	Initial    time.Duration `yaml:"initial" json:"initial"`
	Max        time.Duration `yaml:"max" json:"max"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`
	Jitter     float64       `yaml:"jitter" json:"jitter"`
}

// DefaultBackoff returns the standard retry curve.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    200 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// Delay returns the pause before attempt n (0-based: the delay after the
// first failure is Delay(0)).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// sleep waits for d or until ctx is done, reporting which happened.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
