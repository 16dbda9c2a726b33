package transport

import (
	"context"
	"math/rand"
	"time"
)

// Redial paces attempts to restore a dropped link: the pause doubles from
// Base up to Cap and is spread by ±JitterPercent so that clients dropped
// together do not come back together.
type Redial struct {
	Base          time.Duration
	Cap           time.Duration
	JitterPercent int
}

func (r Redial) withDefaults() Redial {
	if r.Base <= 0 {
		r.Base = time.Second
	}
	if r.Cap < r.Base {
		r.Cap = max(30*time.Second, r.Base)
	}
	if r.JitterPercent <= 0 || r.JitterPercent > 100 {
		r.JitterPercent = 25
	}
	return r
}

// Delay is the pause before attempt n, counting from 1.
func (r Redial) Delay(attempt int) time.Duration {
	r = r.withDefaults()
	d := r.Base
	for i := 1; i < attempt && d < r.Cap; i++ {
		d *= 2
	}
	spread := (rand.Float64()*2 - 1) * float64(r.JitterPercent) / 100
	d = time.Duration(float64(d) * (1 + spread))
	return min(d, r.Cap)
}

// Wait sleeps Delay(attempt) and reports false when ctx ends first.
func (r Redial) Wait(ctx context.Context, attempt int) bool {
	timer := time.NewTimer(r.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
