package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRedialDelayDoublesWithinJitter(t *testing.T) {
	r := Redial{Base: time.Second, Cap: time.Minute, JitterPercent: 20}
	for i := 0; i < 100; i++ {
		first := r.Delay(1)
		assert.GreaterOrEqual(t, first, 800*time.Millisecond)
		assert.LessOrEqual(t, first, 1200*time.Millisecond)

		third := r.Delay(3)
		assert.GreaterOrEqual(t, third, 3200*time.Millisecond)
		assert.LessOrEqual(t, third, 4800*time.Millisecond)
	}
}

func TestRedialDelayCapped(t *testing.T) {
	r := Redial{Base: time.Second, Cap: 5 * time.Second, JitterPercent: 50}
	for i := 0; i < 100; i++ {
		assert.LessOrEqual(t, r.Delay(30), 5*time.Second)
	}
}

func TestRedialDefaults(t *testing.T) {
	d := Redial{}.withDefaults()
	assert.Equal(t, time.Second, d.Base)
	assert.Equal(t, 30*time.Second, d.Cap)
	assert.Equal(t, 25, d.JitterPercent)

	d = Redial{Base: time.Minute}.withDefaults()
	assert.Equal(t, time.Minute, d.Cap, "cap never below base")
}

func TestRedialWaitStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Redial{Base: time.Hour}.Wait(ctx, 1))
	assert.True(t, Redial{Base: time.Millisecond, Cap: time.Millisecond}.Wait(context.Background(), 1))
}
