package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClockFiresInOrder(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	stopped := c.AfterFunc(time.Second, func() { fired = append(fired, "x") })
	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, []string{"a"}, fired)
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.True(t, c.Now().Equal(time.Unix(2, 500_000_000)))
}

func TestManualClockCallbackMayRearm(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	n := 0
	var tick func()
	tick = func() {
		n++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)
	c.Advance(3 * time.Second)
	assert.Equal(t, 3, n)
}
