package dme

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_TickMonotonic(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(1), c.Tick())
	assert.Equal(t, int64(2), c.Tick())
	assert.Equal(t, int64(3), c.Tick())
}

func TestClock_ObserveTakesMax(t *testing.T) {
	c := NewClock()
	c.Tick() // 1
	c.Tick() // 2
	assert.Equal(t, int64(11), c.Observe(10))
	assert.Equal(t, int64(12), c.Tick())
}

func TestClock_ObserveBehindLocalStillAdvances(t *testing.T) {
	c := NewClock()
	for i := 0; i < 5; i++ {
		c.Tick()
	}
	got := c.Observe(1)
	assert.Equal(t, int64(6), got, "observe with a stale timestamp must still strictly advance")
}

func TestClock_ObserveMalformedFallsBackToTick(t *testing.T) {
	c := NewClock()
	c.Tick() // 1
	got := c.Observe(-1)
	assert.Equal(t, int64(2), got)
}

func TestClock_ScenarioS6(t *testing.T) {
	// spec.md §8 S6: clock at 3, receives REQUEST ts=10, clock becomes 11.
	c := NewClock()
	c.Tick()
	c.Tick()
	c.Tick()
	assert.Equal(t, int64(3), c.Value())
	assert.Equal(t, int64(11), c.Observe(10))
}
