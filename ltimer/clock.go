package ltimer

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// wheelClock yields milliseconds elapsed since the timer was created.
//
// In cached mode now returns the value sampled by the last refresh, which
// Spak performs once per advance. Callers adding tasks between two spaks
// then avoid reading the clock, at the price of up to one tick of skew.
type wheelClock struct {
	clock  clock.Clock
	epoch  time.Time
	cached bool
	last   atomic.Int64
}

func newWheelClock(c clock.Clock, cached bool) *wheelClock {
	return &wheelClock{clock: c, epoch: c.Now(), cached: cached}
}

func (c *wheelClock) read() int64 {
	return c.clock.Since(c.epoch).Milliseconds()
}

func (c *wheelClock) now() int64 {
	if c.cached {
		return c.last.Load()
	}
	return c.read()
}

func (c *wheelClock) refresh() int64 {
	ms := c.read()
	c.last.Store(ms)
	return ms
}

// at converts an absolute time into the wheel time base.
func (c *wheelClock) at(when time.Time) int64 {
	return when.Sub(c.epoch).Milliseconds()
}
