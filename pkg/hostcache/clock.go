package hostcache

import (
	"sync"
	"time"
)

// Ticks is a monotonic timestamp in nanoseconds since an arbitrary origin.
// Ticks are only meaningful within one process.
type Ticks int64

func (t Ticks) Add(d time.Duration) Ticks {
	return t + Ticks(d)
}

func (t Ticks) Sub(o Ticks) time.Duration {
	return time.Duration(t - o)
}

func (t Ticks) Before(o Ticks) bool {
	return t < o
}

// Milliseconds is the tick value in milliseconds since the origin.
func (t Ticks) Milliseconds() int64 {
	return int64(t) / int64(time.Millisecond)
}

// Clock provides monotonic ticks for expiry and wall-clock time for
// persisted timestamps.
type Clock interface {
	NowTicks() Ticks
	Now() time.Time
}

type systemClock struct {
	origin time.Time
}

// SystemClock is the process-wide real clock.
var SystemClock Clock = &systemClock{origin: time.Now()}

func (c *systemClock) NowTicks() Ticks {
	// time.Since uses the monotonic reading carried by origin.
	return Ticks(time.Since(c.origin))
}

func (c *systemClock) Now() time.Time {
	return time.Now()
}

// ManualClock only moves when told to. Ticks and wall time advance together.
// It is safe for concurrent use.
type ManualClock struct {
	mu    sync.Mutex
	ticks Ticks
	wall  time.Time
}

func NewManualClock(wall time.Time) *ManualClock {
	// Start away from zero so that "ticks in the past" stay positive.
	return &ManualClock{ticks: Ticks(time.Hour), wall: wall}
}

func (c *ManualClock) NowTicks() Ticks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wall
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.ticks = c.ticks.Add(d)
	c.wall = c.wall.Add(d)
	c.mu.Unlock()
}

// AdvanceWall moves only the wall clock, e.g. to emulate a restart where
// ticks are not comparable with the previous process.
func (c *ManualClock) AdvanceWall(d time.Duration) {
	c.mu.Lock()
	c.wall = c.wall.Add(d)
	c.mu.Unlock()
}
