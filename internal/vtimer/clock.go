package vtimer

import "time"

// SystemClock is a Clock backed by the monotonic host clock, counting from
// its creation.
type SystemClock struct {
	start time.Time
	freq  uint64
}

func NewSystemClock(freq uint64) *SystemClock {
	return &SystemClock{start: time.Now(), freq: freq}
}

func (c *SystemClock) Counter() uint64 {
	elapsed := time.Since(c.start)
	// Split to keep the intermediate product from overflowing.
	secs := uint64(elapsed / time.Second)
	frac := uint64(elapsed % time.Second)
	return secs*c.freq + frac*c.freq/uint64(time.Second)
}

func (c *SystemClock) Frequency() uint64 { return c.freq }

var _ Clock = (*SystemClock)(nil)
