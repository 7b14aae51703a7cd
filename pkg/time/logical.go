package time

import "sync"

// LogicalClock is a lamport clock for request timestamps
// values never go backwards and carry no wall clock meaning
// observing a remote timestamp pushes the clock past it so that a request
// created later on this node orders after everything already seen
type LogicalClock struct {
	mu  sync.Mutex
	now uint64
}

func NewLogicalClock(start uint64) *LogicalClock {
	return &LogicalClock{now: start}
}

// advances the clock and returns the new value
func (c *LogicalClock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now++
	return c.now
}

// folds in a timestamp observed elsewhere
func (c *LogicalClock) Observe(ts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts > c.now {
		c.now = ts
	}
}

// current value without advancing
func (c *LogicalClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}
