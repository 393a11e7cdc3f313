package backend

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Capacity 是后端的全局并发额度，在所有运行之间共享，必须显式传入后端。
type Capacity struct {
	max  int64
	sem  *semaphore.Weighted
	used atomic.Int64
	peak atomic.Int64
}

// NewCapacity creates a capacity of n slots (minimum 1).
func NewCapacity(n int) *Capacity {
	if n <= 0 {
		n = 1
	}
	return &Capacity{max: int64(n), sem: semaphore.NewWeighted(int64(n))}
}

// TryAcquire takes one slot without blocking.
func (c *Capacity) TryAcquire() bool {
	if !c.sem.TryAcquire(1) {
		return false
	}
	used := c.used.Add(1)
	for {
		peak := c.peak.Load()
		if used <= peak || c.peak.CompareAndSwap(peak, used) {
			break
		}
	}
	return true
}

// Release returns one slot.
func (c *Capacity) Release() {
	c.used.Add(-1)
	c.sem.Release(1)
}

// Max returns the number of slots.
func (c *Capacity) Max() int {
	return int(c.max)
}

// InUse returns the number of taken slots.
func (c *Capacity) InUse() int {
	return int(c.used.Load())
}

// Peak returns the highest InUse ever observed.
func (c *Capacity) Peak() int {
	return int(c.peak.Load())
}
