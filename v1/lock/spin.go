package lock

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield is how many failed CAS attempts Spin makes before handing
// the processor back to the scheduler.
const spinsBeforeYield = 16

// Spin is a Primitive that busy-waits instead of parking. It burns CPU while
// contended, so keep critical sections short and never use it to guard
// Replace or Mutate callbacks that do real work. The zero value is unlocked.
type Spin struct {
	state atomic.Uint32
}

// Acquire implements Primitive.
func (s *Spin) Acquire() {
	for n := 0; !s.state.CompareAndSwap(0, 1); n++ {
		if n >= spinsBeforeYield {
			runtime.Gosched()
			n = 0
		}
	}
}

// TryAcquire implements TryPrimitive.
func (s *Spin) TryAcquire() bool {
	return s.state.CompareAndSwap(0, 1)
}

// Release implements Primitive.
func (s *Spin) Release() {
	if !s.state.CompareAndSwap(1, 0) {
		notHeld("spin lock")
	}
}
