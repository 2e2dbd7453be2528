package lock

import (
	"sync"
	"sync/atomic"
)

// Mutex is a blocking Primitive backed by sync.Mutex. The zero value is an
// unlocked mutex.
//
// Unlike sync.Mutex, releasing an unlocked Mutex panics with ErrNotHeld
// instead of aborting the process.
type Mutex struct {
	mu   sync.Mutex
	held atomic.Bool
}

// Acquire implements Primitive.
func (m *Mutex) Acquire() {
	m.mu.Lock()
	m.held.Store(true)
}

// TryAcquire implements TryPrimitive.
func (m *Mutex) TryAcquire() bool {
	if !m.mu.TryLock() {
		return false
	}
	m.held.Store(true)
	return true
}

// Release implements Primitive.
func (m *Mutex) Release() {
	if !m.held.CompareAndSwap(true, false) {
		notHeld("mutex")
	}
	m.mu.Unlock()
}
