package lock

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// Reentrant is a Primitive that the holding goroutine may acquire again
// without deadlocking. It is released once Release has been called as many
// times as Acquire. Releasing from a goroutine other than the holder panics.
// The zero value is unlocked.
type Reentrant struct {
	mu    sync.Mutex
	owner atomic.Uint64
	depth int
}

// Acquire implements Primitive.
func (r *Reentrant) Acquire() {
	id := goid()
	if r.owner.Load() == id {
		r.depth++
		return
	}
	r.mu.Lock()
	r.owner.Store(id)
	r.depth = 1
}

// TryAcquire implements TryPrimitive.
func (r *Reentrant) TryAcquire() bool {
	id := goid()
	if r.owner.Load() == id {
		r.depth++
		return true
	}
	if !r.mu.TryLock() {
		return false
	}
	r.owner.Store(id)
	r.depth = 1
	return true
}

// Release implements Primitive.
func (r *Reentrant) Release() {
	if r.owner.Load() != goid() {
		notHeld("reentrant lock")
	}
	r.depth--
	if r.depth > 0 {
		return
	}
	r.owner.Store(0)
	r.mu.Unlock()
}

// Depth reports how many unmatched acquisitions the calling goroutine holds.
func (r *Reentrant) Depth() int {
	if r.owner.Load() != goid() {
		return 0
	}
	return r.depth
}

var goroutinePrefix = []byte("goroutine ")

// goid returns the id of the calling goroutine, parsed from the header line
// of its stack trace ("goroutine 18 [running]:"). Ids start at 1, so 0 never
// names a live goroutine.
func goid() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic("lock: cannot parse goroutine id: " + err.Error())
	}
	return id
}
