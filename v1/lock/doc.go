// Package lock provides mutual-exclusion primitives.
//
// Every primitive implements the two-operation Primitive interface: Acquire
// blocks until the caller owns the lock and Release gives it back. Three local
// variants are available and are selected explicitly with a Kind:
//
//   - KindMutex wraps sync.Mutex and parks waiters. It is the default.
//   - KindSpin busy-waits with runtime.Gosched and only suits critical
//     sections of a few instructions.
//   - KindReentrant lets the holding goroutine acquire again; every Acquire
//     needs a matching Release.
//
// None of them promise fairness, and none of them can be interrupted: Acquire
// returns only once the lock is held. Releasing a lock that is not held is a
// programming error and panics.
//
// The package also keeps keyed, context-aware lockers (Locker) backed by local
// memory or Redis. Lock and unlock events propagate through a syncbus Bus so
// lockers on different nodes can wake each other up. Bind turns one key of a
// Locker into a Primitive, so a guarded value can be protected by a lock that
// spans processes.
package lock
