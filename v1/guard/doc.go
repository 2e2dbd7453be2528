// Package guard provides Value, a container that makes a single value safe to
// share between goroutines.
//
// Every access goes through a lock.Primitive owned by the container:
//
//	counter := guard.New(0)
//	counter.Replace(func(n int) int { return n + 1 })
//	fmt.Println(counter.Get())
//
// Get and Set are each atomic, but they do not compose. The sequence
//
//	counter.Set(counter.Get() + 1)
//
// releases the lock between the read and the write, so concurrent callers
// overwrite each other's increments. Read-modify-write sequences must go
// through Replace or Mutate, which run the whole sequence under one
// acquisition.
//
// Replace and Mutate run caller code while the lock is held. That code must
// be short and must not call back into the same Value: with the default
// non-reentrant primitive that deadlocks. Choose lock.KindReentrant with
// WithKind if re-entry is needed. The pointer handed to a Mutate callback
// must not be retained after the callback returns.
package guard
