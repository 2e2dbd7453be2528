package guard

import (
	"github.com/mirkobrombin/go-guard/v1/lock"
)

// Value holds one value of type T and serialises every access to it through
// its own lock. A Value must not be copied after first use.
type Value[T any] struct {
	lock  lock.Primitive
	value T
	clone func(T) T

	kind        lock.Kind
	metricsName string
}

// Option configures a Value.
type Option[T any] func(*Value[T])

// WithKind selects the lock implementation. The default is lock.KindMutex.
func WithKind[T any](kind lock.Kind) Option[T] {
	return func(v *Value[T]) { v.kind = kind }
}

// WithLocker makes the Value use p instead of a primitive built from its
// Kind. The Value takes ownership of p; sharing p with another Value, or
// acquiring it elsewhere, breaks the Value's guarantees.
func WithLocker[T any](p lock.Primitive) Option[T] {
	return func(v *Value[T]) { v.lock = p }
}

// WithMetrics reports lock usage under name through the collectors of the
// metrics package.
func WithMetrics[T any](name string) Option[T] {
	return func(v *Value[T]) { v.metricsName = name }
}

// WithClone makes Get return fn(value) instead of a plain copy. Use it when T
// holds references, such as maps or slices, that callers must not share with
// the stored value.
func WithClone[T any](fn func(T) T) Option[T] {
	return func(v *Value[T]) { v.clone = fn }
}

// New returns a Value holding initial.
func New[T any](initial T, opts ...Option[T]) *Value[T] {
	v := &Value[T]{value: initial}
	for _, opt := range opts {
		opt(v)
	}
	if v.lock == nil {
		v.lock = lock.New(v.kind)
	}
	if v.metricsName != "" {
		v.lock = lock.Instrument(v.lock, v.metricsName)
	}
	return v
}

// Get returns a copy of the current value.
func (v *Value[T]) Get() T {
	v.lock.Acquire()
	defer v.lock.Release()
	if v.clone != nil {
		return v.clone(v.value)
	}
	return v.value
}

// Set replaces the current value.
func (v *Value[T]) Set(newValue T) {
	v.lock.Acquire()
	defer v.lock.Release()
	v.value = newValue
}

// Replace stores fn(current) as a single atomic step. fn must not use v.
func (v *Value[T]) Replace(fn func(T) T) {
	v.lock.Acquire()
	defer v.lock.Release()
	v.value = fn(v.value)
}

// Mutate calls fn with a pointer to the stored value so it can be changed in
// place without copying it. fn must not use v or keep the pointer.
func (v *Value[T]) Mutate(fn func(*T)) {
	v.lock.Acquire()
	defer v.lock.Release()
	fn(&v.value)
}

// Swap stores newValue and returns the value it replaced.
func (v *Value[T]) Swap(newValue T) (old T) {
	v.lock.Acquire()
	defer v.lock.Release()
	old, v.value = v.value, newValue
	return old
}

// CompareAndSwap stores newValue in v if the current value equals old, and
// reports whether it did.
func CompareAndSwap[T comparable](v *Value[T], old, newValue T) bool {
	v.lock.Acquire()
	defer v.lock.Release()
	if v.value != old {
		return false
	}
	v.value = newValue
	return true
}
