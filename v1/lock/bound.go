package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	guarderrors "github.com/mirkobrombin/go-guard/v1/errors"
)

// Bound adapts one key of a Locker to the Primitive interface so it can guard
// a value shared by several processes.
//
// The Primitive methods treat backend failures as fatal and panic, because a
// caller of Acquire cannot be told that the lock was not obtained. Use
// AcquireContext and ReleaseContext to handle those errors instead.
type Bound struct {
	locker  Locker
	key     string
	ttl     time.Duration
	timeout time.Duration
}

// BindOption configures a Bound primitive.
type BindOption func(*Bound)

// WithTTL makes every acquisition expire after d unless released first.
func WithTTL(d time.Duration) BindOption {
	return func(b *Bound) { b.ttl = d }
}

// WithAcquireTimeout bounds how long Acquire waits. Exceeding it is fatal.
func WithAcquireTimeout(d time.Duration) BindOption {
	return func(b *Bound) { b.timeout = d }
}

// Bind returns a Primitive locking key on locker.
func Bind(locker Locker, key string, opts ...BindOption) *Bound {
	b := &Bound{locker: locker, key: key}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Key returns the key the primitive locks.
func (b *Bound) Key() string { return b.key }

// AcquireContext blocks until the key is locked, ctx is done or the backend
// fails.
func (b *Bound) AcquireContext(ctx context.Context) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	err := b.locker.Acquire(ctx, b.key, b.ttl)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("lock: acquire %q: %w: %w", b.key, guarderrors.ErrTimeout, err)
	}
	return err
}

// ReleaseContext unlocks the key.
func (b *Bound) ReleaseContext(ctx context.Context) error {
	return b.locker.Release(ctx, b.key)
}

// TryAcquire implements TryPrimitive.
func (b *Bound) TryAcquire() bool {
	ok, err := b.locker.TryLock(context.Background(), b.key, b.ttl)
	if err != nil {
		panic(fmt.Errorf("lock: try acquire %q: %w", b.key, err))
	}
	return ok
}

// Acquire implements Primitive.
func (b *Bound) Acquire() {
	if err := b.AcquireContext(context.Background()); err != nil {
		panic(fmt.Errorf("lock: acquire %q: %w", b.key, err))
	}
}

// Release implements Primitive.
func (b *Bound) Release() {
	if err := b.ReleaseContext(context.Background()); err != nil {
		panic(fmt.Errorf("lock: release %q: %w", b.key, err))
	}
}
