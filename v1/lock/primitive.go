package lock

import (
	"fmt"
	"strings"

	guarderrors "github.com/mirkobrombin/go-guard/v1/errors"
)

// ErrNotHeld is returned, or carried by a panic, when a lock is released by
// someone who does not hold it.
var ErrNotHeld = guarderrors.ErrNotHeld

// Primitive is a mutual-exclusion lock with at most one holder at a time.
//
// Acquire blocks until the caller holds the lock. Release gives it back and
// must follow a matching Acquire; anything else is a programming error.
type Primitive interface {
	Acquire()
	Release()
}

// TryPrimitive is implemented by primitives that can attempt an acquisition
// without blocking.
type TryPrimitive interface {
	Primitive
	TryAcquire() bool
}

// Kind selects a Primitive implementation.
type Kind int

const (
	KindMutex Kind = iota
	KindSpin
	KindReentrant
)

func (k Kind) String() string {
	switch k {
	case KindMutex:
		return "mutex"
	case KindSpin:
		return "spin"
	case KindReentrant:
		return "reentrant"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a name as produced by Kind.String back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mutex":
		return KindMutex, nil
	case "spin":
		return KindSpin, nil
	case "reentrant", "recursive":
		return KindReentrant, nil
	}
	return 0, fmt.Errorf("lock: unknown kind %q", s)
}

// New returns a new primitive of the given kind. Unknown kinds panic.
func New(kind Kind) Primitive {
	switch kind {
	case KindMutex:
		return &Mutex{}
	case KindSpin:
		return &Spin{}
	case KindReentrant:
		return &Reentrant{}
	}
	panic(fmt.Sprintf("lock: unknown kind %v", kind))
}

// With runs fn while holding p. The lock is released even if fn panics.
func With(p Primitive, fn func()) {
	p.Acquire()
	defer p.Release()
	fn()
}

func notHeld(kind string) {
	panic(fmt.Errorf("lock: release of %s: %w", kind, ErrNotHeld))
}
