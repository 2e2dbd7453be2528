package lock

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	guarderrors "github.com/mirkobrombin/go-guard/v1/errors"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-guard/v1/lock")

// Locker is a keyed lock whose operations may block on I/O and therefore take
// a context. A positive ttl makes the lock expire on its own if the holder
// never releases it; zero means no expiry.
type Locker interface {
	// TryLock attempts to obtain the lock without waiting.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Acquire blocks until the lock is obtained or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	// Release frees a lock obtained through this Locker. It returns an error
	// wrapping ErrNotHeld if this Locker does not hold key.
	Release(ctx context.Context, key string) error
}

func checkTTL(ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("lock: ttl %v: %w", ttl, guarderrors.ErrInvalidTTL)
	}
	return nil
}
