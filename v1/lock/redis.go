package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-guard/v1/metrics"
	"github.com/mirkobrombin/go-guard/v1/syncbus"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// defaultPollInterval bounds how long a waiter sleeps when no unlock event
// arrives, e.g. because the holder's lock expired instead of being released.
const defaultPollInterval = 50 * time.Millisecond

// Redis implements Locker using a Redis backend. Each acquisition stores a
// random token under the key so that only the holder can delete it.
type Redis struct {
	client *redis.Client
	bus    syncbus.Bus
	poll   time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithPollInterval sets how often waiters retry when no unlock event is seen.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.poll = d
		}
	}
}

// NewRedis returns a new Redis locker using the provided client. Unlock events
// are published on bus; a nil bus gives a private in-memory bus, which still
// wakes waiters of this process while waiters elsewhere fall back to polling.
func NewRedis(client *redis.Client, bus syncbus.Bus, opts ...RedisOption) *Redis {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	r := &Redis{client: client, bus: bus, poll: defaultPollInterval, tokens: make(map[string]string)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryLock attempts to obtain the lock without waiting.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	ctx, span := tracer.Start(ctx, "Redis.TryLock", trace.WithAttributes(attribute.String("guard.lock.key", key)))
	defer span.End()

	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RemoteLockCounter.WithLabelValues("redis", "trylock", "error").Inc()
		return false, fmt.Errorf("lock: setnx %q: %w", key, err)
	}
	if !ok {
		metrics.RemoteLockCounter.WithLabelValues("redis", "trylock", "busy").Inc()
		return false, nil
	}
	r.mu.Lock()
	r.tokens[key] = token
	r.mu.Unlock()
	metrics.RemoteLockCounter.WithLabelValues("redis", "trylock", "ok").Inc()
	if err := r.bus.Publish(ctx, syncbus.LockTopic(key)); err != nil {
		slog.Debug("guard: lock event publish failed", "key", key, "error", err)
	}
	return true, nil
}

// Acquire blocks until the lock is obtained or the context is cancelled.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "Redis.Acquire", trace.WithAttributes(attribute.String("guard.lock.key", key)))
	defer span.End()

	if ok, err := r.TryLock(ctx, key, ttl); err != nil || ok {
		return err
	}

	// Subscribe, then retry before waiting, so an unlock between the failed
	// attempt and the wait is not missed. Cancelling subCtx unsubscribes.
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := r.bus.Subscribe(subCtx, syncbus.UnlockTopic(key))
	if err != nil {
		slog.Debug("guard: unlock subscription failed, polling", "key", key, "error", err)
		ch = nil
	}

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if ok {
			return nil
		}
		select {
		case _, open := <-ch:
			if !open {
				ch = nil
			}
		case <-ticker.C:
		case <-ctx.Done():
			metrics.RemoteLockCounter.WithLabelValues("redis", "acquire", "canceled").Inc()
			return ctx.Err()
		}
	}
}

// Release frees the lock for the given key. If the lock expired and was taken
// by someone else in the meantime, the other holder's lock is left untouched
// and an error wrapping ErrNotHeld is returned.
func (r *Redis) Release(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "Redis.Release", trace.WithAttributes(attribute.String("guard.lock.key", key)))
	defer span.End()

	r.mu.Lock()
	token, ok := r.tokens[key]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("lock: release %q: %w", key, ErrNotHeld)
	}
	n, err := delScript.Run(ctx, r.client, []string{key}, token).Int64()
	if err != nil && !stdErrors.Is(err, redis.Nil) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RemoteLockCounter.WithLabelValues("redis", "release", "error").Inc()
		return fmt.Errorf("lock: release %q: %w", key, err)
	}
	r.mu.Lock()
	if r.tokens[key] == token {
		delete(r.tokens, key)
	}
	r.mu.Unlock()
	if n == 0 {
		metrics.RemoteLockCounter.WithLabelValues("redis", "release", "lost").Inc()
		slog.Warn("guard: lock lost before release", "key", key)
		return fmt.Errorf("lock: release %q: expired: %w", key, ErrNotHeld)
	}
	metrics.RemoteLockCounter.WithLabelValues("redis", "release", "ok").Inc()
	if err := r.bus.Publish(ctx, syncbus.UnlockTopic(key)); err != nil {
		slog.Warn("guard: unlock event publish failed", "key", key, "error", err)
	}
	return nil
}
