package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-guard/v1/metrics"
	"github.com/mirkobrombin/go-guard/v1/syncbus"
)

const defaultPeerLease = 300 * time.Millisecond

type lockState struct {
	// local is true when this InMemory holds the key, false when a peer on
	// the bus announced it.
	local bool
	// timer fires the TTL of a local lock or the lease of a peer one.
	timer *time.Timer
	// beat re-announces a local lock to peers.
	beat    *time.Timer
	expires time.Time
	notify  chan struct{}
}

func (st *lockState) stop() {
	if st.timer != nil {
		st.timer.Stop()
	}
	if st.beat != nil {
		st.beat.Stop()
	}
}

// InMemory implements Locker using local memory. Within one InMemory the lock
// is exact.
//
// When a bus is given, lock and unlock events are propagated through it so that
// several InMemory lockers sharing the bus also avoid each other. Events carry
// no payload and may be coalesced or dropped by the bus, so that coordination
// is advisory: a held lock is re-announced every third of the peer lease, and
// a peer lock that is not re-announced within the lease is forgotten. Two
// lockers can briefly both hold a key, but a key released by a peer never
// stays busy longer than the lease.
type InMemory struct {
	mu    sync.Mutex
	bus   syncbus.Bus
	lease time.Duration
	locks map[string]*lockState
	subs  map[string]struct{}
	// announced is when we last published a lock event per key, so that our
	// own events coming back from the bus are not taken for a peer's.
	announced map[string]time.Time
}

// InMemoryOption configures an InMemory locker.
type InMemoryOption func(*InMemory)

// WithPeerLease sets how long a lock announced by a peer is honoured without
// being re-announced. Defaults to 300ms.
func WithPeerLease(d time.Duration) InMemoryOption {
	return func(l *InMemory) {
		if d > 0 {
			l.lease = d
		}
	}
}

// NewInMemory returns a new in-memory locker that uses bus to propagate events.
// A nil bus gives a purely local locker.
func NewInMemory(bus syncbus.Bus, opts ...InMemoryOption) *InMemory {
	l := &InMemory{
		bus:       bus,
		lease:     defaultPeerLease,
		locks:     make(map[string]*lockState),
		subs:      make(map[string]struct{}),
		announced: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *InMemory) ensureSubscriptions(key string) error {
	if l.bus == nil {
		return nil
	}
	l.mu.Lock()
	if _, ok := l.subs[key]; ok {
		l.mu.Unlock()
		return nil
	}
	l.subs[key] = struct{}{}
	l.mu.Unlock()

	cleanup := func() {
		l.mu.Lock()
		delete(l.subs, key)
		l.mu.Unlock()
	}

	lockTopic, unlockTopic := syncbus.LockTopic(key), syncbus.UnlockTopic(key)
	lockCh, err := l.bus.Subscribe(context.Background(), lockTopic)
	if err != nil {
		cleanup()
		return err
	}
	unlockCh, err := l.bus.Subscribe(context.Background(), unlockTopic)
	if err != nil {
		_ = l.bus.Unsubscribe(context.Background(), lockTopic, lockCh)
		cleanup()
		return err
	}
	go l.watch(key, lockCh, unlockCh)
	return nil
}

// watch applies the bus events of one key, both topics on one goroutine.
func (l *InMemory) watch(key string, lockCh, unlockCh chan struct{}) {
	for lockCh != nil || unlockCh != nil {
		select {
		case _, ok := <-lockCh:
			if !ok {
				lockCh = nil
				continue
			}
			l.peerLocked(key)
		case _, ok := <-unlockCh:
			if !ok {
				unlockCh = nil
				continue
			}
			l.peerUnlocked(key)
		}
	}
}

func (l *InMemory) peerLocked(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.announced[key]) < l.lease/4 {
		return
	}
	st, ok := l.locks[key]
	if ok {
		// A lock we hold ourselves wins; a peer entry is refreshed.
		if !st.local {
			st.expires = time.Now().Add(l.lease)
		}
		return
	}
	ps := &lockState{notify: make(chan struct{}), expires: time.Now().Add(l.lease)}
	ps.timer = time.AfterFunc(l.lease, func() { l.expirePeer(key, ps) })
	l.locks[key] = ps
}

func (l *InMemory) peerUnlocked(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// A peer cannot release a lock we hold ourselves.
	if st, ok := l.locks[key]; ok && !st.local {
		st.stop()
		close(st.notify)
		delete(l.locks, key)
	}
}

func (l *InMemory) expirePeer(key string, st *lockState) {
	l.mu.Lock()
	if l.locks[key] != st {
		l.mu.Unlock()
		return
	}
	if d := time.Until(st.expires); d > 0 {
		st.timer.Reset(d)
		l.mu.Unlock()
		return
	}
	close(st.notify)
	delete(l.locks, key)
	l.mu.Unlock()
	slog.Debug("guard: peer lock lease expired", "key", key)
	metrics.RemoteLockCounter.WithLabelValues("memory", "peer_expire", "ok").Inc()
}

func (l *InMemory) heartbeat(key string, st *lockState) {
	l.mu.Lock()
	if l.locks[key] != st {
		l.mu.Unlock()
		return
	}
	st.beat.Reset(l.lease / 3)
	l.mu.Unlock()
	l.announce(context.Background(), key)
}

func (l *InMemory) announce(ctx context.Context, key string) {
	if l.bus == nil {
		return
	}
	l.mu.Lock()
	l.announced[key] = time.Now()
	l.mu.Unlock()
	l.publish(ctx, syncbus.LockTopic(key))
}

func (l *InMemory) publish(ctx context.Context, topic string) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Publish(ctx, topic); err != nil {
		slog.Warn("guard: lock event publish failed", "topic", topic, "error", err)
	}
}

// TryLock attempts to obtain the lock without waiting. It returns true on success.
func (l *InMemory) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	if err := l.ensureSubscriptions(key); err != nil {
		return false, err
	}
	l.mu.Lock()
	if _, ok := l.locks[key]; ok {
		l.mu.Unlock()
		metrics.RemoteLockCounter.WithLabelValues("memory", "trylock", "busy").Inc()
		return false, nil
	}
	st := &lockState{local: true, notify: make(chan struct{})}
	if ttl > 0 {
		st.timer = time.AfterFunc(ttl, func() { l.expire(key, st) })
	}
	if l.bus != nil {
		st.beat = time.AfterFunc(l.lease/3, func() { l.heartbeat(key, st) })
	}
	l.locks[key] = st
	l.mu.Unlock()
	metrics.RemoteLockCounter.WithLabelValues("memory", "trylock", "ok").Inc()
	l.announce(ctx, key)
	return true, nil
}

func (l *InMemory) expire(key string, st *lockState) {
	l.mu.Lock()
	if l.locks[key] != st {
		l.mu.Unlock()
		return
	}
	st.stop()
	close(st.notify)
	delete(l.locks, key)
	l.mu.Unlock()
	slog.Warn("guard: lock expired before release", "key", key)
	metrics.RemoteLockCounter.WithLabelValues("memory", "expire", "ok").Inc()
	l.publish(context.Background(), syncbus.UnlockTopic(key))
}

// Acquire blocks until the lock is obtained or the context is cancelled.
func (l *InMemory) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "InMemory.Acquire")
	defer span.End()
	for {
		ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if ok {
			return nil
		}
		l.mu.Lock()
		var ch chan struct{}
		if st, held := l.locks[key]; held {
			ch = st.notify
		}
		l.mu.Unlock()
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			metrics.RemoteLockCounter.WithLabelValues("memory", "acquire", "canceled").Inc()
			return ctx.Err()
		}
	}
}

// Release frees the lock for the given key.
func (l *InMemory) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	st, ok := l.locks[key]
	if !ok || !st.local {
		l.mu.Unlock()
		return fmt.Errorf("lock: release %q: %w", key, ErrNotHeld)
	}
	st.stop()
	close(st.notify)
	delete(l.locks, key)
	l.mu.Unlock()
	metrics.RemoteLockCounter.WithLabelValues("memory", "release", "ok").Inc()
	l.publish(ctx, syncbus.UnlockTopic(key))
	return nil
}
