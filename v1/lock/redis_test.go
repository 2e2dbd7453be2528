package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-guard/v1/syncbus"
)

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis, syncbus.Bus, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := syncbus.NewInMemoryBus()
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis(client, bus, WithPollInterval(5*time.Millisecond)), mr, bus, context.Background()
}

func TestRedisTryLockAcquireReleaseAndBus(t *testing.T) {
	l, _, bus, ctx := newRedisLocker(t)

	lockCh, err := bus.Subscribe(ctx, syncbus.LockTopic("k"))
	if err != nil {
		t.Fatalf("subscribe lock: %v", err)
	}
	unlockCh, err := bus.Subscribe(ctx, syncbus.UnlockTopic("k"))
	if err != nil {
		t.Fatalf("subscribe unlock: %v", err)
	}

	if err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	select {
	case <-lockCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for lock publish")
	}
	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case <-unlockCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unlock publish")
	}
	l.mu.Lock()
	if _, ok := l.tokens["k"]; ok {
		t.Fatal("token not cleaned up on release")
	}
	l.mu.Unlock()

	ok, err := l.TryLock(ctx, "k", time.Second)
	if err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	if ok, err := l.TryLock(ctx, "k", time.Second); err != nil || ok {
		t.Fatalf("expected lock held, ok %v err %v", ok, err)
	}
	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRedisAcquireTimeout(t *testing.T) {
	l1, _, bus, ctx := newRedisLocker(t)
	l2 := NewRedis(l1.client, bus)

	if ok, err := l1.TryLock(ctx, "k", 0); err != nil || !ok {
		t.Fatalf("initial trylock: %v ok %v", err, ok)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := l2.Acquire(cctx, "k", 0); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("acquire did not respect context timeout")
	}
}

func TestRedisWaiterWokenByRelease(t *testing.T) {
	l1, _, bus, ctx := newRedisLocker(t)
	// A long poll interval proves the bus event, not polling, wakes the waiter.
	l2 := NewRedis(l1.client, bus, WithPollInterval(time.Hour))

	if err := l1.Acquire(ctx, "k", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	got := make(chan error, 1)
	go func() { got <- l2.Acquire(ctx, "k", 0) }()
	time.Sleep(20 * time.Millisecond)
	if err := l1.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("waiter acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by unlock event")
	}
}

func TestRedisReleaseAfterExpiry(t *testing.T) {
	l1, mr, bus, ctx := newRedisLocker(t)
	l2 := NewRedis(l1.client, bus)

	if ok, err := l1.TryLock(ctx, "k", time.Second); err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	mr.FastForward(2 * time.Second)
	if ok, err := l2.TryLock(ctx, "k", 0); err != nil || !ok {
		t.Fatalf("l2 should take the expired lock, ok %v err %v", ok, err)
	}

	if err := l1.Release(ctx, "k"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld for expired lock, got %v", err)
	}
	if !mr.Exists("k") {
		t.Fatal("stale release deleted the new holder's lock")
	}
	if err := l2.Release(ctx, "k"); err != nil {
		t.Fatalf("l2 release: %v", err)
	}
}

func TestRedisReleaseNotHeld(t *testing.T) {
	l, _, _, ctx := newRedisLocker(t)
	if err := l.Release(ctx, "k"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}

func TestRedisMutualExclusionAcrossLockers(t *testing.T) {
	l1, _, bus, _ := newRedisLocker(t)
	lockers := []*Redis{l1, NewRedis(l1.client, bus, WithPollInterval(time.Millisecond))}

	var inside, overlaps, total atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		p := Bind(lockers[i%2], "counter")
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				With(p, func() {
					if inside.Add(1) != 1 {
						overlaps.Add(1)
					}
					total.Add(1)
					inside.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	if n := overlaps.Load(); n != 0 {
		t.Fatalf("critical sections overlapped %d times", n)
	}
	if n := total.Load(); n != 200 {
		t.Fatalf("expected 200 critical sections, got %d", n)
	}
}
