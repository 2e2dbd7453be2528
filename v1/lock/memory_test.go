package lock

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	guarderrors "github.com/mirkobrombin/go-guard/v1/errors"
	"github.com/mirkobrombin/go-guard/v1/syncbus"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInMemoryTryLockAcquireRelease(t *testing.T) {
	l := NewInMemory(nil)
	ctx := context.Background()
	ok, err := l.TryLock(ctx, "k", time.Second)
	if err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	if ok, err := l.TryLock(ctx, "k", time.Second); err != nil || ok {
		t.Fatalf("expected lock held, got ok %v err %v", ok, err)
	}
	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := l.TryLock(ctx, "k", time.Second); err != nil || !ok {
		t.Fatalf("expected lock re-acquired, ok %v err %v", ok, err)
	}
}

func TestInMemoryAcquireTimeout(t *testing.T) {
	l := NewInMemory(nil)
	ctx := context.Background()
	_, _ = l.TryLock(ctx, "k", 0)

	cctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := l.Acquire(cctx, "k", 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("acquire did not respect context timeout")
	}
}

func TestInMemoryAcquireWakesOnRelease(t *testing.T) {
	l := NewInMemory(nil)
	ctx := context.Background()
	if err := l.Acquire(ctx, "k", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	got := make(chan error, 1)
	go func() { got <- l.Acquire(ctx, "k", 0) }()

	select {
	case err := <-got:
		t.Fatalf("second acquire returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("second acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by release")
	}
}

func TestInMemoryLockTTLExpires(t *testing.T) {
	l := NewInMemory(nil)
	ctx := context.Background()
	if ok, err := l.TryLock(ctx, "k", 10*time.Millisecond); err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	time.Sleep(30 * time.Millisecond)
	if ok, err := l.TryLock(ctx, "k", 0); err != nil || !ok {
		t.Fatalf("lock should expire, ok %v err %v", ok, err)
	}
}

func TestInMemoryReleaseNotHeld(t *testing.T) {
	l := NewInMemory(nil)
	if err := l.Release(context.Background(), "k"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}

func TestInMemoryNegativeTTL(t *testing.T) {
	l := NewInMemory(nil)
	if _, err := l.TryLock(context.Background(), "k", -time.Second); !errors.Is(err, guarderrors.ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
}

func TestInMemoryPeersCoordinateOverBus(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	node1 := NewInMemory(bus)
	node2 := NewInMemory(bus)
	ctx := context.Background()

	// Let node2 subscribe to the key's events.
	if err := node2.Acquire(ctx, "leader", 0); err != nil {
		t.Fatalf("node2 warmup acquire: %v", err)
	}
	if err := node2.Release(ctx, "leader"); err != nil {
		t.Fatalf("node2 warmup release: %v", err)
	}

	if ok, err := node1.TryLock(ctx, "leader", 0); err != nil || !ok {
		t.Fatalf("node1 trylock: %v ok %v", err, ok)
	}
	waitFor(t, func() bool {
		node2.mu.Lock()
		defer node2.mu.Unlock()
		st, ok := node2.locks["leader"]
		return ok && !st.local
	})
	if ok, _ := node2.TryLock(ctx, "leader", 0); ok {
		t.Fatal("node2 acquired a lock announced by node1")
	}
	if err := node2.Release(ctx, "leader"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("node2 must not release node1's lock, got %v", err)
	}

	got := make(chan error, 1)
	go func() { got <- node2.Acquire(ctx, "leader", 0) }()
	if err := node1.Release(ctx, "leader"); err != nil {
		t.Fatalf("node1 release: %v", err)
	}
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("node2 acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("node2 not woken by node1's release")
	}
}

func TestInMemoryPeersReleaseEveryKey(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	a := NewInMemory(bus)
	b := NewInMemory(bus)
	ctx := context.Background()

	keys := make([]string, 200)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
		if err := b.Acquire(ctx, keys[i], 0); err != nil {
			t.Fatalf("b warmup acquire %s: %v", keys[i], err)
		}
		if err := b.Release(ctx, keys[i]); err != nil {
			t.Fatalf("b warmup release %s: %v", keys[i], err)
		}
	}
	for _, k := range keys {
		for range 3 {
			if err := a.Acquire(ctx, k, 0); err != nil {
				t.Fatalf("a acquire %s: %v", k, err)
			}
			if err := a.Release(ctx, k); err != nil {
				t.Fatalf("a release %s: %v", k, err)
			}
		}
	}
	for _, k := range keys {
		cctx, cancel := context.WithTimeout(ctx, 2*defaultPeerLease)
		err := b.Acquire(cctx, k, 0)
		cancel()
		if err != nil {
			t.Fatalf("b acquire %s after a released it: %v", k, err)
		}
		if err := b.Release(ctx, k); err != nil {
			t.Fatalf("b release %s: %v", k, err)
		}
	}
}

func TestInMemoryPeerLockWithoutUnlockExpires(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	l := NewInMemory(bus, WithPeerLease(40*time.Millisecond))
	ctx := context.Background()
	if err := l.ensureSubscriptions("k"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// A peer that announces the key and disappears without an unlock.
	if err := bus.Publish(ctx, syncbus.LockTopic("k")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		st, ok := l.locks["k"]
		return ok && !st.local
	})

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := l.Acquire(cctx, "k", 0); err != nil {
		t.Fatalf("acquire after peer lease: %v", err)
	}
}

func TestInMemoryHeldLockIsReannounced(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	lease := 30 * time.Millisecond
	holder := NewInMemory(bus, WithPeerLease(lease))
	peer := NewInMemory(bus, WithPeerLease(lease))
	ctx := context.Background()
	if err := peer.ensureSubscriptions("k"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if ok, err := holder.TryLock(ctx, "k", 0); err != nil || !ok {
		t.Fatalf("holder trylock: %v ok %v", err, ok)
	}
	waitFor(t, func() bool {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		_, ok := peer.locks["k"]
		return ok
	})
	time.Sleep(5 * lease)
	if ok, _ := peer.TryLock(ctx, "k", 0); ok {
		t.Fatal("peer forgot a lock that is still held")
	}
	if err := holder.Release(ctx, "k"); err != nil {
		t.Fatalf("holder release: %v", err)
	}
}
