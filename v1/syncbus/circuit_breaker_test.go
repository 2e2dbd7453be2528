package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockBus struct {
	publishFunc func(ctx context.Context, topic string) error
	*InMemoryBus
}

func (m *mockBus) Publish(ctx context.Context, topic string) error {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, topic)
	}
	return m.InMemoryBus.Publish(ctx, topic)
}

func TestCircuitBreakerStateTransitions(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	timeout := 50 * time.Millisecond
	cb := NewCircuitBreaker(mb, 2, timeout)

	ctx := context.Background()
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}

	mb.publishFunc = func(context.Context, string) error { return failErr }
	if err := cb.Publish(ctx, UnlockTopic("k")); !errors.Is(err, failErr) {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}
	if err := cb.Publish(ctx, UnlockTopic("k")); !errors.Is(err, failErr) {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if err := cb.Publish(ctx, UnlockTopic("k")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if _, err := cb.Subscribe(ctx, UnlockTopic("k")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen on subscribe, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)
	if !cb.IsHealthy() {
		t.Fatal("expected healthy once timeout elapsed")
	}

	mb.publishFunc = func(context.Context, string) error { return nil }
	if err := cb.Publish(ctx, UnlockTopic("k")); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.failures != 0 {
		t.Fatalf("expected failures reset, got %d", cb.failures)
	}

	mb.publishFunc = func(context.Context, string) error { return failErr }
	_ = cb.Publish(ctx, UnlockTopic("k"))
	_ = cb.Publish(ctx, UnlockTopic("k"))
	time.Sleep(timeout + 10*time.Millisecond)
	if err := cb.Publish(ctx, UnlockTopic("k")); !errors.Is(err, failErr) {
		t.Fatalf("expected failed probe, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after half-open failure")
	}
}

func TestCircuitBreakerPassthrough(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	cb := NewCircuitBreaker(mb, 5, time.Minute)
	ctx := context.Background()

	ch, err := cb.Subscribe(ctx, LockTopic("foo"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := cb.Publish(ctx, LockTopic("foo")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event on underlying bus")
	}
	if err := cb.Unsubscribe(ctx, LockTopic("foo"), ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}
