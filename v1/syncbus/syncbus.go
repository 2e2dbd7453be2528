package syncbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Bus is a minimal pub/sub used to propagate lock and unlock events between
// lockers, possibly running on different nodes. Events carry no payload; a
// delivery only means "something happened on this topic".
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// eventPayload is the body sent by backends that require one.
const eventPayload = "1"

// LockTopic returns the topic on which acquisitions of key are announced.
func LockTopic(key string) string { return "lock:" + key }

// UnlockTopic returns the topic on which releases of key are announced.
func UnlockTopic(key string) string { return "unlock:" + key }

// Metrics reports how many events a bus published and delivered.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout delivers one event to every channel without blocking. A subscriber
// whose buffer is already full has a wakeup pending, so the event coalesces.
// Callers hold the lock guarding chans so no channel is closed mid-delivery.
func fanout(topic string, chans []chan struct{}, delivered *uint64) {
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			atomic.AddUint64(delivered, 1)
		default:
			slog.Debug("guard: bus event coalesced", "topic", topic)
		}
	}
}

// removeChan drops ch from chans, closing it. It reports whether ch was found.
func removeChan(chans []chan struct{}, ch chan struct{}) ([]chan struct{}, bool) {
	for i, c := range chans {
		if c == ch {
			chans[i] = chans[len(chans)-1]
			chans = chans[:len(chans)-1]
			close(c)
			return chans, true
		}
	}
	return chans, false
}

// InMemoryBus is a process-local Bus. Lockers sharing one InMemoryBus behave
// like lockers on separate nodes sharing a network bus.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	atomic.AddUint64(&b.published, 1)
	fanout(topic, b.subs[topic], &b.delivered)
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, _ := removeChan(b.subs[topic], ch)
	if len(subs) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = subs
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
