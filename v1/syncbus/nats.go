package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	guarderrors "github.com/mirkobrombin/go-guard/v1/errors"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan struct{}
}

// NATSBus implements Bus using core NATS subjects. Topics are used as
// subject names with the configured prefix.
type NATSBus struct {
	conn      *nats.Conn
	prefix    string
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	pending   map[string]struct{}
	published uint64
	delivered uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:    conn,
		prefix:  "guard.",
		subs:    make(map[string]*natsSubscription),
		pending: make(map[string]struct{}),
	}
}

func mapNATSErr(err error) error {
	if stdErrors.Is(err, nats.ErrConnectionClosed) {
		return guarderrors.ErrConnectionClosed
	}
	if stdErrors.Is(err, nats.ErrTimeout) {
		return guarderrors.ErrTimeout
	}
	return err
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	_, span := tracer.Start(ctx, "NATSBus.Publish", trace.WithAttributes(attribute.String("guard.bus.topic", topic)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if _, ok := b.pending[topic]; ok {
		b.mu.Unlock()
		return nil // deduplicate
	}
	b.pending[topic] = struct{}{}
	b.mu.Unlock()

	err := b.conn.Publish(b.prefix+topic, []byte(eventPayload))
	if err == nil {
		atomic.AddUint64(&b.published, 1)
	} else {
		span.RecordError(err)
	}

	b.mu.Lock()
	delete(b.pending, topic)
	b.mu.Unlock()
	return mapNATSErr(err)
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		sub = &natsSubscription{}
		ns, err := b.conn.Subscribe(b.prefix+topic, func(_ *nats.Msg) {
			b.mu.Lock()
			fanout(topic, sub.chans, &b.delivered)
			b.mu.Unlock()
		})
		if err != nil {
			b.mu.Unlock()
			return nil, mapNATSErr(err)
		}
		sub.sub = ns
		b.subs[topic] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	// Make sure the server registered interest before a publish can race us.
	if err := b.conn.Flush(); err != nil {
		_ = b.Unsubscribe(context.Background(), topic, ch)
		return nil, mapNATSErr(err)
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	sub.chans, _ = removeChan(sub.chans, ch)
	if len(sub.chans) == 0 {
		delete(b.subs, topic)
		b.mu.Unlock()
		if err := sub.sub.Unsubscribe(); err != nil && !stdErrors.Is(err, nats.ErrConnectionClosed) {
			return err
		}
		return nil
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
