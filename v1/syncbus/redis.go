package syncbus

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	guarderrors "github.com/mirkobrombin/go-guard/v1/errors"
)

const (
	redisBusTimeout    = 5 * time.Second
	defaultRedisPrefix = "guard:"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-guard/v1/syncbus")

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBusOptions configures a RedisBus.
type RedisBusOptions struct {
	Client *redis.Client
	// Prefix is prepended to every topic to form the Redis channel name.
	// Defaults to "guard:".
	Prefix string
}

// RedisBus implements Bus on top of Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	prefix string

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	pending   map[string]struct{}
	published atomic.Uint64
	delivered uint64
}

// NewRedisBus returns a new RedisBus using the provided options.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBus{
		client:  opts.Client,
		prefix:  prefix,
		subs:    make(map[string]*redisSubscription),
		pending: make(map[string]struct{}),
	}
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return guarderrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return guarderrors.ErrConnectionClosed
	}
	return err
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("guard.bus.topic", topic)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return mapRedisErr(err)
	}

	b.mu.Lock()
	if _, ok := b.pending[topic]; ok {
		b.mu.Unlock()
		return nil // deduplicate
	}
	b.pending[topic] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, topic)
		b.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.prefix+topic, eventPayload).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mapRedisErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscriber of a topic opens a
// Redis subscription which is shared by later subscribers. The subscription is
// confirmed without holding the bus lock; if another caller opened one for the
// same topic meanwhile, the extra one is closed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		ps, err := b.open(ctx, topic)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		if sub = b.subs[topic]; sub == nil {
			sub = &redisSubscription{pubsub: ps}
			b.subs[topic] = sub
			go b.dispatch(topic, sub)
		} else {
			defer func() { _ = ps.Close() }()
		}
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *RedisBus) open(ctx context.Context, topic string) (*redis.PubSub, error) {
	ps := b.client.Subscribe(context.Background(), b.prefix+topic)
	rctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if _, err := ps.Receive(rctx); err != nil {
		_ = ps.Close()
		return nil, mapRedisErr(err)
	}
	return ps, nil
}

func (b *RedisBus) dispatch(topic string, sub *redisSubscription) {
	for range sub.pubsub.Channel() {
		b.mu.Lock()
		fanout(topic, sub.chans, &b.delivered)
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
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
	if len(sub.chans) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, topic)
	b.mu.Unlock()
	if err := sub.pubsub.Close(); err != nil {
		slog.Warn("guard: redis unsubscribe failed", "topic", topic, "error", err)
		return mapRedisErr(err)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

// Close ends every subscription. The Redis client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.pubsub.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
		sub.chans = nil
	}
	b.subs = make(map[string]*redisSubscription)
	return nil
}
