package main

import (
	"fmt"
	"strings"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-guard/v1/lock"
	"github.com/mirkobrombin/go-guard/v1/syncbus"
)

// newBus builds the event bus named by kind. The returned func releases it.
func newBus(kind string, client *redis.Client) (syncbus.Bus, func(), error) {
	switch kind {
	case "", "inmemory":
		return syncbus.NewInMemoryBus(), func() {}, nil
	case "redis":
		if client == nil {
			return nil, nil, fmt.Errorf("redis bus requires -redis-addr")
		}
		b := syncbus.NewRedisBus(syncbus.RedisBusOptions{Client: client})
		return b, func() { _ = b.Close() }, nil
	case "nats":
		conn, err := nats.Connect(*natsURL)
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		return syncbus.NewNATSBus(conn), conn.Close, nil
	case "kafka":
		b, err := syncbus.NewKafkaBus(strings.Split(*kafkaBrokers, ","), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka: %w", err)
		}
		return b, b.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown bus %q", kind)
}

// newPrimitive builds the primitive that guards the counter.
func newPrimitive() (lock.Primitive, func(), error) {
	switch *backend {
	case "local":
		kind, err := lock.ParseKind(*kindName)
		if err != nil {
			return nil, nil, err
		}
		return lock.New(kind), func() {}, nil
	case "memory":
		bus, closeBus, err := newBus(*busKind, nil)
		if err != nil {
			return nil, nil, err
		}
		return lock.Bind(lock.NewInMemory(guardBus(bus)), *key), closeBus, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		bus, closeBus, err := newBus(*busKind, client)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		locker := lock.NewRedis(client, guardBus(bus))
		return lock.Bind(locker, *key, lock.WithTTL(*ttl)), func() {
			closeBus()
			_ = client.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", *backend)
}

func guardBus(bus syncbus.Bus) syncbus.Bus {
	if *breaker <= 0 {
		return bus
	}
	return syncbus.NewCircuitBreaker(bus, *breaker, *breakerTimeout)
}
