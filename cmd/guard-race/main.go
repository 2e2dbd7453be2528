package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-guard/v1/guard"
	"github.com/mirkobrombin/go-guard/v1/metrics"
)

var (
	workers        = flag.Int("workers", 3, "Number of concurrent goroutines")
	iterations     = flag.Int("n", 300000, "Increments per goroutine")
	mode           = flag.String("mode", "replace", "Increment style: replace, mutate or getset")
	kindName       = flag.String("kind", "mutex", "Local lock kind: mutex, spin or reentrant")
	backend        = flag.String("backend", "local", "Lock backend: local, memory or redis")
	busKind        = flag.String("bus", "inmemory", "Event bus for keyed lockers: inmemory, redis, nats or kafka")
	key            = flag.String("key", "guard:race", "Lock key for keyed backends")
	ttl            = flag.Duration("ttl", 0, "Lock TTL for the redis backend (0 disables expiry)")
	redisAddr      = flag.String("redis-addr", "localhost:6379", "Redis address")
	natsURL        = flag.String("nats-url", "nats://localhost:4222", "NATS URL")
	kafkaBrokers   = flag.String("kafka-brokers", "localhost:9092", "Comma-separated Kafka brokers")
	breaker        = flag.Int("breaker", 0, "Open the bus circuit after this many failures (0 disables)")
	breakerTimeout = flag.Duration("breaker-timeout", 5*time.Second, "Time before a tripped bus circuit is probed")
	metricsAddr    = flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :2112)")
	trace          = flag.Bool("trace", false, "Print OpenTelemetry spans to stdout")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		otel.SetTracerProvider(tp)
	}

	var opts []guard.Option[int]
	if *metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)
		opts = append(opts, guard.WithMetrics[int]("race"))
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Println(http.ListenAndServe(*metricsAddr, nil))
		}()
	}

	p, cleanup, err := newPrimitive()
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer cleanup()
	opts = append(opts, guard.WithLocker[int](p))
	counter := guard.New(0, opts...)

	increment, err := incrementer(counter)
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("Starting race: %d goroutines x %d increments, mode=%s backend=%s", *workers, *iterations, *mode, *backend)
	start := time.Now()
	var g errgroup.Group
	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			for i := 0; i < *iterations; i++ {
				increment()
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	want := *workers * *iterations
	got := counter.Get()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Expected %d, got %d", want, got)
	if got != want {
		log.Printf("Lost updates: %d (%.2f%%)", want-got, 100*float64(want-got)/float64(want))
	}
}

func incrementer(v *guard.Value[int]) (func(), error) {
	switch *mode {
	case "replace":
		return func() { v.Replace(func(n int) int { return n + 1 }) }, nil
	case "mutate":
		return func() { v.Mutate(func(n *int) { *n++ }) }, nil
	case "getset":
		// Deliberately unsafe: the lock is dropped between Get and Set.
		return func() { v.Set(v.Get() + 1) }, nil
	}
	return nil, fmt.Errorf("unknown mode %q: want replace, mutate or getset", *mode)
}
