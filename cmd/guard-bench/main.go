package main

import (
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-guard/v1/guard"
	"github.com/mirkobrombin/go-guard/v1/lock"
)

var (
	concurrency = flag.Int("c", 8, "Concurrency")
	requests    = flag.Int("n", 200000, "Operations per target")
	work        = flag.Int("work", 0, "Busy-loop iterations inside each critical section")
	target      = flag.String("target", "all", "Targets: mutex, spin, reentrant, memory, redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address for the redis target")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"mutex", "spin", "reentrant", "memory"}
	}

	fmt.Printf("| %-10s | %-12s | %-12s | %-12s |\n", "Lock", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")
	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func runBenchmark(name string) {
	var (
		p       lock.Primitive
		cleanup func()
		ops     = *requests
	)
	switch name {
	case "memory":
		p = lock.Bind(lock.NewInMemory(nil), "bench")
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		p = lock.Bind(lock.NewRedis(client, nil), "guard:bench")
		cleanup = func() { _ = client.Close() }
		// Every operation is two round trips; keep the run short.
		ops = min(ops, 20000)
	default:
		kind, err := lock.ParseKind(name)
		if err != nil {
			log.Printf("Unknown target: %s", name)
			return
		}
		p = lock.New(kind)
	}
	if cleanup != nil {
		defer cleanup()
	}

	v := guard.New(0, guard.WithLocker[int](p))
	perWorker := ops / *concurrency
	latencies := make([][]time.Duration, *concurrency)

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < *concurrency; w++ {
		g.Go(func() error {
			lat := make([]time.Duration, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				t0 := time.Now()
				v.Replace(func(n int) int {
					spin(*work)
					return n + 1
				})
				lat = append(lat, time.Since(t0))
			}
			latencies[w] = lat
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	var all []time.Duration
	for _, l := range latencies {
		all = append(all, l...)
	}
	if len(all) == 0 {
		log.Printf("%s: no operations run", name)
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	p99 := all[len(all)*99/100]
	avg := elapsed / time.Duration(len(all))
	throughput := float64(len(all)) / elapsed.Seconds()

	if got := v.Get(); got != len(all) {
		log.Printf("%s: counter mismatch, want %d got %d", name, len(all), got)
	}
	fmt.Printf("| %-10s | %-12.0f | %-12v | %-12v |\n", name, throughput, avg, p99)
}

var sink int

func spin(n int) {
	for i := 0; i < n; i++ {
		sink += i
	}
}
