package lock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-guard/v1/metrics"
)

// Instrumented decorates a Primitive with Prometheus metrics. Acquisitions,
// contention, wait time and hold time are recorded under the given lock name
// in the collectors of the metrics package.
type Instrumented struct {
	p Primitive

	acquired  prometheus.Counter
	contended prometheus.Counter
	wait      prometheus.Observer
	hold      prometheus.Observer

	// since is written by the holder only.
	since time.Time
}

// Instrument wraps p so that its use is reported under name. Register the
// collectors once with metrics.RegisterLockMetrics to export them.
func Instrument(p Primitive, name string) *Instrumented {
	return &Instrumented{
		p:         p,
		acquired:  metrics.AcquireCounter.WithLabelValues(name),
		contended: metrics.ContendedCounter.WithLabelValues(name),
		wait:      metrics.WaitHistogram.WithLabelValues(name),
		hold:      metrics.HoldHistogram.WithLabelValues(name),
	}
}

// depther is implemented by primitives the holder may acquire more than once.
type depther interface {
	Depth() int
}

// nested reports whether the caller holds p more than once.
func (i *Instrumented) nested() bool {
	d, ok := i.p.(depther)
	return ok && d.Depth() > 1
}

// Acquire implements Primitive. Primitives that support TryAcquire are probed
// first so that uncontended acquisitions are not counted as waits. Nested
// acquisitions of a reentrant primitive are counted, but only the outermost
// one is timed.
func (i *Instrumented) Acquire() {
	if tp, ok := i.p.(TryPrimitive); ok && tp.TryAcquire() {
		i.acquired.Inc()
		if i.nested() {
			return
		}
		i.wait.Observe(0)
		i.since = time.Now()
		return
	}
	i.contended.Inc()
	start := time.Now()
	i.p.Acquire()
	now := time.Now()
	i.acquired.Inc()
	if i.nested() {
		return
	}
	i.wait.Observe(now.Sub(start).Seconds())
	i.since = now
}

// Release implements Primitive.
func (i *Instrumented) Release() {
	if i.nested() {
		i.p.Release()
		return
	}
	held := time.Since(i.since)
	i.p.Release()
	i.hold.Observe(held.Seconds())
}

// Unwrap returns the decorated primitive.
func (i *Instrumented) Unwrap() Primitive { return i.p }
