package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks the number of successful acquisitions per primitive.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_acquire_total",
		Help: "Total number of lock acquisitions",
	}, []string{"lock"})
	// ContendedCounter tracks acquisitions that had to wait for another holder.
	ContendedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_contended_total",
		Help: "Total number of lock acquisitions that found the lock held",
	}, []string{"lock"})
	// WaitHistogram observes how long callers waited in Acquire.
	WaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guard_wait_seconds",
		Help:    "Time spent waiting to acquire a lock",
		Buckets: prometheus.ExponentialBuckets(1e-7, 4, 12),
	}, []string{"lock"})
	// HoldHistogram observes how long a lock was held.
	HoldHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guard_hold_seconds",
		Help:    "Time a lock was held between Acquire and Release",
		Buckets: prometheus.ExponentialBuckets(1e-7, 4, 12),
	}, []string{"lock"})
	// RemoteLockCounter tracks keyed lock operations by backend and outcome.
	RemoteLockCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_remote_lock_total",
		Help: "Total number of keyed lock operations",
	}, []string{"backend", "op", "result"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock collectors on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ContendedCounter, WaitHistogram, HoldHistogram, RemoteLockCounter)
}
