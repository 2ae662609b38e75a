package observability

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are registered on an injected registerer so tests can use a
// fresh registry. Until Init runs, every helper is a no-op.

type set struct {
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	cacheResults  *prometheus.CounterVec
	storeOps      *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec
	resolverDur   *prometheus.HistogramVec
	evicted       prometheus.Counter
	eventsDropped prometheus.Counter
}

var current atomic.Pointer[set]

func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		current.Store(nil)
		return
	}

	s := &set{
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			},
			[]string{"method", "route", "status"},
		),
		cacheResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_results_total",
				Help: "Lookup outcomes against the place cache.",
			},
			[]string{"outcome"},
		),
		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_op_total",
				Help: "Cache store operations by op and status.",
			},
			[]string{"op", "status"},
		),
		storeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_operation_duration_seconds",
				Help:    "Duration of cache store operations in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~8s
			},
			[]string{"op"},
		),
		resolverDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resolver_latency_seconds",
				Help:    "Latency of resolver lookups in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"driver"},
		),
		evicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "records_evicted_total",
				Help: "Cache records removed by eviction.",
			},
		),
		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lookup_events_dropped_total",
				Help: "Lookup events dropped because the publish buffer was full.",
			},
		),
	}

	reg.MustRegister(
		s.httpRequests, s.httpDuration, s.cacheResults,
		s.storeOps, s.storeDuration, s.resolverDur,
		s.evicted, s.eventsDropped,
	)
	current.Store(s)
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	s := current.Load()
	if s == nil {
		return
	}
	st := strconv.Itoa(status)
	s.httpRequests.WithLabelValues(method, route, st).Inc()
	s.httpDuration.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveStoreOp(op string, err error, durationSeconds float64) {
	s := current.Load()
	if s == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.storeOps.WithLabelValues(op, status).Inc()
	s.storeDuration.WithLabelValues(op).Observe(durationSeconds)
}

func ObserveResolver(driver string, durationSeconds float64) {
	s := current.Load()
	if s == nil {
		return
	}
	s.resolverDur.WithLabelValues(driver).Observe(durationSeconds)
}

// IncCacheResult records a lookup outcome: "hit", "miss", "bypass" or
// "error" (store unreachable, continued on the miss path).
func IncCacheResult(outcome string) {
	s := current.Load()
	if s == nil {
		return
	}
	s.cacheResults.WithLabelValues(outcome).Inc()
}

func AddEvicted(n int64) {
	s := current.Load()
	if s == nil || n <= 0 {
		return
	}
	s.evicted.Add(float64(n))
}

func IncEventDropped() {
	s := current.Load()
	if s == nil {
		return
	}
	s.eventsDropped.Inc()
}
