package metrics

import (
	"net/http"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Tokens
	TokenRefresh = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "token_refresh_total", Help: "Access token refresh attempts."},
		[]string{"result"}, // ok | rejected | conflict | error
	)

	// Dispatcher
	DispatchTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_ticks_total", Help: "Dispatcher ticks."},
		[]string{"result"}, // ok | skipped | error
	)
	DispatchMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_messages_total", Help: "Dispatched message outcomes."},
		[]string{"outcome"}, // sent | retried | failed | stale | handed_off
	)
	DispatchTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_tick_duration_seconds",
			Help:    "Duration of a dispatcher tick.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
)

// Registry holds process and app collectors. Default registry is not used
var Registry = prometheus.NewRegistry()

var registerOnce sync.Once

// Register default + our collectors. Safe to call many times
func MustRegister() {
	registerOnce.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			HTTPRequests, HTTPDuration,
			TokenRefresh,
			DispatchTicks, DispatchMessages, DispatchTickDuration,
		)
	})
}

// Handler to expose registry in prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Export pgxpool stats, read on every scrape
// Returned func unregisters them once the pool is closed
func RegisterPool(pool *pgxpool.Pool) (unregister func()) {
	cs := []prometheus.Collector{
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "db_pool_conns", Help: "Total connections in pool."},
			func() float64 { return float64(pool.Stat().TotalConns()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "db_pool_idle_conns", Help: "Idle connections in pool."},
			func() float64 { return float64(pool.Stat().IdleConns()) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "db_pool_acquires_total", Help: "Total pool acquires."},
			func() float64 { return float64(pool.Stat().AcquireCount()) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies."},
			func() float64 { return pool.Stat().AcquireDuration().Seconds() },
		),
	}
	Registry.MustRegister(cs...)

	return func() {
		for _, c := range cs {
			Registry.Unregister(c)
		}
	}
}
