package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type brokerMetrics struct {
	toolCallTotal    *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolListTotal    *prometheus.CounterVec

	healthProbeTotal    *prometheus.CounterVec
	healthProbeDuration *prometheus.HistogramVec
	healthCacheHits     prometheus.Counter

	activeConnections prometheus.Gauge
	connectionDrops   *prometheus.CounterVec

	activeUpstreamSessions prometheus.Gauge
	sessionsSweptTotal     prometheus.Counter

	tenantLockWait *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *brokerMetrics
)

func getMetrics() *brokerMetrics {
	metricsOnce.Do(func() {
		m := &brokerMetrics{
			toolCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_call_total",
					Help: "Total tool calls by provider, tool and status.",
				},
				[]string{"provider", "tool", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_call_duration_seconds",
					Help:    "Tool call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolListTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_list_total",
					Help: "Total tool discovery fetches by provider and status.",
				},
				[]string{"provider", "status"},
			),
			healthProbeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "health_probe_total",
					Help: "Total health probes by provider and verdict.",
				},
				[]string{"provider", "status"},
			),
			healthProbeDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "health_probe_duration_seconds",
					Help:    "Health probe duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			healthCacheHits: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "health_cache_hits_total",
					Help: "Health checks answered from the TTL cache.",
				},
			),
			activeConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "provider_connections_active",
					Help: "Current live provider connections.",
				},
			),
			connectionDrops: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_connection_drops_total",
					Help: "Total dropped provider connections by provider.",
				},
				[]string{"provider"},
			),
			activeUpstreamSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "upstream_sessions_active",
					Help: "Current non-expired upstream sessions.",
				},
			),
			sessionsSweptTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "upstream_sessions_swept_total",
					Help: "Expired upstream sessions removed by the sweeper.",
				},
			),
			tenantLockWait: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tenant_lock_wait_seconds",
					Help:    "Time spent waiting for the tenant mutex.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"key"},
			),
		}

		prometheus.MustRegister(
			m.toolCallTotal,
			m.toolCallDuration,
			m.toolListTotal,
			m.healthProbeTotal,
			m.healthProbeDuration,
			m.healthCacheHits,
			m.activeConnections,
			m.connectionDrops,
			m.activeUpstreamSessions,
			m.sessionsSweptTotal,
			m.tenantLockWait,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordToolCall(providerID, tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolCallTotal.WithLabelValues(providerID, tool, status).Inc()
	m.toolCallDuration.WithLabelValues(providerID).Observe(duration.Seconds())
}

func RecordToolList(providerID string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().toolListTotal.WithLabelValues(providerID, status).Inc()
}

func RecordHealthProbe(providerID, status string, duration time.Duration) {
	m := getMetrics()
	m.healthProbeTotal.WithLabelValues(providerID, status).Inc()
	m.healthProbeDuration.WithLabelValues(providerID).Observe(duration.Seconds())
}

func RecordHealthCacheHit() {
	getMetrics().healthCacheHits.Inc()
}

func SetActiveConnections(n int) {
	getMetrics().activeConnections.Set(float64(n))
}

func RecordConnectionDrop(providerID string) {
	getMetrics().connectionDrops.WithLabelValues(providerID).Inc()
}

func SetActiveUpstreamSessions(n int) {
	getMetrics().activeUpstreamSessions.Set(float64(n))
}

func RecordSessionsSwept(n int) {
	getMetrics().sessionsSweptTotal.Add(float64(n))
}

func RecordTenantLockWait(key string, wait time.Duration) {
	getMetrics().tenantLockWait.WithLabelValues(key).Observe(wait.Seconds())
}
