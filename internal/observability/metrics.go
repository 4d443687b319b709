// Package observability wraps Prometheus metrics and OpenTelemetry
// tracing behind small typed APIs the core components call directly,
// so instrumentation never leaks raw prometheus/otel types into
// store, realtime, sync, or scheduler.
package observability

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds every Prometheus collector the core emits.
type Metrics struct {
	dbQueriesTotal  *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec
	dbConnections   prometheus.Gauge

	realtimeConnections      prometheus.Gauge
	realtimeSubscriptions    prometheus.Gauge
	realtimePushesTotal      *prometheus.CounterVec
	realtimeConnectionErrors *prometheus.CounterVec

	schedulerQueueDepth       prometheus.Gauge
	schedulerDispatchTotal    *prometheus.CounterVec
	schedulerDispatchDuration *prometheus.HistogramVec
	schedulerRetriesTotal     prometheus.Counter

	syncConflictsTotal *prometheus.CounterVec
}

// NewMetrics returns the process-wide Metrics singleton, registering
// collectors on first call.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = createMetrics()
	})
	return metricsInstance
}

func createMetrics() *Metrics {
	return &Metrics{
		dbQueriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_store_queries_total",
				Help: "Total number of DocumentStore queries by operation and outcome.",
			},
			[]string{"operation", "table", "status"},
		),
		dbQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_store_query_duration_seconds",
				Help:    "DocumentStore query latency in seconds.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"operation", "table"},
		),
		dbConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_store_pool_connections",
			Help: "Current number of acquired storage connections.",
		}),

		realtimeConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_realtime_connections",
			Help: "Current number of live client sessions.",
		}),
		realtimeSubscriptions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_realtime_subscriptions",
			Help: "Current number of registered subscriptions.",
		}),
		realtimePushesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_realtime_pushes_total",
				Help: "Total number of update frames pushed to clients.",
			},
			[]string{"outcome"},
		),
		realtimeConnectionErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_realtime_connection_errors_total",
				Help: "Total number of connection-level errors (slow client, write failure).",
			},
			[]string{"type"},
		),

		schedulerQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_scheduler_queue_depth",
			Help: "Current number of pending scheduled functions.",
		}),
		schedulerDispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_scheduler_dispatch_total",
				Help: "Total number of scheduled function dispatch attempts by outcome.",
			},
			[]string{"outcome"},
		),
		schedulerDispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_scheduler_dispatch_duration_seconds",
				Help:    "Scheduled function dispatch latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		schedulerRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nexus_scheduler_retries_total",
			Help: "Total number of scheduled function retries.",
		}),

		syncConflictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_sync_conflicts_total",
				Help: "Total number of detected sync conflicts by kind.",
			},
			[]string{"kind", "strategy"},
		),
	}
}

// RecordStoreQuery records a DocumentStore operation's latency and
// outcome.
func (m *Metrics) RecordStoreQuery(operation, table string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueriesTotal.WithLabelValues(operation, table, status).Inc()
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// UpdateStorePoolStats updates the acquired-connection gauge.
func (m *Metrics) UpdateStorePoolStats(acquired int32) {
	m.dbConnections.Set(float64(acquired))
}

// UpdateRealtimeStats updates the connection/subscription gauges.
func (m *Metrics) UpdateRealtimeStats(connections, subscriptions int) {
	m.realtimeConnections.Set(float64(connections))
	m.realtimeSubscriptions.Set(float64(subscriptions))
}

// RecordRealtimePush records a push outcome ("sent", "coalesced", "dropped").
func (m *Metrics) RecordRealtimePush(outcome string) {
	m.realtimePushesTotal.WithLabelValues(outcome).Inc()
}

// RecordRealtimeError records a connection-level error by type
// ("slow_client", "write_failure", "protocol").
func (m *Metrics) RecordRealtimeError(errType string) {
	m.realtimeConnectionErrors.WithLabelValues(errType).Inc()
}

// UpdateSchedulerQueueDepth updates the pending-row gauge.
func (m *Metrics) UpdateSchedulerQueueDepth(depth int) {
	m.schedulerQueueDepth.Set(float64(depth))
}

// RecordSchedulerDispatch records one dispatch attempt.
func (m *Metrics) RecordSchedulerDispatch(outcome string, duration time.Duration) {
	m.schedulerDispatchTotal.WithLabelValues(outcome).Inc()
	m.schedulerDispatchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordSchedulerRetry increments the retry counter.
func (m *Metrics) RecordSchedulerRetry() {
	m.schedulerRetriesTotal.Inc()
}

// RecordSyncConflict records a detected conflict by kind and the
// strategy used to resolve it.
func (m *Metrics) RecordSyncConflict(kind, strategy string) {
	m.syncConflictsTotal.WithLabelValues(kind, strategy).Inc()
}

// Handler exposes the Prometheus scrape endpoint as a fiber.Handler.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
