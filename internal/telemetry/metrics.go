// Package telemetry provides application-level observability for the audit chain service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<AUDITCHAIN_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. It is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Chain append outcomes, optimistic-concurrency conflicts and append latency
//   - Verification results and the number of tenants whose chain is currently broken
//   - Shipper delivery failures and live stream subscribers
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// Tenant IDs are never used as labels. A deployment can hold many thousands of
// tenants; per-tenant detail belongs in the logs, which carry tenant_id.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Chain append metrics — recorded by chain.Appender.
//
// ChainAppendsTotal is a CounterVec with label {outcome}:
//   - "ok":         entry persisted
//   - "invalid":    input rejected before hashing
//   - "encoding":   diff could not be canonically encoded
//   - "contention": retries exhausted
//   - "error":      store failure
//
// ChainAppendConflictsTotal counts every (tenant_id, prev_hash) collision seen by
// the retry loop. A conflict is normal under concurrent writers; a sustained high
// ratio of conflicts to appends means one tenant's tip is hot.
//
// Example PromQL queries:
//   - Conflict ratio:      rate(audit_chain_append_conflicts_total[5m]) / rate(audit_chain_appends_total{outcome="ok"}[5m])
//   - Contention alerts:   increase(audit_chain_appends_total{outcome="contention"}[10m]) > 0
//   - p95 append latency:  histogram_quantile(0.95, rate(audit_chain_append_duration_seconds_bucket[5m]))
var (
	ChainAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_chain_appends_total",
			Help: "Total number of chain append attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	ChainAppendConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_chain_append_conflicts_total",
			Help: "Total number of append conflicts on the tenant chain tip that triggered a retry.",
		},
	)

	ChainAppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_chain_append_duration_seconds",
			Help:    "Latency of a chain append including retries.",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)
)

// Verification metrics — recorded by chain.Verifier and the verification job.
//
// ChainVerificationsTotal is a CounterVec with labels {scope, result}; scope is
// "entry" or "chain", result is "valid", "invalid" or "error".
//
// ChainBrokenTenants is a Gauge set after every verification sweep to the number
// of tenants whose chain failed verification. Anything above zero warrants a page.
//
// ChainVerificationSweepDuration observes one full sweep over all tenants.
//
// Example PromQL queries:
//   - Alert expression:  audit_chain_broken_tenants > 0
var (
	ChainVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_chain_verifications_total",
			Help: "Total number of verifications, by scope (entry, chain) and result.",
		},
		[]string{"scope", "result"},
	)

	ChainBrokenTenants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_chain_broken_tenants",
			Help: "Number of tenants whose chain failed the last verification sweep.",
		},
	)

	ChainVerificationSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_chain_verification_sweep_duration_seconds",
			Help:    "Duration of a full verification sweep over all tenant chains.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Fan-out metrics.
//
// ShipperErrorsTotal is a CounterVec with label {shipper} ("file", "webhook",
// "nats") incremented when an entry could not be delivered to a sink.
//
// ArchivesTotal counts archive uploads by result ("ok", "error").
//
// StreamSubscribers is a Gauge of currently connected websocket subscribers.
var (
	ShipperErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_shipper_errors_total",
			Help: "Total number of entries that could not be delivered, by shipper type.",
		},
		[]string{"shipper"},
	)

	ArchivesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_archives_total",
			Help: "Total number of chain archive uploads, by result.",
		},
		[]string{"result"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_stream_subscribers",
			Help: "Current number of connected live activity stream subscribers.",
		},
	)

	BackgroundPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "background_goroutine_panics_total",
			Help: "Total number of panics recovered in background goroutines.",
		},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <AUDITCHAIN_DATABASE_MAX_CONNECTIONS> * 100
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every interval and updates the DBOpenConnections gauge.
// The goroutine exits when ctx is cancelled or the database becomes unreachable.
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(ctx, database, 30*time.Second)
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
