// Package metrics exposes the daemon's Prometheus collectors. Everything
// registers on the default registry; Handler serves it for /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsStarted counts session starts. Labels: client, recovered
	// ("true" when the start came through the recovery path).
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "useai",
		Subsystem: "sessions",
		Name:      "started_total",
		Help:      "Sessions started",
	}, []string{"client", "recovered"})

	// SessionsSealed counts seals. Labels: variant (organic, auto,
	// recovered).
	SessionsSealed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "useai",
		Subsystem: "sessions",
		Name:      "sealed_total",
		Help:      "Sessions sealed",
	}, []string{"variant"})

	// OpenSessions tracks the number of in-memory session contexts.
	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "useai",
		Subsystem: "sessions",
		Name:      "open",
		Help:      "Open session contexts",
	})

	// RecordsAppended counts chain records written. Labels: type.
	RecordsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "useai",
		Subsystem: "chain",
		Name:      "records_total",
		Help:      "Chain records appended",
	}, []string{"type"})

	// AppendErrors counts failed chain writes.
	AppendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "useai",
		Subsystem: "chain",
		Name:      "append_errors_total",
		Help:      "Failed chain appends",
	})

	// SealDuration measures end-to-end seal latency, milestone appends
	// through index upsert.
	SealDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "useai",
		Subsystem: "sessions",
		Name:      "seal_duration_seconds",
		Help:      "Seal latency in seconds",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// OrphansSealed counts chains sealed by the orphan sweep.
	OrphansSealed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "useai",
		Subsystem: "sweep",
		Name:      "orphans_sealed_total",
		Help:      "Orphaned chains sealed by the sweep",
	})

	// Heartbeats counts heartbeat records accepted.
	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "useai",
		Subsystem: "sessions",
		Name:      "heartbeats_total",
		Help:      "Heartbeats accepted",
	})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
