// Package metrics provides Prometheus instrumentation for the Flotilla engine.
package metrics

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flotilla",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flotilla",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TicketTransitionsTotal counts ticket state transitions.
	TicketTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flotilla",
			Name:      "ticket_transitions_total",
			Help:      "Ticket state transitions by target status.",
		},
		[]string{"to_status"},
	)

	// MintCallsTotal counts backend gateway calls by operation and result.
	MintCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flotilla",
			Name:      "mint_calls_total",
			Help:      "Mint backend calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// MintCallDuration observes backend call latency by operation.
	MintCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flotilla",
			Name:      "mint_call_duration_seconds",
			Help:      "Mint backend call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// NettingRoundsTotal counts netting rounds by mode and outcome.
	NettingRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flotilla",
			Name:      "netting_rounds_total",
			Help:      "Netting rounds by mode (bilateral/multilateral) and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// ObligationsTotal counts settlement obligations by type.
	ObligationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flotilla",
			Name:      "obligations_total",
			Help:      "Settlement obligations recorded by settlement type.",
		},
		[]string{"settlement_type"},
	)

	// DisputesTotal counts dispute resolutions by outcome.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flotilla",
			Name:      "disputes_total",
			Help:      "Dispute resolutions by outcome.",
		},
		[]string{"outcome"},
	)

	// SlashedUnitsTotal accumulates slashed bond units.
	SlashedUnitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flotilla",
			Name:      "slashed_units_total",
			Help:      "Total bond units slashed by arbitration.",
		},
	)

	// ReconcileDiscrepancies counts ledger/backend reconciliation mismatches.
	ReconcileDiscrepancies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flotilla",
			Name:      "reconcile_discrepancies_total",
			Help:      "Ledger vs mint backend reconciliation discrepancies.",
		},
	)

	// ActiveWebSocketClients tracks connected realtime subscribers.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flotilla",
			Name:      "websocket_clients",
			Help:      "Currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TicketTransitionsTotal,
		MintCallsTotal,
		MintCallDuration,
		NettingRoundsTotal,
		ObligationsTotal,
		DisputesTotal,
		SlashedUnitsTotal,
		ReconcileDiscrepancies,
		ActiveWebSocketClients,
	)
}

// Middleware instruments gin requests with count and duration metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RegisterDBStats exposes database/sql pool stats as gauges.
func RegisterDBStats(db *sql.DB) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "flotilla",
			Name:      "db_open_connections",
			Help:      "Open database connections.",
		},
		func() float64 { return float64(db.Stats().OpenConnections) },
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "flotilla",
			Name:      "db_in_use_connections",
			Help:      "Database connections currently in use.",
		},
		func() float64 { return float64(db.Stats().InUse) },
	))
}
