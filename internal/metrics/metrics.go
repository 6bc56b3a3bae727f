// Package metrics provides Prometheus instrumentation for the TaskPay engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskpay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrderTransitionsTotal counts order state transitions by target status.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpay",
			Name:      "order_transitions_total",
			Help:      "Total order state transitions by target status.",
		},
		[]string{"to"},
	)

	// TransitionConflictsTotal counts conditional writes lost to a
	// concurrent transition.
	TransitionConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpay",
		Name:      "transition_conflicts_total",
		Help:      "Total order transitions rejected by the conditional status check.",
	})

	// SettlementsTotal counts settlement operations by kind and result.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpay",
			Name:      "settlements_total",
			Help:      "Total settlement operations by kind (payout, refund, record) and result.",
		},
		[]string{"kind", "result"},
	)

	// SettlementDuration observes end-to-end settlement latency including
	// confirmation wait.
	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskpay",
		Name:      "settlement_duration_seconds",
		Help:      "Settlement duration from send to confirmation in seconds.",
		Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
	})

	// MatchesTotal counts matching outcomes.
	MatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpay",
			Name:      "matches_total",
			Help:      "Total matching attempts by outcome (matched, queued, none).",
		},
		[]string{"outcome"},
	)

	// QueueDepth tracks queued orders per agent availability snapshot.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskpay",
		Name:      "queue_depth",
		Help:      "Total orders currently queued across all agents.",
	})

	// PairingRollbacksTotal counts pairings rolled back on TTL expiry.
	PairingRollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpay",
		Name:      "pairing_rollbacks_total",
		Help:      "Total pairing offers rolled back after the TTL expired.",
	})

	// PaymentVerificationsTotal counts payment checks by outcome.
	PaymentVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpay",
			Name:      "payment_verifications_total",
			Help:      "Total payment verifications by outcome.",
		},
		[]string{"outcome"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskpay",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskpay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskpay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskpay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskpay", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskpay", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskpay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrderTransitionsTotal,
		TransitionConflictsTotal,
		SettlementsTotal,
		SettlementDuration,
		MatchesTotal,
		QueueDepth,
		PairingRollbacksTotal,
		PaymentVerificationsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
