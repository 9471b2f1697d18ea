// Package metrics provides Prometheus instrumentation for the receipt escrow service.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "receiptescrow"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SellersRegisteredTotal counts sellers with a deployed escrow contract.
	SellersRegisteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sellers_registered_total",
		Help:      "Total sellers registered with a deployed contract.",
	})

	// ReceiptsIssuedTotal counts receipts recorded after a mined issue transaction.
	ReceiptsIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receipts_issued_total",
		Help:      "Total receipts issued on-chain and recorded.",
	})

	// ReceiptTransitionsTotal counts status transitions by target status.
	ReceiptTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_transitions_total",
			Help:      "Total receipt status transitions by target status.",
		},
		[]string{"status"},
	)

	// RejectionsTotal counts business-level rejections by operation and code.
	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Total rejected operations by operation and reason code.",
		},
		[]string{"op", "code"},
	)

	// ChainCallDuration observes contract gateway call latency.
	ChainCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_call_duration_seconds",
			Help:      "Contract gateway call duration in seconds, including mining.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"op"},
	)

	// ChainErrorsTotal counts infrastructure failures talking to the node.
	ChainErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_errors_total",
			Help:      "Total chain infrastructure errors by operation.",
		},
		[]string{"op"},
	)

	// StoreDivergenceTotal counts chain-accepted operations that could not be recorded.
	StoreDivergenceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_divergence_total",
			Help:      "Chain-accepted operations whose record write failed.",
		},
		[]string{"op"},
	)

	// RateLimitedTotal counts requests refused by the write rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total requests refused by the rate limiter by path pattern.",
		},
		[]string{"path"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SellersRegisteredTotal,
		ReceiptsIssuedTotal,
		ReceiptTransitionsTotal,
		RejectionsTotal,
		ChainCallDuration,
		ChainErrorsTotal,
		StoreDivergenceTotal,
		RateLimitedTotal,
		ActiveWebSocketClients,
	)
}

// RegisterDB exports db's connection pool stats. Registering the same
// pool twice is not an error.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var dup prometheus.AlreadyRegisteredError
	if errors.As(err, &dup) {
		return nil
	}
	return err
}

// Middleware records request count and latency per route pattern.
// Requests that match no route share the "unmatched" label.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusBucket collapses a status code to its class, e.g. 404 to "4xx".
func statusBucket(code int) string {
	class := code / 100
	if class < 1 {
		class = 1
	} else if class > 5 {
		class = 5
	}
	return strconv.Itoa(class) + "xx"
}
