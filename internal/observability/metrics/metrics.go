package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes counters for the session engine.
type Metrics struct {
	sessionsStarted *prometheus.CounterVec
	sessionsEnded   *prometheus.CounterVec
	billingTicks    prometheus.Counter
	settlements     *prometheus.CounterVec
	signalingEvents *prometheus.CounterVec
	walletOps       *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		sessionsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_sessions_started_total",
			Help: "Sessions that entered active billing",
		}, []string{"kind"}),
		sessionsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_sessions_ended_total",
			Help: "Sessions that reached a terminal status",
		}, []string{"status"}),
		billingTicks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consult_billing_ticks_total",
			Help: "Billing ticks applied across all sessions",
		}),
		settlements: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_settlements_total",
			Help: "Settlement attempts by result",
		}, []string{"result"}),
		signalingEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_signaling_events_total",
			Help: "Signaling events relayed by kind",
		}, []string{"event"}),
		walletOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_wallet_operations_total",
			Help: "Wallet ledger operations by category and result",
		}, []string{"operation", "result"}),
	}
}

func (m *Metrics) SessionStarted(kind string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionEnded(status string) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(status).Inc()
}

func (m *Metrics) BillingTick() {
	if m == nil {
		return
	}
	m.billingTicks.Inc()
}

func (m *Metrics) Settlement(result string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(result).Inc()
}

func (m *Metrics) SignalingEvent(event string) {
	if m == nil {
		return
	}
	m.signalingEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) WalletOp(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.walletOps.WithLabelValues(operation, result).Inc()
}

// HTTPMetrics instruments the gin surface.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func NewHTTPMetrics() *HTTPMetrics {
	return &HTTPMetrics{
		requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consult_http_request_duration_seconds",
			Help:    "Request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}
}

func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if strings.TrimSpace(route) == "" {
			route = "unknown"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.latency.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
