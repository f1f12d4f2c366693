package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	paymentsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_created_total",
			Help: "Total number of payment creation attempts",
		},
		[]string{"outcome"},
	)

	webhooksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_processed_total",
			Help: "Total number of payment status notifications processed",
		},
		[]string{"result"},
	)

	commissionsAccruedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "commissions_accrued_total",
			Help: "Total number of referral commissions accrued",
		},
	)

	paymentEventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_events_consumed_total",
			Help: "Total number of payment events consumed from Kafka",
		},
		[]string{"result"},
	)

	circuitBreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_open",
			Help: "Whether the payment service circuit breaker is open (1) or closed (0)",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(paymentsCreatedTotal)
	prometheus.MustRegister(webhooksProcessedTotal)
	prometheus.MustRegister(commissionsAccruedTotal)
	prometheus.MustRegister(paymentEventsConsumedTotal)
	prometheus.MustRegister(circuitBreakerOpen)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordPaymentCreated(outcome string) {
	paymentsCreatedTotal.WithLabelValues(outcome).Inc()
}

func RecordWebhookProcessed(result string) {
	webhooksProcessedTotal.WithLabelValues(result).Inc()
}

func RecordCommissionAccrued() {
	commissionsAccruedTotal.Inc()
}

func RecordPaymentEventConsumed(result string) {
	paymentEventsConsumedTotal.WithLabelValues(result).Inc()
}

func SetCircuitBreakerOpen(open bool) {
	if open {
		circuitBreakerOpen.Set(1)
	} else {
		circuitBreakerOpen.Set(0)
	}
}
