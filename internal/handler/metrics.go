package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	admpAgentsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "admp_agents_total",
		Help: "Registered agents by heartbeat status.",
	}, []string{"status"})

	admpMessagesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "admp_messages_total",
		Help: "Stored messages by inbox status.",
	}, []string{"status"})

	admpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_requests_total",
		Help: "HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	admpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "admp_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	admpMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_messages_sent_total",
		Help: "Messages accepted by the send path.",
	})

	admpWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_webhook_deliveries_total",
		Help: "Webhook deliveries by final outcome.",
	}, []string{"status"})

	admpSweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_sweep_runs_total",
		Help: "Background sweep executions by job and outcome.",
	}, []string{"job", "outcome"})
)

// PrometheusMiddleware records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		admpRequestsTotal.WithLabelValues(method, path, status).Inc()
		admpRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler serves the Prometheus exposition endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordMessageSent counts an accepted send.
func RecordMessageSent() {
	admpMessagesSent.Inc()
}

// RecordWebhookDelivery records a webhook delivery outcome.
func RecordWebhookDelivery(success bool) {
	if success {
		admpWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		admpWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordSweep records one background sweep run.
func RecordSweep(job string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	admpSweepRuns.WithLabelValues(job, outcome).Inc()
}

// SetAgentsGauge sets the agent count for a heartbeat status.
func SetAgentsGauge(status string, count float64) {
	admpAgentsTotal.WithLabelValues(status).Set(count)
}

// SetMessagesGauge sets the message count for an inbox status.
func SetMessagesGauge(status string, count float64) {
	admpMessagesTotal.WithLabelValues(status).Set(count)
}
