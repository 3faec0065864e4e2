// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)

	// RunsTotal counts finished optimizer runs by final run status
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimizer_runs_total", Help: "Finished optimizer runs by status."},
		[]string{"status"},
	)
	// RunsActive is the number of runs currently executing
	RunsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "optimizer_runs_active", Help: "Optimizer runs currently executing."},
	)
	// QueueDepth is the number of runs waiting for a worker
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "optimizer_queue_depth", Help: "Optimizer runs waiting for a worker."},
	)
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "optimizer_run_duration_seconds", Help: "Wall time of optimizer runs.", Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 7200}},
	)
	RunIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "optimizer_run_iterations", Help: "Iterations completed per optimizer run.", Buckets: prometheus.ExponentialBuckets(10, 4, 7)},
	)
	// WiredShare is the fraction of network length wired in each result
	WiredShare = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "optimizer_wired_share", Help: "Wired fraction of total network length per result.", Buckets: prometheus.LinearBuckets(0.1, 0.1, 10)},
	)
)

// RegisterDefault registers collectors to Registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(RunsTotal, RunsActive, QueueDepth, RunDuration, RunIterations, WiredShare)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
