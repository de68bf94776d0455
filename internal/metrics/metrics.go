// Package metrics provides Prometheus metrics for docsplit
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for docsplit
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Save pipeline metrics
	SavesTotal             *prometheus.CounterVec
	SessionsSubmittedTotal prometheus.Counter
	SessionsTerminalTotal  *prometheus.CounterVec
	SessionPollsTotal      *prometheus.CounterVec
	PagesRenderedTotal     prometheus.Counter
	OpenDocuments          prometheus.Gauge

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates all metrics and registers them on reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// gRPC request metrics
	m.GrpcRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsplit_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsplit_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsplit_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	// Save pipeline metrics
	m.SavesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsplit_saves_total",
			Help: "Total number of save requests by classification and status",
		},
		[]string{"kind", "status"},
	)

	m.SessionsSubmittedTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "docsplit_sessions_submitted_total",
			Help: "Total number of processing sessions submitted",
		},
	)

	m.SessionsTerminalTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsplit_sessions_terminal_total",
			Help: "Total number of processing sessions that reached a terminal state",
		},
		[]string{"status"},
	)

	m.SessionPollsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsplit_session_polls_total",
			Help: "Total number of session status polls by outcome",
		},
		[]string{"outcome"},
	)

	m.PagesRenderedTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "docsplit_pages_rendered_total",
			Help: "Total number of pages rendered by the local processor",
		},
	)

	m.OpenDocuments = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsplit_open_documents",
			Help: "Number of documents with an open manipulation state",
		},
	)

	// Store metrics
	m.StoreOperationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsplit_store_operations_total",
			Help: "Total number of repository operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsplit_store_operation_duration_seconds",
			Help:    "Duration of repository operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// Server metrics
	m.ServerUptimeSeconds = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsplit_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime updates the uptime gauge every interval until stop is closed
func (m *Metrics) RunUptime(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		case <-stop:
			return
		}
	}
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordSave records one save request
func (m *Metrics) RecordSave(kind string, err error) {
	m.SavesTotal.WithLabelValues(kind, statusOf(err)).Inc()
}

// RecordSessionSubmitted counts an accepted submission
func (m *Metrics) RecordSessionSubmitted() {
	m.SessionsSubmittedTotal.Inc()
}

// RecordSessionTerminal counts a session that finished
func (m *Metrics) RecordSessionTerminal(status string) {
	m.SessionsTerminalTotal.WithLabelValues(status).Inc()
}

// RecordPoll counts one status poll
func (m *Metrics) RecordPoll(err error) {
	m.SessionPollsTotal.WithLabelValues(statusOf(err)).Inc()
}

// RecordPagesRendered counts rendered pages
func (m *Metrics) RecordPagesRendered(n int) {
	m.PagesRenderedTotal.Add(float64(n))
}

// RecordStoreOperation records a repository operation
func (m *Metrics) RecordStoreOperation(operation string, status string, duration time.Duration) {
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
