// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the backend.
type Metrics struct {
	// Session metrics
	ConnectionsTotal    prometheus.Counter
	DisconnectionsTotal prometheus.Counter
	ActiveConnections   prometheus.Gauge
	MessagesSent        *prometheus.CounterVec
	SendErrors          prometheus.Counter

	// Event bus metrics
	EventsEmitted   *prometheus.CounterVec
	EventsDelivered prometheus.Counter
	EventsDropped   prometheus.Counter

	// Queue metrics
	JobsEnqueued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec

	// Pipeline metrics
	ExecutionsTotal *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec

	// HTTP metrics
	RequestDuration *prometheus.HistogramVec
	RateLimited     prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers all metrics on the given registerer; tests pass a
// fresh prometheus.NewRegistry to avoid duplicate registration.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ws_connections_total",
			Help: "Total websocket connections accepted",
		}),
		DisconnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ws_disconnections_total",
			Help: "Total websocket disconnections",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Currently connected websocket sessions",
		}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_messages_sent_total",
			Help: "Messages written to websocket sessions",
		}, []string{"kind"}), // kind: event, response
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "ws_send_errors_total",
			Help: "Failed websocket sends (full buffer or closed session)",
		}),

		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "events_emitted_total",
			Help: "Events accepted by the bus",
		}, []string{"type"}),
		EventsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "events_delivered_total",
			Help: "Event deliveries to subscribers",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Events dropped because the bus queue was full or stopped",
		}),

		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_enqueued_total",
			Help: "Jobs pushed onto the task queue",
		}, []string{"type"}),
		JobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Jobs finished by workers",
		}, []string{"type", "status"}), // status: completed, failed, timeout, cancelled
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current queue depth by segment",
		}, []string{"segment"}), // segment: pending, processing, dlq

		ExecutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_executions_total",
			Help: "Pipeline executions by final status",
		}, []string{"status"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Wall time of individual pipeline stages",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status class",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
}

// RecordConnect tracks a new websocket session.
func (m *Metrics) RecordConnect() {
	m.ConnectionsTotal.Inc()
	m.ActiveConnections.Inc()
}

// RecordDisconnect tracks a closed websocket session.
func (m *Metrics) RecordDisconnect() {
	m.DisconnectionsTotal.Inc()
	m.ActiveConnections.Dec()
}

// RecordSend tracks one outbound websocket message.
func (m *Metrics) RecordSend(kind string, ok bool) {
	if ok {
		m.MessagesSent.WithLabelValues(kind).Inc()
	} else {
		m.SendErrors.Inc()
	}
}

// RecordQueueStats updates the queue depth gauges from a stats snapshot.
func (m *Metrics) RecordQueueStats(pending, processing, dlq int64) {
	m.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	m.QueueDepth.WithLabelValues("processing").Set(float64(processing))
	m.QueueDepth.WithLabelValues("dlq").Set(float64(dlq))
}
