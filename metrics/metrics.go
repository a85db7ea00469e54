// Package metrics holds the relay's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction label values.
const (
	DirectionToAgent     = "to_agent"
	DirectionToTelephony = "to_telephony"
)

// Drop reason label values.
const (
	ReasonNotBridged = "not_bridged"
	ReasonMalformed  = "malformed"
	ReasonQueueFull  = "queue_full"
)

// Metrics tracks bridged calls.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	m.SessionStarted()
//	defer m.SessionEnded(time.Since(start), "stop")
type Metrics struct {
	// SessionsTotal counts sessions by how they ended.
	// Labels: reason (event that started teardown)
	SessionsTotal *prometheus.CounterVec

	// ActiveSessions is the number of sessions between start and close.
	ActiveSessions prometheus.Gauge

	// SessionDuration measures session lifetime in seconds.
	// Buckets: 5s, 15s, 30s, 60s, 120s, 300s, 600s, 1800s, 3600s
	SessionDuration prometheus.Histogram

	// AgentHandshakeDuration measures the time from stream start to agent ready.
	// Buckets: 0.1s, 0.25s, 0.5s, 1s, 2s, 5s, 10s, 15s
	AgentHandshakeDuration prometheus.Histogram

	// AgentFailures counts agent legs that never became ready or dropped.
	// Labels: stage (dial|handshake|converter)
	AgentFailures *prometheus.CounterVec

	// FramesForwarded counts audio frames relayed between legs.
	// Labels: direction (to_agent|to_telephony)
	FramesForwarded *prometheus.CounterVec

	// FramesDropped counts audio frames that were not relayed.
	// Labels: direction, reason (not_bridged|malformed|queue_full)
	FramesDropped *prometheus.CounterVec

	// DuplicateStreams counts registry uniqueness violations.
	DuplicateStreams prometheus.Counter

	// CallsPlaced counts outbound call requests.
	// Labels: status (success|error)
	CallsPlaced *prometheus.CounterVec

	// WebhookRequests counts HTTP requests to the webhook endpoints.
	// Labels: path, status_code
	WebhookRequests *prometheus.CounterVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnivoice_bridge_sessions_total",
				Help: "Total number of sessions by teardown reason",
			},
			[]string{"reason"},
		),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "omnivoice_bridge_active_sessions",
			Help: "Current number of active sessions",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "omnivoice_bridge_session_duration_seconds",
			Help:    "Session lifetime in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		AgentHandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "omnivoice_bridge_agent_handshake_seconds",
			Help:    "Time from stream start until the agent is ready",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		}),
		AgentFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnivoice_bridge_agent_failures_total",
				Help: "Agent connections that failed by stage",
			},
			[]string{"stage"},
		),
		FramesForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnivoice_bridge_frames_forwarded_total",
				Help: "Audio frames relayed by direction",
			},
			[]string{"direction"},
		),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnivoice_bridge_frames_dropped_total",
				Help: "Audio frames dropped by direction and reason",
			},
			[]string{"direction", "reason"},
		),
		DuplicateStreams: factory.NewCounter(prometheus.CounterOpts{
			Name: "omnivoice_bridge_duplicate_streams_total",
			Help: "Sessions aborted because their stream SID was already registered",
		}),
		CallsPlaced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnivoice_bridge_calls_placed_total",
				Help: "Outbound calls requested by status",
			},
			[]string{"status"},
		),
		WebhookRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnivoice_bridge_webhook_requests_total",
				Help: "Webhook requests by path and status code",
			},
			[]string{"path", "status_code"},
		),
	}
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded records a finished session.
func (m *Metrics) SessionEnded(lifetime time.Duration, reason string) {
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(lifetime.Seconds())
	m.SessionsTotal.WithLabelValues(reason).Inc()
}

// FrameForwarded counts one relayed frame.
func (m *Metrics) FrameForwarded(direction string) {
	m.FramesForwarded.WithLabelValues(direction).Inc()
}

// FrameDropped counts one dropped frame.
func (m *Metrics) FrameDropped(direction, reason string) {
	m.FramesDropped.WithLabelValues(direction, reason).Inc()
}

// CallPlaced counts one outbound call request.
func (m *Metrics) CallPlaced(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CallsPlaced.WithLabelValues(status).Inc()
}
