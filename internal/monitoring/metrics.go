package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"agent-console/internal/session"
)

const namespace = "agent_console"

// Metrics holds the server's Prometheus collectors. It implements
// session.Notifier so the registry's event stream drives the session
// counters directly.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsCreated   prometheus.Counter
	StatusTransitions *prometheus.CounterVec
	OutputBytes       prometheus.Counter
	SessionExits      *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec
}

var _ session.Notifier = (*Metrics)(nil)

// NewMetrics registers the collectors with reg. active reports the number
// of non-terminated sessions at scrape time; it may be nil.
func NewMetrics(reg prometheus.Registerer, active func() int) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"method"},
		),
		SessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_created_total",
				Help:      "Total number of sessions spawned",
			},
		),
		StatusTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Session status transitions by target status",
			},
			[]string{"status"},
		),
		OutputBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "output_bytes_total",
				Help:      "Bytes of terminal output received from sessions",
			},
		),
		SessionExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_exits_total",
				Help:      "Session process exits by outcome",
			},
			[]string{"outcome"},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Number of connected websocket clients",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "Websocket messages received by type",
			},
			[]string{"type"},
		),
	}

	if active != nil {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of registered, non-terminated sessions",
			},
			func() float64 { return float64(active()) },
		)
	}

	return m
}

// SessionOutput counts output bytes.
func (m *Metrics) SessionOutput(_ string, data []byte) {
	m.OutputBytes.Add(float64(len(data)))
}

// SessionStatus counts transitions. Entering Starting marks a new session.
func (m *Metrics) SessionStatus(_ string, status session.Status) {
	if status == session.StatusStarting {
		m.SessionsCreated.Inc()
	}
	m.StatusTransitions.WithLabelValues(string(status)).Inc()
}

// SessionExit counts process exits.
func (m *Metrics) SessionExit(_ string, exit session.ExitStatus) {
	m.SessionExits.WithLabelValues(exitOutcome(exit)).Inc()
}

func exitOutcome(exit session.ExitStatus) string {
	switch {
	case exit.Signal != "":
		return "signaled"
	case exit.Code == 0:
		return "success"
	default:
		return "failure"
	}
}
