// Package metrics provides Prometheus collectors for the signing workflow.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricTransitionsTotal  = "signing_transitions_total"
	MetricRejectionsTotal   = "signing_rejections_total"
	MetricRenderDuration    = "signing_render_duration_seconds"
	MetricSyncTotal         = "signing_sync_total"
	MetricOutboxProcessed   = "signing_outbox_messages_total"
	MetricAuthFailuresTotal = "signing_auth_failures_total"
)

// Status constants for sync and outbox results.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusRetry   = "retry"
	StatusDead    = "dead"
)

// Metrics contains the service's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	transitions    *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	renderDuration *prometheus.HistogramVec
	syncTotal      *prometheus.CounterVec
	outbox         *prometheus.CounterVec
	authFailures   *prometheus.CounterVec
}

// NewMetrics creates the collectors without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTransitionsTotal,
				Help: "Lifecycle transitions by source and target status",
			},
			[]string{"from", "to"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRejectionsTotal,
				Help: "Rejected signing-link operations by operation and reason",
			},
			[]string{"operation", "reason"},
		),
		renderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricRenderDuration,
				Help:    "Time spent rendering previews and signed documents",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		),
		syncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSyncTotal,
				Help: "External synchronization results by target",
			},
			[]string{"target", "status"},
		),
		outbox: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricOutboxProcessed,
				Help: "Outbox messages handled by topic and outcome",
			},
			[]string{"topic", "status"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAuthFailuresTotal,
				Help: "Rejected back-office requests by reason",
			},
			[]string{"reason"},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.transitions,
		m.rejections,
		m.renderDuration,
		m.syncTotal,
		m.outbox,
		m.authFailures,
	}
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Rejection(operation, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(operation, reason).Inc()
}

func (m *Metrics) ObserveRender(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.renderDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) Sync(target string, ok bool) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if !ok {
		status = StatusFailure
	}
	m.syncTotal.WithLabelValues(target, status).Inc()
}

func (m *Metrics) Outbox(topic, status string) {
	if m == nil {
		return
	}
	m.outbox.WithLabelValues(topic, status).Inc()
}

func (m *Metrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}
