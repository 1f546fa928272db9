// Package metrics provides Prometheus metrics for the activity agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	PeriodsCompleted  *prometheus.CounterVec
	WindowsCompleted  prometheus.Counter
	SyncAttemptsTotal *prometheus.CounterVec
	QueuePending      prometheus.Gauge
	QueueFailed       prometheus.Gauge
	BotFlagsTotal     prometheus.Counter
	ScreenshotsTotal  prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		PeriodsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_activity_periods_total",
				Help: "Total activity periods persisted by scoring mode.",
			},
			[]string{"mode"},
		),
		WindowsCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_windows_completed_total",
				Help: "Total 10-minute windows saved with their periods.",
			},
		),
		SyncAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_sync_attempts_total",
				Help: "Total sync delivery attempts by entity type and result.",
			},
			[]string{"entity", "result"},
		),
		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_sync_queue_pending",
				Help: "Outbox items awaiting delivery.",
			},
		),
		QueueFailed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_sync_queue_failed",
				Help: "Outbox items past the attempt ceiling.",
			},
		),
		BotFlagsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_bot_flags_total",
				Help: "Times input crossed the automation suspicion threshold.",
			},
		),
		ScreenshotsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_screenshots_total",
				Help: "Screenshots registered with the window manager.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.PeriodsCompleted)
	reg.MustRegister(m.WindowsCompleted)
	reg.MustRegister(m.SyncAttemptsTotal)
	reg.MustRegister(m.QueuePending)
	reg.MustRegister(m.QueueFailed)
	reg.MustRegister(m.BotFlagsTotal)
	reg.MustRegister(m.ScreenshotsTotal)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordPeriod increments the completed-period counter.
func (m *Metrics) RecordPeriod(mode string) {
	m.PeriodsCompleted.WithLabelValues(mode).Inc()
}

// RecordWindow increments the completed-window counter.
func (m *Metrics) RecordWindow() {
	m.WindowsCompleted.Inc()
}

// RecordSync increments the sync attempt counter.
func (m *Metrics) RecordSync(entity, result string) {
	m.SyncAttemptsTotal.WithLabelValues(entity, result).Inc()
}

// SetQueueDepth updates the outbox depth gauges.
func (m *Metrics) SetQueueDepth(pending, failed int) {
	m.QueuePending.Set(float64(pending))
	m.QueueFailed.Set(float64(failed))
}

// RecordBotFlag increments the automation suspicion counter.
func (m *Metrics) RecordBotFlag() {
	m.BotFlagsTotal.Inc()
}

// RecordScreenshot increments the screenshot counter.
func (m *Metrics) RecordScreenshot() {
	m.ScreenshotsTotal.Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
