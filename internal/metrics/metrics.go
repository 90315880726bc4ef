// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the pipeline updates.
type Metrics struct {
	alertsAdmitted     *prometheus.CounterVec
	alertsTransitioned *prometheus.CounterVec
	escalationsFired   prometheus.Counter
	escalationsSkipped prometheus.Counter
	dispatchResults    *prometheus.CounterVec
	dispatchDuration   prometheus.Histogram
	breakerState       *prometheus.GaugeVec
	factsConsumed      *prometheus.CounterVec
	activeAlerts       prometheus.Gauge
}

// New registers and returns the pipeline metrics.
func New() *Metrics {
	return &Metrics{
		alertsAdmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertpipeline_alerts_admitted_total",
				Help: "Alert facts admitted, split by severity and dedup outcome",
			},
			[]string{"severity", "outcome"},
		),
		alertsTransitioned: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertpipeline_alert_transitions_total",
				Help: "Lifecycle transitions applied to alerts",
			},
			[]string{"transition"},
		),
		escalationsFired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "alertpipeline_escalations_fired_total",
				Help: "Escalation schedules that fired and escalated their alert",
			},
		),
		escalationsSkipped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "alertpipeline_escalations_skipped_total",
				Help: "Escalation fires that were no-ops because the alert had moved on",
			},
		),
		dispatchResults: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertpipeline_dispatch_results_total",
				Help: "Terminal per-job dispatch outcomes by channel and status",
			},
			[]string{"channel", "status"},
		),
		dispatchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "alertpipeline_dispatch_batch_duration_seconds",
				Help:    "Wall time of Dispatch calls",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		breakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alertpipeline_breaker_state",
				Help: "Circuit state per channel (0 closed, 1 half-open, 2 open)",
			},
			[]string{"channel"},
		),
		factsConsumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertpipeline_facts_consumed_total",
				Help: "Alert facts consumed from Kafka by outcome",
			},
			[]string{"outcome"},
		),
		activeAlerts: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "alertpipeline_alerts_active",
				Help: "Currently open or acknowledged alerts",
			},
		),
	}
}

// IncAdmitted counts one admitted fact. outcome is "new" or "deduplicated".
func (m *Metrics) IncAdmitted(severity, outcome string) {
	m.alertsAdmitted.WithLabelValues(severity, outcome).Inc()
}

// IncTransition counts one lifecycle transition ("acknowledged", "resolved",
// "escalated", "closed").
func (m *Metrics) IncTransition(transition string) {
	m.alertsTransitioned.WithLabelValues(transition).Inc()
}

// IncEscalationFired counts an escalation that took effect.
func (m *Metrics) IncEscalationFired() {
	m.escalationsFired.Inc()
}

// IncEscalationSkipped counts a fire that was suppressed by a live-status
// re-check.
func (m *Metrics) IncEscalationSkipped() {
	m.escalationsSkipped.Inc()
}

// IncDispatchResult counts one terminal job outcome.
func (m *Metrics) IncDispatchResult(channel, status string) {
	m.dispatchResults.WithLabelValues(channel, status).Inc()
}

// ObserveDispatchDuration records the wall time of a Dispatch call.
func (m *Metrics) ObserveDispatchDuration(d time.Duration) {
	m.dispatchDuration.Observe(d.Seconds())
}

// SetBreakerState records the numeric circuit state for a channel.
func (m *Metrics) SetBreakerState(channel string, state float64) {
	m.breakerState.WithLabelValues(channel).Set(state)
}

// IncFactConsumed counts one Kafka fact message ("admitted", "malformed",
// "rejected").
func (m *Metrics) IncFactConsumed(outcome string) {
	m.factsConsumed.WithLabelValues(outcome).Inc()
}

// SetActiveAlerts records the current non-terminal alert count.
func (m *Metrics) SetActiveAlerts(n int) {
	m.activeAlerts.Set(float64(n))
}
