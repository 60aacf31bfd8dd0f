// Package metrics holds the Prometheus collectors for reconciliation, audits
// and alert delivery. Collectors are registered once with InitMetrics; until
// then every Record call is a no-op.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reconciliation metrics
	probesTotal      *prometheus.CounterVec
	probeDuration    *prometheus.HistogramVec
	transitionsTotal *prometheus.CounterVec
	reconcileRuns    *prometheus.CounterVec

	// Audit metrics
	auditRunsTotal    *prometheus.CounterVec
	auditRuleErrors   *prometheus.CounterVec
	auditOpenFindings *prometheus.GaugeVec
	auditRunDuration  prometheus.Histogram

	// Alert metrics
	alertsCreatedTotal *prometheus.CounterVec
	deliveriesTotal    *prometheus.CounterVec

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered atomic.Bool
)

// Recorder provides methods to record engine metrics
type Recorder struct{}

// NewRecorder creates a Recorder. Metrics are recorded only after InitMetrics.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// InitMetrics registers all collectors with the default registry.
// This should be called once at startup when metrics are served.
func InitMetrics() {
	metricsOnce.Do(func() {
		probesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dskeys_probes_total",
				Help: "Total number of provider probes by verdict",
			},
			[]string{"provider", "verdict"},
		)

		probeDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dskeys_probe_duration_seconds",
				Help:    "Duration of provider probes in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"provider"},
		)

		transitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dskeys_status_transitions_total",
				Help: "Total number of key status transitions",
			},
			[]string{"from", "to"},
		)

		reconcileRuns = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dskeys_reconcile_runs_total",
				Help: "Total number of reconciliation batches by outcome",
			},
			[]string{"outcome"},
		)

		auditRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dskeys_audit_runs_total",
				Help: "Total number of audit runs by outcome",
			},
			[]string{"outcome"},
		)

		auditRuleErrors = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dskeys_audit_rule_errors_total",
				Help: "Total number of audit rule evaluation errors",
			},
			[]string{"rule"},
		)

		auditOpenFindings = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dskeys_audit_open_findings",
				Help: "Open audit findings after the last run",
			},
			[]string{"rule"},
		)

		auditRunDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dskeys_audit_duration_seconds",
				Help:    "Duration of audit runs in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		)

		alertsCreatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dskeys_alerts_created_total",
				Help: "Total number of alerts created",
			},
			[]string{"source", "severity"},
		)

		deliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dskeys_alert_deliveries_total",
				Help: "Total number of alert delivery attempts by status",
			},
			[]string{"status"},
		)

		metricsRegistered.Store(true)
	})
}

// RecordProbe records one probe call
func (r *Recorder) RecordProbe(provider, verdict string, durationSeconds float64) {
	if !metricsRegistered.Load() {
		return
	}
	if probesTotal != nil {
		probesTotal.WithLabelValues(provider, verdict).Inc()
	}
	if probeDuration != nil {
		probeDuration.WithLabelValues(provider).Observe(durationSeconds)
	}
}

// RecordTransition records a status change
func (r *Recorder) RecordTransition(from, to string) {
	if !metricsRegistered.Load() || transitionsTotal == nil {
		return
	}
	transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordReconcileRun records a finished reconciliation batch
func (r *Recorder) RecordReconcileRun(outcome string) {
	if !metricsRegistered.Load() || reconcileRuns == nil {
		return
	}
	reconcileRuns.WithLabelValues(outcome).Inc()
}

// RecordAuditRun records a finished audit run
func (r *Recorder) RecordAuditRun(outcome string, durationSeconds float64) {
	if !metricsRegistered.Load() {
		return
	}
	if auditRunsTotal != nil {
		auditRunsTotal.WithLabelValues(outcome).Inc()
	}
	if auditRunDuration != nil {
		auditRunDuration.Observe(durationSeconds)
	}
}

// RecordRuleError records an isolated rule failure
func (r *Recorder) RecordRuleError(rule string) {
	if !metricsRegistered.Load() || auditRuleErrors == nil {
		return
	}
	auditRuleErrors.WithLabelValues(rule).Inc()
}

// SetOpenFindings publishes the open finding count for a rule
func (r *Recorder) SetOpenFindings(rule string, count int) {
	if !metricsRegistered.Load() || auditOpenFindings == nil {
		return
	}
	auditOpenFindings.WithLabelValues(rule).Set(float64(count))
}

// RecordAlertCreated records a new alert
func (r *Recorder) RecordAlertCreated(source, severity string) {
	if !metricsRegistered.Load() || alertsCreatedTotal == nil {
		return
	}
	alertsCreatedTotal.WithLabelValues(source, severity).Inc()
}

// RecordDelivery records a notification attempt
func (r *Recorder) RecordDelivery(status string) {
	if !metricsRegistered.Load() || deliveriesTotal == nil {
		return
	}
	deliveriesTotal.WithLabelValues(status).Inc()
}

// GetProbesTotal returns the probe counter for testing.
func GetProbesTotal() *prometheus.CounterVec {
	return probesTotal
}

// GetTransitionsTotal returns the transition counter for testing.
func GetTransitionsTotal() *prometheus.CounterVec {
	return transitionsTotal
}

// GetAuditRuleErrors returns the rule error counter for testing.
func GetAuditRuleErrors() *prometheus.CounterVec {
	return auditRuleErrors
}

// GetAlertsCreatedTotal returns the alert counter for testing.
func GetAlertsCreatedTotal() *prometheus.CounterVec {
	return alertsCreatedTotal
}

// GetDeliveriesTotal returns the delivery counter for testing.
func GetDeliveriesTotal() *prometheus.CounterVec {
	return deliveriesTotal
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered.Load()
}
