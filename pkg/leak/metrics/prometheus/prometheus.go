// Package prommetrics implements leak.Metrics with Prometheus collectors.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// Metrics implements leak.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal   *prometheus.CounterVec
	webhookErrorsTotal   *prometheus.CounterVec
	webhookDuration      *prometheus.HistogramVec
	detectorRunsTotal    *prometheus.CounterVec
	detectorDuration     *prometheus.HistogramVec
	leaksReconciledTotal *prometheus.CounterVec
	recoveriesTotal      *prometheus.CounterVec
	recoveredAmountTotal *prometheus.CounterVec
	notificationsTotal   *prometheus.CounterVec
	scansTotal           *prometheus.CounterVec
}

var _ leak.Metrics = (*Metrics)(nil)

// NewMetrics registers the collectors on reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Processor webhook events by type and outcome.",
		}, []string{"event_type", "status"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_errors_total",
			Help:      "Webhook requests rejected before processing.",
		}, []string{"error_type"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_processing_duration_seconds",
			Help:      "End-to-end webhook handling latency, detection included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		detectorRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_runs_total",
			Help:      "Detector evaluations by leak type and outcome.",
		}, []string{"leak_type", "outcome"}),

		detectorDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detector_duration_seconds",
			Help:      "Latency of a single detector evaluation.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"leak_type"}),

		leaksReconciledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaks_reconciled_total",
			Help:      "Leak replacements by type, severity and change verdict.",
		}, []string{"leak_type", "severity", "changed"}),

		recoveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Recovery events recorded by attributed leak type.",
		}, []string{"leak_type"}),

		recoveredAmountTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_amount_minor_total",
			Help:      "Recovered revenue in minor currency units by attributed leak type.",
		}, []string{"leak_type"}),

		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification outcomes by channel.",
		}, []string{"channel", "status"}),

		scansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manual_scans_total",
			Help:      "Manual scan requests by outcome.",
		}, []string{"status"}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordDetectorRun(leakType leak.Type, outcome string, duration time.Duration) {
	m.detectorRunsTotal.WithLabelValues(string(leakType), outcome).Inc()
	m.detectorDuration.WithLabelValues(string(leakType)).Observe(duration.Seconds())
}

func (m *Metrics) RecordLeakReconciled(leakType leak.Type, severity leak.Severity, changed bool) {
	m.leaksReconciledTotal.WithLabelValues(string(leakType), string(severity), strconv.FormatBool(changed)).Inc()
}

func (m *Metrics) RecordRecovery(leakType leak.Type, amount int64) {
	label := string(leakType)
	if label == "" {
		label = "unattributed"
	}
	m.recoveriesTotal.WithLabelValues(label).Inc()
	if amount > 0 {
		m.recoveredAmountTotal.WithLabelValues(label).Add(float64(amount))
	}
}

func (m *Metrics) RecordNotification(channel leak.Channel, status string) {
	m.notificationsTotal.WithLabelValues(string(channel), status).Inc()
}

func (m *Metrics) RecordScan(status string) {
	m.scansTotal.WithLabelValues(status).Inc()
}
