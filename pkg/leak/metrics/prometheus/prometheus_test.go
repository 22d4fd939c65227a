package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// find returns the metric family with the given name, or nil
func find(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labels(m *dto.Metric) map[string]string {
	out := make(map[string]string)
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func TestMetrics_Webhook(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent(leak.EventInvoicePaid, "success")
	m.RecordWebhookEvent(leak.EventInvoicePaid, "success")
	m.RecordWebhookError("auth_failed")
	m.RecordWebhookProcessingDuration(leak.EventInvoicePaid, 20*time.Millisecond)

	events := find(t, reg, "test_webhook_events_total")
	require.NotNil(t, events)
	require.Len(t, events.GetMetric(), 1)
	assert.Equal(t, 2.0, events.GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, map[string]string{"event_type": leak.EventInvoicePaid, "status": "success"},
		labels(events.GetMetric()[0]))

	require.NotNil(t, find(t, reg, "test_webhook_errors_total"))
	hist := find(t, reg, "test_webhook_processing_duration_seconds")
	require.NotNil(t, hist)
	assert.Equal(t, uint64(1), hist.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestMetrics_Detection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordDetectorRun(leak.TypeChurnSpike, "fired", time.Millisecond)
	m.RecordDetectorRun(leak.TypeChurnSpike, "error", time.Millisecond)
	m.RecordLeakReconciled(leak.TypeChurnSpike, leak.SeverityLow, true)

	runs := find(t, reg, "test_detector_runs_total")
	require.NotNil(t, runs)
	assert.Len(t, runs.GetMetric(), 2)

	reconciled := find(t, reg, "test_leaks_reconciled_total")
	require.NotNil(t, reconciled)
	assert.Equal(t, "true", labels(reconciled.GetMetric()[0])["changed"])
}

func TestMetrics_Recovery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordRecovery(leak.TypeFailedPayments, 500000)
	m.RecordRecovery("", 7000)

	amount := find(t, reg, "test_recovered_amount_minor_total")
	require.NotNil(t, amount)
	got := make(map[string]float64)
	for _, metric := range amount.GetMetric() {
		got[labels(metric)["leak_type"]] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"failed_payments": 500000, "unattributed": 7000}, got)
}

func TestMetrics_NotificationsAndScans(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordNotification(leak.ChannelEmail, "delivered")
	m.RecordScan("rate_limited")

	require.NotNil(t, find(t, reg, "test_notifications_total"))
	scans := find(t, reg, "test_manual_scans_total")
	require.NotNil(t, scans)
	assert.Equal(t, "rate_limited", labels(scans.GetMetric()[0])["status"])
}
