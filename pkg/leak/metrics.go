package leak

import "time"

// Metrics defines the interface for tracking engine operations.
// Implementations must be safe for concurrent use; detectors report in parallel.
type Metrics interface {
	// RecordWebhookEvent records a processed webhook.
	// status: "success", "ignored", "invalid" or "error".
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookError records a webhook rejected before processing.
	// errorType: e.g. "auth_failed", "unknown_account", "not_configured", "payload_too_large".
	RecordWebhookError(errorType string)

	// RecordWebhookProcessingDuration records end-to-end handling time.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordDetectorRun records one detector evaluation.
	// outcome: "fired", "quiet" or "error".
	RecordDetectorRun(leakType Type, outcome string, duration time.Duration)

	// RecordLeakReconciled records a leak replacement and its change verdict.
	RecordLeakReconciled(leakType Type, severity Severity, changed bool)

	// RecordRecovery records a created recovery event.
	RecordRecovery(leakType Type, amount int64)

	// RecordNotification records a notification outcome.
	// status: "created", "duplicate", "delivered", "failed" or "circuit_open".
	RecordNotification(channel Channel, status string)

	// RecordScan records a manual scan request.
	// status: "success", "rate_limited" or "error".
	RecordScan(status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordDetectorRun(_ Type, _ string, _ time.Duration)       {}
func (n *NoopMetrics) RecordLeakReconciled(_ Type, _ Severity, _ bool)           {}
func (n *NoopMetrics) RecordRecovery(_ Type, _ int64)                            {}
func (n *NoopMetrics) RecordNotification(_ Channel, _ string)                    {}
func (n *NoopMetrics) RecordScan(_ string)                                       {}
