package leak

import "time"

// Processor event types the engine reacts to.
const (
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventInvoiceFinalized        = "invoice.finalized"
	EventInvoiceUpdated          = "invoice.updated"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaid             = "invoice.paid"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
)

// Event is a processor webhook event after normalization by the ingestor.
// At most one of Invoice and Subscription is set.
type Event struct {
	ID       string
	Type     string
	Created  time.Time
	LiveMode bool

	Invoice      *InvoiceRecord
	Subscription *SubscriptionRecord
}

// IsInvoiceEvent reports whether t is an invoice event that triggers detection.
func IsInvoiceEvent(t string) bool {
	switch t {
	case EventInvoicePaymentFailed, EventInvoiceFinalized, EventInvoiceUpdated,
		EventInvoicePaymentSucceeded, EventInvoicePaid:
		return true
	}
	return false
}

// IsSubscriptionEvent reports whether t is a subscription event that triggers detection.
func IsSubscriptionEvent(t string) bool {
	switch t {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return true
	}
	return false
}

// IsRelevantEvent reports whether t triggers a detector run.
func IsRelevantEvent(t string) bool {
	return IsInvoiceEvent(t) || IsSubscriptionEvent(t)
}

// IsPaymentSucceededEvent reports whether t moves an invoice into a paid state.
func IsPaymentSucceededEvent(t string) bool {
	return t == EventInvoicePaymentSucceeded || t == EventInvoicePaid
}

// EventResult describes what processing an event did.
type EventResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	// Ignored is true when the event was acknowledged without running detectors.
	Ignored bool   `json:"ignored"`
	Reason  string `json:"reason,omitempty"`
	// CacheApplied is false when a newer cached state made the write stale.
	CacheApplied bool             `json:"cache_applied"`
	Recovery     *RecoveryEvent   `json:"recovery,omitempty"`
	Report       *DetectionReport `json:"report,omitempty"`
}
