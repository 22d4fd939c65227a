package leak

import (
	"time"
)

// Type identifies one of the leak categories produced by the detectors.
type Type string

const (
	// TypeFailedPayments covers open or uncollectible invoices inside the window.
	TypeFailedPayments Type = "failed_payments"
	// TypeRecoveryGap covers failed invoices that have gone stale.
	TypeRecoveryGap Type = "recovery_gap"
	// TypeChurnSpike covers a sudden rise in churn rate.
	TypeChurnSpike Type = "churn_spike"
	// TypeSilentChurn covers a drop in net revenue retention.
	TypeSilentChurn Type = "silent_churn"
	// TypeExpansionOpportunity covers long-tenure customers stuck on the lowest tier.
	TypeExpansionOpportunity Type = "expansion_opportunity"
)

// AllTypes returns every leak type in detector order.
func AllTypes() []Type {
	return []Type{
		TypeFailedPayments,
		TypeRecoveryGap,
		TypeChurnSpike,
		TypeSilentChurn,
		TypeExpansionOpportunity,
	}
}

// Valid reports whether t is a known leak type.
func (t Type) Valid() bool {
	for _, known := range AllTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Severity is the ordinal band derived from estimated monthly loss.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal position of the severity (low=1 .. critical=4).
// Unknown values rank 0 so any known severity is an escalation over them.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Leak is one detected revenue leak for an account over a detection window.
// At most one Leak exists per (AccountID, Type, PeriodEnd).
type Leak struct {
	ID                string                 `json:"id"`
	AccountID         string                 `json:"account_id"`
	Type              Type                   `json:"leak_type"`
	PeriodStart       time.Time              `json:"period_start"`
	PeriodEnd         time.Time              `json:"period_end"`
	LostAmount        int64                  `json:"lost_amount"`
	RecoverableAmount int64                  `json:"recoverable_amount"`
	Severity          Severity               `json:"severity"`
	Confidence        float64                `json:"confidence"`
	Title             string                 `json:"title"`
	Summary           string                 `json:"summary"`
	RecommendedAction string                 `json:"recommended_action"`
	Evidence          map[string]interface{} `json:"evidence,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// Key returns the replacement key for the leak.
func (l *Leak) Key() Key {
	return Key{AccountID: l.AccountID, Type: l.Type, PeriodEnd: DateOf(l.PeriodEnd)}
}

// Key identifies the slot a Leak occupies.
type Key struct {
	AccountID string
	Type      Type
	PeriodEnd time.Time
}

// String returns a stable string form of the key.
func (k Key) String() string {
	return k.AccountID + ":" + string(k.Type) + ":" + k.PeriodEnd.UTC().Format(dateLayout)
}

// Invoice statuses as reported by the payment processor.
const (
	InvoiceStatusDraft         = "draft"
	InvoiceStatusOpen          = "open"
	InvoiceStatusPaid          = "paid"
	InvoiceStatusUncollectible = "uncollectible"
	InvoiceStatusVoid          = "void"
)

// Subscription statuses used by the detectors.
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusTrialing = "trialing"
	SubscriptionStatusCanceled = "canceled"
)

// InvoiceRecord mirrors the processor's invoice state for one account.
type InvoiceRecord struct {
	AccountID          string
	InvoiceID          string
	Status             string
	AmountDue          int64
	AmountPaid         int64
	AttemptCount       int64
	NextPaymentAttempt *time.Time
	Created            time.Time
	// SourceUpdatedAt is the timestamp of the event that produced this state.
	SourceUpdatedAt time.Time
}

// IsFailed reports whether the invoice is open or uncollectible.
func (r *InvoiceRecord) IsFailed() bool {
	return r.Status == InvoiceStatusOpen || r.Status == InvoiceStatusUncollectible
}

// SubscriptionRecord mirrors the processor's subscription state for one account.
type SubscriptionRecord struct {
	AccountID      string
	SubscriptionID string
	Status         string
	// MonthlyAmount is the recurring amount normalized to one month, in minor units.
	MonthlyAmount   int64
	PriceID         string
	PlanLabel       string
	Created         time.Time
	CanceledAt      *time.Time
	SourceUpdatedAt time.Time
}

// IsLive reports whether the subscription is active or trialing.
func (r *SubscriptionRecord) IsLive() bool {
	return r.Status == SubscriptionStatusActive || r.Status == SubscriptionStatusTrialing
}

// MetricSnapshot is the daily revenue metric row produced by the bulk sync.
type MetricSnapshot struct {
	AccountID string
	Date      time.Time
	// MRR is the recurring revenue total in minor units.
	MRR int64
	// ChurnRate is a percentage (2.5 means 2.5%).
	ChurnRate float64
	// NRR is net revenue retention as a percentage.
	NRR float64
}

// RecoveryEvent records revenue that was collected after being at risk.
// Rows are never updated; (AccountID, InvoiceID, SourceEvent) is unique.
//
// LeakID points at the leak that was reporting the loss when the payment
// arrived. Leaks are replaced rather than updated, so the detection run after
// the payment may supersede that row; Metadata["leak_period_end"] keeps the
// window it belonged to.
type RecoveryEvent struct {
	ID          string                 `json:"id"`
	AccountID   string                 `json:"account_id"`
	InvoiceID   string                 `json:"invoice_id"`
	Amount      int64                  `json:"amount"`
	RecoveredAt time.Time              `json:"recovered_at"`
	LeakType    Type                   `json:"leak_type,omitempty"`
	LeakID      string                 `json:"leak_id,omitempty"`
	SourceEvent string                 `json:"source_event"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Channel is a notification channel.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
)

// Notification is an alert about a changed leak. (LeakID, Channel) is unique.
type Notification struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"account_id"`
	LeakID            string     `json:"leak_id"`
	Channel           Channel    `json:"channel"`
	Severity          Severity   `json:"severity"`
	Title             string     `json:"title"`
	Message           string     `json:"message"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
}

// Account is the subset of connected-account state the engine needs.
type Account struct {
	ID string

	// WebhookToken is the opaque routing token embedded in the webhook URL.
	WebhookToken string

	// WebhookSecret verifies the processor signature; empty means unconfigured.
	WebhookSecret string

	// EmailReportsDisabled stops email alerts. In-app notifications are unaffected.
	EmailReportsDisabled bool

	// LiveModeOnly rejects test-mode events as no-ops.
	LiveModeOnly bool
}

// LeakFilter narrows ListLeaks. Zero values mean unbounded.
type LeakFilter struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	Type        Type
}

// Reconciliation is the outcome of replacing a leak.
type Reconciliation struct {
	Leak     *Leak `json:"leak"`
	Changed  bool  `json:"changed"`
	Previous *Leak `json:"previous,omitempty"`
}

// RecoverySummary aggregates recovered revenue over a trailing window.
type RecoverySummary struct {
	AccountID  string         `json:"account_id"`
	Since      time.Time      `json:"since"`
	Total      int64          `json:"total"`
	Count      int            `json:"count"`
	ByLeakType map[Type]int64 `json:"by_leak_type"`
	// Unattributed is recovered revenue with no inferred leak type.
	Unattributed int64 `json:"unattributed"`
}

const dateLayout = "2006-01-02"

// DateOf truncates t to its UTC calendar day.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
