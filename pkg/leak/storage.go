package leak

import (
	"context"
	"time"
)

// AccountStore resolves connected accounts.
type AccountStore interface {
	// GetAccount returns ErrAccountNotFound when the account does not exist.
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// GetAccountByWebhookToken resolves the opaque routing token of the webhook URL.
	// Returns ErrAccountNotFound when no account owns the token.
	GetAccountByWebhookToken(ctx context.Context, token string) (*Account, error)
}

// CacheReader is the read side of the processor-state cache used by detectors.
type CacheReader interface {
	// ListInvoices returns cached invoices created at or after since.
	ListInvoices(ctx context.Context, accountID string, since time.Time) ([]InvoiceRecord, error)

	// ListSubscriptions returns all cached subscriptions for the account.
	ListSubscriptions(ctx context.Context, accountID string) ([]SubscriptionRecord, error)

	// ListMetricSnapshots returns snapshots dated at or after since, oldest first.
	ListMetricSnapshots(ctx context.Context, accountID string, since time.Time) ([]MetricSnapshot, error)
}

// CacheStore holds the local mirror of processor state.
type CacheStore interface {
	CacheReader

	// GetInvoice returns the cached invoice or nil when it has never been seen.
	GetInvoice(ctx context.Context, accountID, invoiceID string) (*InvoiceRecord, error)

	// UpsertInvoice stores rec keyed by (AccountID, InvoiceID). When the cached
	// state came from a newer event than rec.SourceUpdatedAt the write is skipped
	// and applied is false.
	UpsertInvoice(ctx context.Context, rec *InvoiceRecord) (applied bool, err error)

	// UpsertSubscription stores rec keyed by (AccountID, SubscriptionID) with the
	// same staleness rule as UpsertInvoice.
	UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) (applied bool, err error)

	// PutMetricSnapshot stores the daily snapshot, overwriting the same day.
	PutMetricSnapshot(ctx context.Context, snap *MetricSnapshot) error
}

// LeakStore persists detected leaks.
type LeakStore interface {
	// ReplaceLeak atomically reads the leak occupying l.Key(), deletes every leak
	// with that key and inserts l. It assigns l.ID and l.CreatedAt when empty and
	// returns the leak that was replaced (nil if none).
	ReplaceLeak(ctx context.Context, l *Leak) (previous *Leak, err error)

	// ListLeaks returns the account's leaks, newest window first.
	ListLeaks(ctx context.Context, accountID string, filter LeakFilter) ([]Leak, error)

	// LatestLeak returns the most recently created leak of the given type whose
	// window ends at or after since. Returns nil when there is none.
	LatestLeak(ctx context.Context, accountID string, leakType Type, since time.Time) (*Leak, error)
}

// RecoveryStore is the append-only recovery log.
type RecoveryStore interface {
	// InsertRecoveryEvent inserts ev unless a row with the same
	// (AccountID, InvoiceID, SourceEvent) exists. created reports whether a row was written.
	InsertRecoveryEvent(ctx context.Context, ev *RecoveryEvent) (created bool, err error)

	// ListRecoveryEvents returns events recovered at or after since.
	ListRecoveryEvents(ctx context.Context, accountID string, since time.Time) ([]RecoveryEvent, error)
}

// NotificationStore persists alerts.
type NotificationStore interface {
	// InsertNotification inserts n unless (LeakID, Channel) exists.
	// created reports whether a row was written.
	InsertNotification(ctx context.Context, n *Notification) (created bool, err error)

	// MarkNotificationDelivered records the transport's message id.
	MarkNotificationDelivered(ctx context.Context, notificationID, providerMessageID string, at time.Time) error

	// ListUnreadNotifications returns notifications on the channel with no read mark, newest first.
	ListUnreadNotifications(ctx context.Context, accountID string, channel Channel) ([]Notification, error)

	// MarkNotificationRead returns ErrNotificationNotFound if the id does not belong to the account.
	MarkNotificationRead(ctx context.Context, accountID, notificationID string, at time.Time) error
}

// Storage is everything the engine persists.
type Storage interface {
	AccountStore
	CacheStore
	LeakStore
	RecoveryStore
	NotificationStore
}

// ScanLimiter bounds how often a manual scan may run for an account.
type ScanLimiter interface {
	// Allow consumes one scan for the account. It returns whether the scan is
	// allowed and when the current window resets.
	Allow(ctx context.Context, accountID string) (bool, time.Time, error)
}
