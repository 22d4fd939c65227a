package leak

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Config configures an Engine.
type Config struct {
	// Storage is required.
	Storage Storage

	// Policy is used as given, zero fields included. Nil means DefaultPolicy().
	Policy *Policy

	Logger  Logger
	Metrics Metrics

	// Detectors defaults to DefaultDetectors().
	Detectors []Detector

	// Dispatcher delivers email notifications. Nil leaves them undelivered.
	Dispatcher *Dispatcher

	// ScanLimiter bounds manual scans. Nil disables the limit.
	ScanLimiter ScanLimiter

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Engine runs the detection pipeline for processor events and manual scans.
type Engine struct {
	storage    Storage
	policy     Policy
	logger     Logger
	metrics    Metrics
	detectors  []Detector
	dispatcher *Dispatcher
	limiter    ScanLimiter
	clock      func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil || cfg.Storage == nil {
		return nil, fmt.Errorf("%w: storage is required", ErrConfiguration)
	}
	policy := DefaultPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid policy: %v", ErrConfiguration, err)
	}

	e := &Engine{
		storage:    cfg.Storage,
		policy:     policy,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		detectors:  cfg.Detectors,
		dispatcher: cfg.Dispatcher,
		limiter:    cfg.ScanLimiter,
		clock:      cfg.Clock,
	}
	if e.logger == nil {
		e.logger = &NoopLogger{}
	}
	if e.metrics == nil {
		e.metrics = &NoopMetrics{}
	}
	if len(e.detectors) == 0 {
		e.detectors = DefaultDetectors()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	for _, d := range e.detectors {
		if !d.Type.Valid() || d.Detect == nil {
			return nil, fmt.Errorf("%w: invalid detector %q", ErrConfiguration, d.Type)
		}
	}
	return e, nil
}

// Policy returns the effective policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// HandleEvent applies one verified processor event for acct: it updates the cache,
// attributes a recovery when an invoice became paid and re-runs detection.
//
// Malformed events return an error wrapping ErrValidation. Storage failures wrap
// ErrTransientStorage; every write is idempotent so the event can be redelivered.
func (e *Engine) HandleEvent(ctx context.Context, acct *Account, ev *Event) (*EventResult, error) {
	if acct == nil {
		return nil, ErrAccountNotFound
	}
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrValidation)
	}
	res := &EventResult{EventID: ev.ID, EventType: ev.Type}

	if acct.LiveModeOnly && !ev.LiveMode {
		return e.ignore(acct, ev, res, "test-mode event for live-only account"), nil
	}
	if !IsRelevantEvent(ev.Type) {
		return e.ignore(acct, ev, res, "event type not handled"), nil
	}
	if err := e.prepare(acct, ev); err != nil {
		return nil, err
	}

	switch {
	case ev.Invoice != nil:
		prev, err := e.storage.GetInvoice(ctx, acct.ID, ev.Invoice.InvoiceID)
		if err != nil {
			return nil, transient(fmt.Errorf("get invoice %s: %w", ev.Invoice.InvoiceID, err))
		}
		// Attribute before overwriting the cache so a failed insert is retried
		// against the same previous status on redelivery.
		rec, err := e.attributeRecovery(ctx, ev, prev)
		if err != nil {
			return nil, transient(err)
		}
		res.Recovery = rec
		applied, err := e.storage.UpsertInvoice(ctx, ev.Invoice)
		if err != nil {
			return nil, transient(fmt.Errorf("upsert invoice %s: %w", ev.Invoice.InvoiceID, err))
		}
		res.CacheApplied = applied
	case ev.Subscription != nil:
		applied, err := e.storage.UpsertSubscription(ctx, ev.Subscription)
		if err != nil {
			return nil, transient(fmt.Errorf("upsert subscription %s: %w", ev.Subscription.SubscriptionID, err))
		}
		res.CacheApplied = applied
	}

	if !res.CacheApplied {
		e.logger.Debug("stale event, cache kept newer state",
			Field{"account_id", acct.ID},
			Field{"event_id", ev.ID},
			Field{"event_type", ev.Type},
		)
	}

	report, err := e.RunDetection(ctx, acct)
	res.Report = report
	if err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) ignore(acct *Account, ev *Event, res *EventResult, reason string) *EventResult {
	res.Ignored = true
	res.Reason = reason
	e.logger.Debug("event ignored",
		Field{"account_id", acct.ID},
		Field{"event_id", ev.ID},
		Field{"event_type", ev.Type},
		Field{"reason", reason},
	)
	return res
}

// prepare checks the payload matches the event type and stamps ownership and ordering.
func (e *Engine) prepare(acct *Account, ev *Event) error {
	updatedAt := ev.Created
	if updatedAt.IsZero() {
		updatedAt = e.now()
	}

	if IsInvoiceEvent(ev.Type) {
		if ev.Invoice == nil || ev.Invoice.InvoiceID == "" {
			return fmt.Errorf("%w: %s without invoice id", ErrValidation, ev.Type)
		}
		if ev.Invoice.AmountDue < 0 || ev.Invoice.AmountPaid < 0 {
			return fmt.Errorf("%w: invoice %s has negative amounts", ErrValidation, ev.Invoice.InvoiceID)
		}
		ev.Subscription = nil
		ev.Invoice.AccountID = acct.ID
		if ev.Invoice.SourceUpdatedAt.IsZero() {
			ev.Invoice.SourceUpdatedAt = updatedAt
		}
		return nil
	}

	if ev.Subscription == nil || ev.Subscription.SubscriptionID == "" {
		return fmt.Errorf("%w: %s without subscription id", ErrValidation, ev.Type)
	}
	ev.Invoice = nil
	ev.Subscription.AccountID = acct.ID
	if ev.Subscription.SourceUpdatedAt.IsZero() {
		ev.Subscription.SourceUpdatedAt = updatedAt
	}
	return nil
}

// RunDetection evaluates every detector for acct, reconciles each candidate and
// notifies on changed leaks.
//
// A detector that errors or panics is recorded in the report and does not stop
// the others. Persistence failures are also recorded per detector; once all
// detectors are processed the first one is returned wrapped in ErrTransientStorage.
func (e *Engine) RunDetection(ctx context.Context, acct *Account) (*DetectionReport, error) {
	if acct == nil {
		return nil, ErrAccountNotFound
	}
	now := e.now()
	report := &DetectionReport{AccountID: acct.ID, RanAt: now}
	report.Results = e.runDetectors(ctx, acct.ID, now)

	var persistErr error
	for i := range report.Results {
		res := &report.Results[i]
		if res.Err != nil || res.candidate == nil {
			continue
		}

		r, err := e.Reconcile(ctx, res.candidate)
		if err != nil {
			res.setErr(err)
			e.logger.Error("leak reconcile failed",
				Field{"account_id", acct.ID},
				Field{"leak_type", string(res.Type)},
				Field{"error", err.Error()},
			)
			if persistErr == nil {
				persistErr = err
			}
			continue
		}
		res.Reconciliation = r

		notes, err := e.notify(ctx, acct, r)
		res.Notifications = notes
		if err != nil {
			res.setErr(err)
			e.logger.Error("notification insert failed",
				Field{"account_id", acct.ID},
				Field{"leak_type", string(res.Type)},
				Field{"leak_id", r.Leak.ID},
				Field{"error", err.Error()},
			)
			if persistErr == nil {
				persistErr = err
			}
		}
	}

	e.logger.Info("detection completed",
		Field{"account_id", acct.ID},
		Field{"leaks", len(report.Leaks())},
		Field{"notifications", len(report.Notifications())},
		Field{"failures", len(report.Failures())},
	)

	if persistErr != nil {
		return report, transient(persistErr)
	}
	return report, nil
}

// RateLimitError is returned by Scan when the account has used its scan budget.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.ResetAt.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds is the whole number of seconds from now until resetAt, at least 1.
func RetryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Scan runs detection for an account on demand, without a cache mutation.
func (e *Engine) Scan(ctx context.Context, accountID string) (*DetectionReport, error) {
	acct, err := e.account(ctx, accountID)
	if err != nil {
		e.metrics.RecordScan("error")
		return nil, err
	}

	if e.limiter != nil {
		ok, resetAt, err := e.limiter.Allow(ctx, acct.ID)
		if err != nil {
			e.metrics.RecordScan("error")
			return nil, transient(fmt.Errorf("scan limiter: %w", err))
		}
		if !ok {
			e.metrics.RecordScan("rate_limited")
			return nil, &RateLimitError{ResetAt: resetAt}
		}
	}

	report, err := e.RunDetection(ctx, acct)
	if err != nil {
		e.metrics.RecordScan("error")
		return report, err
	}
	e.metrics.RecordScan("success")
	return report, nil
}

// ListLeaks returns an account's leaks, newest window first.
func (e *Engine) ListLeaks(ctx context.Context, accountID string, filter LeakFilter) ([]Leak, error) {
	if _, err := e.account(ctx, accountID); err != nil {
		return nil, err
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown leak type %q", ErrValidation, filter.Type)
	}
	leaks, err := e.storage.ListLeaks(ctx, accountID, filter)
	if err != nil {
		return nil, transient(fmt.Errorf("list leaks: %w", err))
	}
	return leaks, nil
}

// ListRecoveries returns recovery events from the trailing number of days.
func (e *Engine) ListRecoveries(ctx context.Context, accountID string, days int) ([]RecoveryEvent, error) {
	if _, err := e.account(ctx, accountID); err != nil {
		return nil, err
	}
	events, err := e.storage.ListRecoveryEvents(ctx, accountID, e.sinceDays(days))
	if err != nil {
		return nil, transient(fmt.Errorf("list recoveries: %w", err))
	}
	return events, nil
}

// RecoverySummary totals recovered revenue over the trailing number of days.
// days <= 0 uses the attribution lookback.
func (e *Engine) RecoverySummary(ctx context.Context, accountID string, days int) (*RecoverySummary, error) {
	events, err := e.ListRecoveries(ctx, accountID, days)
	if err != nil {
		return nil, err
	}
	return SummarizeRecoveries(accountID, e.sinceDays(days), events), nil
}

func (e *Engine) sinceDays(days int) time.Time {
	if days <= 0 {
		return DateOf(e.now().Add(-e.policy.AttributionLookback))
	}
	return DateOf(e.now().AddDate(0, 0, -days))
}

// ListUnreadNotifications returns in-app notifications the account has not read.
func (e *Engine) ListUnreadNotifications(ctx context.Context, accountID string) ([]Notification, error) {
	if _, err := e.account(ctx, accountID); err != nil {
		return nil, err
	}
	notes, err := e.storage.ListUnreadNotifications(ctx, accountID, ChannelInApp)
	if err != nil {
		return nil, transient(fmt.Errorf("list notifications: %w", err))
	}
	return notes, nil
}

// MarkNotificationRead marks one of the account's notifications as read.
func (e *Engine) MarkNotificationRead(ctx context.Context, accountID, notificationID string) error {
	if _, err := e.account(ctx, accountID); err != nil {
		return err
	}
	if err := e.storage.MarkNotificationRead(ctx, accountID, notificationID, e.now()); err != nil {
		return transient(fmt.Errorf("mark notification %s read: %w", notificationID, err))
	}
	return nil
}

// ImportSnapshots stores daily metric snapshots for an account.
func (e *Engine) ImportSnapshots(ctx context.Context, accountID string, snaps []MetricSnapshot) error {
	if _, err := e.account(ctx, accountID); err != nil {
		return err
	}
	for i := range snaps {
		s := snaps[i]
		if s.Date.IsZero() {
			return fmt.Errorf("%w: snapshot %d has no date", ErrValidation, i)
		}
		s.AccountID = accountID
		s.Date = DateOf(s.Date)
		if err := e.storage.PutMetricSnapshot(ctx, &s); err != nil {
			return transient(fmt.Errorf("put snapshot %s: %w", s.Date.Format(dateLayout), err))
		}
	}
	return nil
}

func (e *Engine) account(ctx context.Context, accountID string) (*Account, error) {
	if accountID == "" {
		return nil, ErrAccountNotFound
	}
	acct, err := e.storage.GetAccount(ctx, accountID)
	if err != nil {
		return nil, transient(err)
	}
	return acct, nil
}

// transient wraps storage failures in ErrTransientStorage unless they already
// carry a domain error.
func transient(err error) error {
	for _, known := range []error{
		ErrTransientStorage, ErrAccountNotFound, ErrNotificationNotFound,
		ErrValidation, ErrInvalidLeak, ErrConfiguration, context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrTransientStorage, err)
}
