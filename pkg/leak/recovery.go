package leak

import (
	"context"
	"fmt"
	"time"
)

// attributeRecovery records a RecoveryEvent when a paid event moves an invoice out
// of a non-paid cached state. prev is the cached invoice before this event.
//
// Only a prior open or uncollectible status is attributed (to failed_payments);
// the link to a leak is best-effort and a missing leak is not an error.
// Returns nil when no event was created.
func (e *Engine) attributeRecovery(ctx context.Context, ev *Event, prev *InvoiceRecord) (*RecoveryEvent, error) {
	if !IsPaymentSucceededEvent(ev.Type) || ev.Invoice == nil {
		return nil, nil
	}
	inv := ev.Invoice
	if prev != nil && prev.Status == InvoiceStatusPaid {
		e.logger.Debug("invoice already paid, skipping recovery",
			Field{"account_id", inv.AccountID},
			Field{"invoice_id", inv.InvoiceID},
			Field{"event_id", ev.ID},
		)
		return nil, nil
	}

	amount := inv.AmountPaid
	if amount <= 0 {
		amount = inv.AmountDue
	}
	if amount <= 0 {
		return nil, nil
	}

	recoveredAt := ev.Created
	if recoveredAt.IsZero() {
		recoveredAt = e.now()
	}

	rec := &RecoveryEvent{
		AccountID:   inv.AccountID,
		InvoiceID:   inv.InvoiceID,
		Amount:      amount,
		RecoveredAt: recoveredAt,
		SourceEvent: ev.Type,
		Metadata: map[string]interface{}{
			"event_id":      ev.ID,
			"attempt_count": inv.AttemptCount,
		},
	}
	if prev != nil {
		rec.Metadata["previous_status"] = prev.Status
	}

	if prev != nil && prev.IsFailed() {
		rec.LeakType = TypeFailedPayments
		since := e.now().Add(-e.policy.AttributionLookback)
		l, err := e.storage.LatestLeak(ctx, inv.AccountID, TypeFailedPayments, DateOf(since))
		switch {
		case err != nil:
			e.logger.Warn("recovery leak lookup failed",
				Field{"account_id", inv.AccountID},
				Field{"invoice_id", inv.InvoiceID},
				Field{"error", err.Error()},
			)
		case l != nil:
			rec.LeakID = l.ID
			rec.Metadata["leak_period_end"] = l.PeriodEnd.UTC().Format(dateLayout)
		}
	}

	created, err := e.storage.InsertRecoveryEvent(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("insert recovery for invoice %s: %w", inv.InvoiceID, err)
	}
	if !created {
		return nil, nil
	}

	e.metrics.RecordRecovery(rec.LeakType, rec.Amount)
	e.logger.Info("recovery recorded",
		Field{"account_id", rec.AccountID},
		Field{"invoice_id", rec.InvoiceID},
		Field{"amount", rec.Amount},
		Field{"leak_type", string(rec.LeakType)},
		Field{"leak_id", rec.LeakID},
	)
	return rec, nil
}

// SummarizeRecoveries aggregates events into a RecoverySummary.
func SummarizeRecoveries(accountID string, since time.Time, events []RecoveryEvent) *RecoverySummary {
	s := &RecoverySummary{
		AccountID:  accountID,
		Since:      since,
		ByLeakType: make(map[Type]int64),
	}
	for _, ev := range events {
		s.Total += ev.Amount
		s.Count++
		if ev.LeakType == "" {
			s.Unattributed += ev.Amount
			continue
		}
		s.ByLeakType[ev.LeakType] += ev.Amount
	}
	return s
}
