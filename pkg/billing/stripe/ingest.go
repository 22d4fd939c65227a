package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// NormalizeEvent converts a verified Stripe event into an engine event.
// Event types the engine does not react to are returned without a payload.
// Payload decode failures wrap leak.ErrValidation.
func NormalizeEvent(event *stripe.Event) (*leak.Event, error) {
	if event == nil {
		return nil, fmt.Errorf("%w: nil event", leak.ErrValidation)
	}

	ev := &leak.Event{
		ID:       event.ID,
		Type:     string(event.Type),
		Created:  unixTime(event.Created),
		LiveMode: event.Livemode,
	}
	if !leak.IsRelevantEvent(ev.Type) {
		return ev, nil
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data", leak.ErrValidation, event.ID)
	}

	switch {
	case leak.IsInvoiceEvent(ev.Type):
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("%w: unmarshal invoice: %w", leak.ErrValidation, err)
		}
		ev.Invoice = NormalizeInvoice(&invoice)
	case leak.IsSubscriptionEvent(ev.Type):
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: unmarshal subscription: %w", leak.ErrValidation, err)
		}
		ev.Subscription = NormalizeSubscription(&sub)
	}
	return ev, nil
}

// NormalizeInvoice maps the invoice fields the detectors read
func NormalizeInvoice(invoice *stripe.Invoice) *leak.InvoiceRecord {
	rec := &leak.InvoiceRecord{
		InvoiceID:    invoice.ID,
		Status:       string(invoice.Status),
		AmountDue:    invoice.AmountDue,
		AmountPaid:   invoice.AmountPaid,
		AttemptCount: invoice.AttemptCount,
		Created:      unixTime(invoice.Created),
	}
	if invoice.NextPaymentAttempt > 0 {
		next := unixTime(invoice.NextPaymentAttempt)
		rec.NextPaymentAttempt = &next
	}
	return rec
}

// NormalizeSubscription maps a subscription and folds its items into one
// monthly recurring amount
func NormalizeSubscription(sub *stripe.Subscription) *leak.SubscriptionRecord {
	rec := &leak.SubscriptionRecord{
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
		Created:        unixTime(sub.Created),
	}
	if sub.CanceledAt > 0 {
		canceled := unixTime(sub.CanceledAt)
		rec.CanceledAt = &canceled
	}
	if sub.Items == nil {
		return rec
	}

	var topAmount int64 = -1
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		amount := itemMonthlyAmount(item)
		rec.MonthlyAmount += amount
		// the most expensive item names the plan
		if amount > topAmount {
			topAmount = amount
			rec.PriceID = item.Price.ID
			rec.PlanLabel = item.Price.Nickname
			if rec.PlanLabel == "" {
				rec.PlanLabel = item.Price.ID
			}
		}
	}
	return rec
}

func itemMonthlyAmount(item *stripe.SubscriptionItem) int64 {
	qty := item.Quantity
	if qty <= 0 {
		qty = 1
	}
	total := item.Price.UnitAmount * qty
	if item.Price.Recurring == nil {
		return total
	}
	return MonthlyAmount(total, string(item.Price.Recurring.Interval), item.Price.Recurring.IntervalCount)
}

// MonthlyAmount normalizes an amount billed every count intervals to one month.
// Unknown intervals are treated as monthly.
func MonthlyAmount(amount int64, interval string, count int64) int64 {
	if count <= 0 {
		count = 1
	}
	switch stripe.PriceRecurringInterval(interval) {
	case stripe.PriceRecurringIntervalDay:
		return amount * 30 / count
	case stripe.PriceRecurringIntervalWeek:
		return amount * 52 / (12 * count)
	case stripe.PriceRecurringIntervalYear:
		return amount / (12 * count)
	default:
		return amount / count
	}
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
