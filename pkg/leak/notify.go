package leak

import (
	"context"
	"fmt"
)

// Channels returns the delivery channels a reconciled leak qualifies for.
// Unchanged leaks get none. Changed leaks always go in-app; high and critical
// leaks are also emailed unless the account disabled email reports.
func Channels(r *Reconciliation, acct *Account) []Channel {
	if r == nil || !r.Changed || r.Leak == nil {
		return nil
	}
	channels := []Channel{ChannelInApp}
	if r.Leak.Severity.Rank() >= SeverityHigh.Rank() && (acct == nil || !acct.EmailReportsDisabled) {
		channels = append(channels, ChannelEmail)
	}
	return channels
}

// notify persists one notification per qualifying channel and hands email
// notifications to the dispatcher. Only newly inserted rows are returned.
// Dispatch failures are logged and never undo the insert.
func (e *Engine) notify(ctx context.Context, acct *Account, r *Reconciliation) ([]Notification, error) {
	channels := Channels(r, acct)
	if len(channels) == 0 {
		return nil, nil
	}

	var created []Notification
	for _, ch := range channels {
		n := &Notification{
			AccountID: r.Leak.AccountID,
			LeakID:    r.Leak.ID,
			Channel:   ch,
			Severity:  r.Leak.Severity,
			Title:     r.Leak.Title,
			Message:   notificationMessage(r.Leak),
			CreatedAt: e.now(),
		}
		ok, err := e.storage.InsertNotification(ctx, n)
		if err != nil {
			return created, fmt.Errorf("insert %s notification for leak %s: %w", ch, r.Leak.ID, err)
		}
		if !ok {
			e.metrics.RecordNotification(ch, "duplicate")
			continue
		}
		e.metrics.RecordNotification(ch, "created")

		if ch == ChannelEmail && e.dispatcher != nil {
			if err := e.dispatcher.Dispatch(ctx, acct, n); err != nil {
				e.logger.Warn("notification delivery failed",
					Field{"account_id", n.AccountID},
					Field{"notification_id", n.ID},
					Field{"channel", string(ch)},
					Field{"error", err.Error()},
				)
			}
		}
		created = append(created, *n)
	}
	return created, nil
}

func notificationMessage(l *Leak) string {
	msg := l.Summary
	if l.RecommendedAction != "" {
		if msg != "" {
			msg += " "
		}
		msg += l.RecommendedAction
	}
	return msg
}
