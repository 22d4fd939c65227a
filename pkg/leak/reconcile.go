package leak

import (
	"context"
	"fmt"
)

// Reconcile replaces the leak stored under the candidate's key and decides
// whether the new value is a significant change from the one it replaced.
//
// The candidate is not modified; the persisted copy has its window normalized to
// calendar days, its confidence clamped and its id assigned by storage.
// Reconciling the same candidate twice yields Changed=false the second time.
func (e *Engine) Reconcile(ctx context.Context, candidate *Leak) (*Reconciliation, error) {
	if candidate == nil || candidate.AccountID == "" || !candidate.Type.Valid() || candidate.PeriodEnd.IsZero() {
		return nil, ErrInvalidLeak
	}

	l := *candidate
	l.ID = ""
	l.CreatedAt = e.now()
	l.PeriodEnd = DateOf(l.PeriodEnd)
	if !l.PeriodStart.IsZero() {
		l.PeriodStart = DateOf(l.PeriodStart)
	}
	l.Confidence = e.policy.ClampConfidence(l.Confidence)
	if l.Severity.Rank() == 0 {
		l.Severity = e.policy.SeverityFor(l.LostAmount)
	}
	if l.Evidence == nil {
		l.Evidence = map[string]interface{}{}
	}

	prev, err := e.storage.ReplaceLeak(ctx, &l)
	if err != nil {
		return nil, fmt.Errorf("replace leak %s: %w", l.Key(), err)
	}

	changed := e.policy.IsSignificantChange(prev, &l)
	e.metrics.RecordLeakReconciled(l.Type, l.Severity, changed)

	fields := []Field{
		{"account_id", l.AccountID},
		{"leak_type", string(l.Type)},
		{"leak_id", l.ID},
		{"severity", string(l.Severity)},
		{"lost_amount", l.LostAmount},
		{"changed", changed},
	}
	if prev != nil {
		fields = append(fields,
			Field{"previous_leak_id", prev.ID},
			Field{"previous_severity", string(prev.Severity)},
			Field{"previous_lost_amount", prev.LostAmount},
		)
	}
	e.logger.Debug("leak reconciled", fields...)

	return &Reconciliation{Leak: &l, Changed: changed, Previous: prev}, nil
}
