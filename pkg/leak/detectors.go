package leak

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// maxEvidenceIDs caps how many object ids a leak's evidence carries.
const maxEvidenceIDs = 25

// DetectionInput is what a detector sees: one account's cache as of Now.
type DetectionInput struct {
	AccountID string
	Now       time.Time
	Cache     CacheReader
	Policy    Policy
}

// WindowStart returns the first instant of the detection window.
func (in DetectionInput) WindowStart() time.Time {
	return in.Now.Add(-in.Policy.Window)
}

// newLeak fills the fields every detector shares. Confidence is stored as computed;
// the reconciler clamps it before persistence.
func (in DetectionInput) newLeak(t Type, lost, recoverable int64, confidence float64) *Leak {
	return &Leak{
		AccountID:         in.AccountID,
		Type:              t,
		PeriodStart:       DateOf(in.WindowStart()),
		PeriodEnd:         DateOf(in.Now),
		LostAmount:        lost,
		RecoverableAmount: recoverable,
		Severity:          in.Policy.SeverityFor(lost),
		Confidence:        confidence,
		Evidence:          map[string]interface{}{},
	}
}

// DetectFunc evaluates one rule against cached state. It returns nil when the
// rule does not fire.
type DetectFunc func(ctx context.Context, in DetectionInput) (*Leak, error)

// Detector pairs a leak type with the rule that produces it.
type Detector struct {
	Type   Type
	Detect DetectFunc
}

// DefaultDetectors returns the five built-in rules.
func DefaultDetectors() []Detector {
	return []Detector{
		{Type: TypeFailedPayments, Detect: DetectFailedPayments},
		{Type: TypeRecoveryGap, Detect: DetectRecoveryGap},
		{Type: TypeChurnSpike, Detect: DetectChurnSpike},
		{Type: TypeSilentChurn, Detect: DetectSilentChurn},
		{Type: TypeExpansionOpportunity, Detect: DetectExpansionOpportunity},
	}
}

// DetectFailedPayments sums amount due over open and uncollectible invoices in the window.
func DetectFailedPayments(ctx context.Context, in DetectionInput) (*Leak, error) {
	invoices, err := in.Cache.ListInvoices(ctx, in.AccountID, in.WindowStart())
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}

	var failed []InvoiceRecord
	var loss int64
	for _, inv := range invoices {
		if inv.IsFailed() {
			failed = append(failed, inv)
			loss += inv.AmountDue
		}
	}
	if loss <= 0 {
		return nil, nil
	}

	p := in.Policy
	l := in.newLeak(TypeFailedPayments, loss,
		roundMinor(float64(loss)*p.FailedPaymentsRecoveryRate), p.FailedPaymentsConfidence)
	l.Title = fmt.Sprintf("%s at risk from %s", formatMinor(loss), plural(len(failed), "failed payment"))
	l.Summary = fmt.Sprintf(
		"%s in the last %d days are open or uncollectible, totalling %s. An estimated %s is recoverable.",
		plural(len(failed), "invoice"), windowDays(p.Window), formatMinor(loss), formatMinor(l.RecoverableAmount))
	l.RecommendedAction = "Review failed invoices, confirm retry schedules are enabled, and contact customers with expired cards."
	l.Evidence = invoiceEvidence(failed, in.Now)
	return l, nil
}

// DetectRecoveryGap is DetectFailedPayments restricted to invoices older than StaleAfter.
// Those failures are outside a normal retry cadence and point at a broken recovery flow.
func DetectRecoveryGap(ctx context.Context, in DetectionInput) (*Leak, error) {
	invoices, err := in.Cache.ListInvoices(ctx, in.AccountID, in.WindowStart())
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}

	p := in.Policy
	var stale []InvoiceRecord
	var loss int64
	for _, inv := range invoices {
		if inv.IsFailed() && in.Now.Sub(inv.Created) >= p.StaleAfter {
			stale = append(stale, inv)
			loss += inv.AmountDue
		}
	}
	if loss <= 0 {
		return nil, nil
	}

	l := in.newLeak(TypeRecoveryGap, loss,
		roundMinor(float64(loss)*p.RecoveryGapRecoveryRate), p.RecoveryGapConfidence)
	l.Title = fmt.Sprintf("%s stuck in failed payments for over %d days", formatMinor(loss), windowDays(p.StaleAfter))
	l.Summary = fmt.Sprintf(
		"%s failed more than %d days ago and are still unpaid. Dunning is not recovering this revenue.",
		plural(len(stale), "invoice"), windowDays(p.StaleAfter))
	l.RecommendedAction = "Audit the dunning sequence: add reminder emails, a card-update link and a final-notice step."
	l.Evidence = invoiceEvidence(stale, in.Now)
	l.Evidence["stale_after_days"] = windowDays(p.StaleAfter)
	return l, nil
}

// DetectChurnSpike compares mean churn over the latest 7 snapshots with the
// snapshots preceding them and fires on a doubling above an absolute floor.
func DetectChurnSpike(ctx context.Context, in DetectionInput) (*Leak, error) {
	p := in.Policy
	snaps, err := in.Cache.ListMetricSnapshots(ctx, in.AccountID, in.WindowStart())
	if err != nil {
		return nil, fmt.Errorf("list metric snapshots: %w", err)
	}
	if len(snaps) < p.ChurnMinSnapshots {
		return nil, nil
	}

	n := len(snaps)
	recentSnaps := snaps[n-7:]
	baselineSnaps := snaps[maxInt(0, n-21) : n-7]
	recent := meanChurn(recentSnaps)
	baseline := meanChurn(baselineSnaps)

	if !(baseline > 0 && recent >= p.ChurnSpikeFactor*baseline && recent >= p.ChurnSpikeFloor) {
		return nil, nil
	}

	latestMRR := snaps[n-1].MRR
	loss := roundMinor(float64(latestMRR) * (recent - baseline) / 100)

	l := in.newLeak(TypeChurnSpike, loss,
		roundMinor(float64(loss)*p.ChurnSpikeRecoverableRate), p.ChurnSpikeConfidence)
	l.Title = fmt.Sprintf("Churn jumped to %.1f%% from a %.1f%% baseline", recent, baseline)
	l.Summary = fmt.Sprintf(
		"Average churn over the last 7 days is %.2f%%, %.1fx the prior baseline of %.2f%%. "+
			"At the current MRR of %s that costs about %s per month.",
		recent, recent/baseline, baseline, formatMinor(latestMRR), formatMinor(loss))
	l.RecommendedAction = "Check recent cancellations for a shared cause (pricing change, outage, competitor) and launch a win-back offer."
	l.Evidence = map[string]interface{}{
		"recent_churn_rate":   recent,
		"baseline_churn_rate": baseline,
		"recent_days":         len(recentSnaps),
		"baseline_days":       len(baselineSnaps),
		"latest_mrr":          latestMRR,
		"snapshot_count":      n,
	}
	return l, nil
}

// DetectSilentChurn fires when net revenue retention fell by more than
// SilentChurnNRRDrop points across the latest 7 snapshots.
func DetectSilentChurn(ctx context.Context, in DetectionInput) (*Leak, error) {
	p := in.Policy
	snaps, err := in.Cache.ListMetricSnapshots(ctx, in.AccountID, in.WindowStart())
	if err != nil {
		return nil, fmt.Errorf("list metric snapshots: %w", err)
	}
	if len(snaps) < p.SilentChurnMinSnapshots {
		return nil, nil
	}

	n := len(snaps)
	first, last := snaps[n-7], snaps[n-1]
	drop := first.NRR - last.NRR
	if drop <= p.SilentChurnNRRDrop {
		return nil, nil
	}

	loss := roundMinor(float64(last.MRR) * drop / 100)
	l := in.newLeak(TypeSilentChurn, loss,
		roundMinor(float64(loss)*p.SilentChurnRecoverableRate), p.SilentChurnConfidence)
	l.Title = fmt.Sprintf("Net revenue retention fell %.1f points in 7 days", drop)
	l.Summary = fmt.Sprintf(
		"NRR dropped from %.1f%% to %.1f%% without a matching rise in cancellations. "+
			"Downgrades or shrinking usage are the likely cause, worth about %s per month.",
		first.NRR, last.NRR, formatMinor(loss))
	l.RecommendedAction = "Look for seat reductions and plan downgrades among existing customers and reach out before renewal."
	l.Evidence = map[string]interface{}{
		"nrr_start":  first.NRR,
		"nrr_end":    last.NRR,
		"nrr_drop":   drop,
		"start_date": first.Date.Format(dateLayout),
		"end_date":   last.Date.Format(dateLayout),
		"latest_mrr": last.MRR,
	}
	return l, nil
}

// DetectExpansionOpportunity looks for long-tenure subscriptions on the cheapest tier.
func DetectExpansionOpportunity(ctx context.Context, in DetectionInput) (*Leak, error) {
	p := in.Policy
	subs, err := in.Cache.ListSubscriptions(ctx, in.AccountID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	var live []SubscriptionRecord
	for _, s := range subs {
		if s.IsLive() && s.MonthlyAmount > 0 {
			live = append(live, s)
		}
	}
	if len(live) < p.ExpansionMinSubscriptions {
		return nil, nil
	}

	minTier := int64(math.MaxInt64)
	for _, s := range live {
		if s.MonthlyAmount < minTier {
			minTier = s.MonthlyAmount
		}
	}

	var candidates []SubscriptionRecord
	var tierMRR int64
	for _, s := range live {
		// an unknown creation time says nothing about tenure
		if s.Created.IsZero() {
			continue
		}
		if s.MonthlyAmount == minTier && in.Now.Sub(s.Created) >= p.ExpansionMinTenure {
			candidates = append(candidates, s)
			tierMRR += s.MonthlyAmount
		}
	}
	if len(candidates) < p.ExpansionMinCandidates {
		return nil, nil
	}

	upside := roundMinor(float64(tierMRR) * p.ExpansionUpgradeShare * p.ExpansionUplift)
	if upside <= 0 || upside < p.ExpansionFloor {
		return nil, nil
	}

	l := in.newLeak(TypeExpansionOpportunity, upside, upside, p.ExpansionConfidence)
	l.Title = fmt.Sprintf("%s on your entry tier for over %d days",
		plural(len(candidates), "customer"), windowDays(p.ExpansionMinTenure))
	l.Summary = fmt.Sprintf(
		"%s have stayed on the %s/month tier for at least %d days. "+
			"If half upgraded at a 20%% uplift you would add about %s per month.",
		plural(len(candidates), "subscription"), formatMinor(minTier),
		windowDays(p.ExpansionMinTenure), formatMinor(upside))
	l.RecommendedAction = "Run an upgrade campaign for long-tenure entry-tier customers highlighting higher-tier features."

	ids := make([]string, 0, len(candidates))
	for _, s := range candidates {
		ids = append(ids, s.SubscriptionID)
	}
	sort.Strings(ids)
	l.Evidence = map[string]interface{}{
		"tier_amount":        minTier,
		"tier_price_id":      candidates[0].PriceID,
		"tier_plan":          candidates[0].PlanLabel,
		"candidate_count":    len(candidates),
		"live_subscriptions": len(live),
		"current_tier_mrr":   tierMRR,
		"subscription_ids":   truncateIDs(ids),
		"min_tenure_days":    windowDays(p.ExpansionMinTenure),
		"upgrade_share":      p.ExpansionUpgradeShare,
		"uplift":             p.ExpansionUplift,
	}
	return l, nil
}

func invoiceEvidence(invoices []InvoiceRecord, now time.Time) map[string]interface{} {
	ids := make([]string, 0, len(invoices))
	var total int64
	var oldest time.Duration
	var attempts int64
	for _, inv := range invoices {
		ids = append(ids, inv.InvoiceID)
		total += inv.AmountDue
		attempts += inv.AttemptCount
		if age := now.Sub(inv.Created); age > oldest {
			oldest = age
		}
	}
	sort.Strings(ids)
	return map[string]interface{}{
		"invoice_count":    len(invoices),
		"invoice_ids":      truncateIDs(ids),
		"total_amount_due": total,
		"retry_attempts":   attempts,
		"oldest_age_days":  int(oldest / day),
	}
}

func meanChurn(snaps []MetricSnapshot) float64 {
	if len(snaps) == 0 {
		return 0
	}
	var sum float64
	for _, s := range snaps {
		sum += s.ChurnRate
	}
	return sum / float64(len(snaps))
}

func truncateIDs(ids []string) []string {
	if len(ids) > maxEvidenceIDs {
		return ids[:maxEvidenceIDs]
	}
	return ids
}

func windowDays(d time.Duration) int {
	return int(d / day)
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// formatMinor renders minor units as dollars with thousands separators.
func formatMinor(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := fmt.Sprintf("%d", v/100)
	for i := len(whole) - 3; i > 0; i -= 3 {
		whole = whole[:i] + "," + whole[i:]
	}
	return fmt.Sprintf("%s$%s.%02d", sign, whole, v%100)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
