package leak

import (
	"fmt"
	"math"
	"time"
)

const day = 24 * time.Hour

// SeverityBands maps monthly loss (minor units) to severity. A loss at or above
// a band's threshold gets that band.
type SeverityBands struct {
	Critical int64 `yaml:"critical"`
	High     int64 `yaml:"high"`
	Medium   int64 `yaml:"medium"`
}

// Policy holds the product-policy constants used by detectors and the diff engine.
// Start from DefaultPolicy and override fields; zero is a valid setting for
// thresholds such as ChurnSpikeFloor and ExpansionFloor.
type Policy struct {
	// Window is the trailing detection window.
	Window time.Duration `yaml:"window"`

	// FailedPaymentsRecoveryRate is the share of failed revenue considered recoverable.
	FailedPaymentsRecoveryRate float64 `yaml:"failed_payments_recovery_rate"`
	FailedPaymentsConfidence   float64 `yaml:"failed_payments_confidence"`

	// StaleAfter is the invoice age at which a failure counts as a recovery gap.
	StaleAfter              time.Duration `yaml:"stale_after"`
	RecoveryGapRecoveryRate float64       `yaml:"recovery_gap_recovery_rate"`
	RecoveryGapConfidence   float64       `yaml:"recovery_gap_confidence"`

	// ChurnMinSnapshots is how many daily snapshots churn spike needs.
	ChurnMinSnapshots int `yaml:"churn_min_snapshots"`
	// ChurnSpikeFactor is the multiple of baseline churn that counts as a spike.
	ChurnSpikeFactor float64 `yaml:"churn_spike_factor"`
	// ChurnSpikeFloor is the minimum recent churn percentage.
	ChurnSpikeFloor           float64 `yaml:"churn_spike_floor"`
	ChurnSpikeRecoverableRate float64 `yaml:"churn_spike_recoverable_rate"`
	ChurnSpikeConfidence      float64 `yaml:"churn_spike_confidence"`

	SilentChurnMinSnapshots int `yaml:"silent_churn_min_snapshots"`
	// SilentChurnNRRDrop is the NRR drop in percentage points that fires the detector.
	SilentChurnNRRDrop         float64 `yaml:"silent_churn_nrr_drop"`
	SilentChurnRecoverableRate float64 `yaml:"silent_churn_recoverable_rate"`
	SilentChurnConfidence      float64 `yaml:"silent_churn_confidence"`

	ExpansionMinSubscriptions int           `yaml:"expansion_min_subscriptions"`
	ExpansionMinTenure        time.Duration `yaml:"expansion_min_tenure"`
	ExpansionMinCandidates    int           `yaml:"expansion_min_candidates"`
	ExpansionUpgradeShare     float64       `yaml:"expansion_upgrade_share"`
	ExpansionUplift           float64       `yaml:"expansion_uplift"`
	// ExpansionFloor suppresses upside estimates below this amount (minor units).
	ExpansionFloor      int64   `yaml:"expansion_floor"`
	ExpansionConfidence float64 `yaml:"expansion_confidence"`

	// ChangeRatio is the relative loss movement that counts as a change.
	ChangeRatio float64 `yaml:"change_ratio"`

	MinConfidence float64 `yaml:"min_confidence"`
	MaxConfidence float64 `yaml:"max_confidence"`

	Severity SeverityBands `yaml:"severity"`

	// AttributionLookback bounds the leak search when linking a recovery.
	AttributionLookback time.Duration `yaml:"attribution_lookback"`
}

// DefaultPolicy returns the documented product defaults.
func DefaultPolicy() Policy {
	return Policy{
		Window: 30 * day,

		FailedPaymentsRecoveryRate: 0.65,
		FailedPaymentsConfidence:   0.82,

		StaleAfter:              7 * day,
		RecoveryGapRecoveryRate: 0.45,
		RecoveryGapConfidence:   0.78,

		ChurnMinSnapshots:         14,
		ChurnSpikeFactor:          2.0,
		ChurnSpikeFloor:           2.0,
		ChurnSpikeRecoverableRate: 0.30,
		ChurnSpikeConfidence:      0.70,

		SilentChurnMinSnapshots:    7,
		SilentChurnNRRDrop:         10.0,
		SilentChurnRecoverableRate: 0.20,
		SilentChurnConfidence:      0.55,

		ExpansionMinSubscriptions: 10,
		ExpansionMinTenure:        180 * day,
		ExpansionMinCandidates:    5,
		ExpansionUpgradeShare:     0.5,
		ExpansionUplift:           0.2,
		ExpansionFloor:            50000,
		ExpansionConfidence:       0.50,

		ChangeRatio: 0.15,

		MinConfidence: 0.2,
		MaxConfidence: 0.95,

		Severity: SeverityBands{
			Critical: 5_000_000,
			High:     1_000_000,
			Medium:   200_000,
		},

		AttributionLookback: 30 * day,
	}
}

// Validate checks that the policy is internally consistent.
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", p.Window)
	}
	if p.ChurnSpikeFloor < 0 || p.ExpansionFloor < 0 {
		return fmt.Errorf("churn_spike_floor and expansion_floor must be non-negative")
	}
	if p.MinConfidence < 0 || p.MaxConfidence > 1 || p.MinConfidence > p.MaxConfidence {
		return fmt.Errorf("confidence bounds must satisfy 0 <= min <= max <= 1, got [%v, %v]",
			p.MinConfidence, p.MaxConfidence)
	}
	if !(p.Severity.Medium < p.Severity.High && p.Severity.High < p.Severity.Critical) {
		return fmt.Errorf("severity bands must be strictly increasing: medium=%d high=%d critical=%d",
			p.Severity.Medium, p.Severity.High, p.Severity.Critical)
	}
	if p.StaleAfter > p.Window {
		return fmt.Errorf("stale_after (%s) must not exceed window (%s)", p.StaleAfter, p.Window)
	}
	if p.ChurnMinSnapshots < 8 {
		return fmt.Errorf("churn_min_snapshots must be at least 8, got %d", p.ChurnMinSnapshots)
	}
	if p.SilentChurnMinSnapshots < 7 {
		return fmt.Errorf("silent_churn_min_snapshots must be at least 7, got %d", p.SilentChurnMinSnapshots)
	}
	if p.ChangeRatio < 0 {
		return fmt.Errorf("change_ratio must be non-negative, got %v", p.ChangeRatio)
	}
	for name, rate := range map[string]float64{
		"failed_payments_recovery_rate": p.FailedPaymentsRecoveryRate,
		"recovery_gap_recovery_rate":    p.RecoveryGapRecoveryRate,
		"churn_spike_recoverable_rate":  p.ChurnSpikeRecoverableRate,
		"silent_churn_recoverable_rate": p.SilentChurnRecoverableRate,
		"expansion_upgrade_share":       p.ExpansionUpgradeShare,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, rate)
		}
	}
	return nil
}

// SeverityFor maps a monthly loss in minor units to its severity band.
func (p Policy) SeverityFor(loss int64) Severity {
	switch {
	case loss >= p.Severity.Critical:
		return SeverityCritical
	case loss >= p.Severity.High:
		return SeverityHigh
	case loss >= p.Severity.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ClampConfidence bounds c to [MinConfidence, MaxConfidence]
func (p Policy) ClampConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return p.MinConfidence
	}
	return math.Min(math.Max(c, p.MinConfidence), p.MaxConfidence)
}

// IsSignificantChange reports whether next differs meaningfully from prev.
// A nil prev is always a change.
func (p Policy) IsSignificantChange(prev, next *Leak) bool {
	if prev == nil {
		return true
	}
	if next.Severity.Rank() > prev.Severity.Rank() {
		return true
	}

	var ratio float64
	switch {
	case prev.LostAmount > 0:
		delta := next.LostAmount - prev.LostAmount
		if delta < 0 {
			delta = -delta
		}
		ratio = float64(delta) / float64(prev.LostAmount)
	case next.LostAmount > 0:
		ratio = 1.0
	default:
		return false
	}
	return ratio >= p.ChangeRatio
}

func roundMinor(v float64) int64 {
	return int64(math.Round(v))
}
