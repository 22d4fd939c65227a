package leak

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Detector outcomes reported to Metrics.
const (
	outcomeFired = "fired"
	outcomeQuiet = "quiet"
	outcomeError = "error"
)

// DetectorResult is the outcome of one detector within a run.
type DetectorResult struct {
	Type Type `json:"leak_type"`
	// Reconciliation is set when the detector fired and the leak was persisted.
	Reconciliation *Reconciliation `json:"reconciliation,omitempty"`
	// Notifications lists the notifications created for a changed leak.
	Notifications []Notification `json:"notifications,omitempty"`
	// Err is the detector, persistence or notification failure, if any.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`

	candidate *Leak
}

// DetectionReport is the outcome of running every detector for one account.
type DetectionReport struct {
	AccountID string           `json:"account_id"`
	RanAt     time.Time        `json:"ran_at"`
	Results   []DetectorResult `json:"results"`
}

// Leaks returns the leaks persisted during the run.
func (r *DetectionReport) Leaks() []Leak {
	var out []Leak
	for _, res := range r.Results {
		if res.Reconciliation != nil && res.Reconciliation.Leak != nil {
			out = append(out, *res.Reconciliation.Leak)
		}
	}
	return out
}

// Notifications returns every notification created during the run.
func (r *DetectionReport) Notifications() []Notification {
	var out []Notification
	for _, res := range r.Results {
		out = append(out, res.Notifications...)
	}
	return out
}

// Failures returns the results that carry an error.
func (r *DetectionReport) Failures() []DetectorResult {
	var out []DetectorResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Result returns the result for one leak type.
func (r *DetectionReport) Result(t Type) (DetectorResult, bool) {
	for _, res := range r.Results {
		if res.Type == t {
			return res, true
		}
	}
	return DetectorResult{}, false
}

// runDetectors evaluates every detector concurrently. A failing or panicking
// detector records its error in its own slot and never cancels its siblings.
func (e *Engine) runDetectors(ctx context.Context, accountID string, now time.Time) []DetectorResult {
	results := make([]DetectorResult, len(e.detectors))
	input := DetectionInput{
		AccountID: accountID,
		Now:       now,
		Cache:     e.storage,
		Policy:    e.policy,
	}

	var g errgroup.Group
	for i, d := range e.detectors {
		i, d := i, d
		g.Go(func() error {
			start := time.Now()
			candidate, err := safeDetect(ctx, d, input)
			results[i] = DetectorResult{Type: d.Type, candidate: candidate}

			switch {
			case err != nil:
				results[i].setErr(fmt.Errorf("detector %s: %w", d.Type, err))
				e.metrics.RecordDetectorRun(d.Type, outcomeError, time.Since(start))
				e.logger.Error("detector failed",
					Field{"account_id", accountID},
					Field{"leak_type", string(d.Type)},
					Field{"error", err.Error()},
				)
			case candidate != nil:
				e.metrics.RecordDetectorRun(d.Type, outcomeFired, time.Since(start))
			default:
				e.metrics.RecordDetectorRun(d.Type, outcomeQuiet, time.Since(start))
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines never return errors

	return results
}

func safeDetect(ctx context.Context, d Detector, in DetectionInput) (l *Leak, err error) {
	defer func() {
		if r := recover(); r != nil {
			l = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err = d.Detect(ctx, in)
	if err != nil {
		return nil, err
	}
	if l != nil && l.Type != d.Type {
		return nil, fmt.Errorf("detector returned leak of type %q", l.Type)
	}
	return l, nil
}

func (r *DetectorResult) setErr(err error) {
	r.Err = err
	r.Error = err.Error()
}
