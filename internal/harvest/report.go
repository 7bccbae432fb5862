package harvest

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SourceReport is the per-source line of a run report.
type SourceReport struct {
	Name      string     `json:"name"`
	Kind      SourceKind `json:"kind"`
	Expected  int        `json:"expected"`
	Collected int        `json:"collected"`
	Skipped   int        `json:"skipped"`
	Reason    StopReason `json:"reason"`
	Error     string     `json:"error,omitempty"`
}

// Report summarizes one harvest run.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// Items is the size of the combined record set.
	Items int `json:"items"`
	// SpaceItems counts the records that came from named collections.
	SpaceItems int `json:"space_items"`
	// ExpectedItems sums the expected sizes of every named collection,
	// including the ones that failed.
	ExpectedItems int `json:"expected_items"`
	// Yield is SpaceItems / ExpectedItems, or 0 when nothing was expected.
	Yield   float64        `json:"yield"`
	Sources []SourceReport `json:"sources"`
	// Failed lists the sources that produced nothing because of errors.
	Failed []SourceReport `json:"failed"`
	// Interrupted is set when the run was cancelled before every source ran.
	Interrupted bool `json:"interrupted"`
}

// YieldPercent returns Yield as a percentage.
func (r Report) YieldPercent() float64 {
	return r.Yield * 100
}

func (r *Report) add(sr SourceReport) {
	r.Sources = append(r.Sources, sr)
	if sr.Reason == StopFailed {
		r.Failed = append(r.Failed, sr)
	}
	if sr.Kind == SourceSpace {
		r.ExpectedItems += sr.Expected
		r.SpaceItems += sr.Collected
	}
	r.Items += sr.Collected
}

func (r *Report) finalize(finished time.Time) {
	r.FinishedAt = finished
	if r.ExpectedItems > 0 {
		r.Yield = float64(r.SpaceItems) / float64(r.ExpectedItems)
	}
	if r.Sources == nil {
		r.Sources = []SourceReport{}
	}
	if r.Failed == nil {
		r.Failed = []SourceReport{}
	}
}

func (r Report) log(logger *zap.Logger) {
	if len(r.Failed) > 0 {
		for _, f := range r.Failed {
			logger.Warn("source could not be processed",
				zap.String("source", f.Name),
				zap.String("kind", string(f.Kind)),
				zap.Int("expected", f.Expected),
				zap.String("error", f.Error),
			)
		}
	}
	logger.Info("harvest finished",
		zap.String("run_id", r.RunID),
		zap.Int("items", r.Items),
		zap.Int("expected", r.ExpectedItems),
		zap.Int("failed_sources", len(r.Failed)),
		zap.String("yield", fmt.Sprintf("%.2f%%", r.YieldPercent())),
		zap.Duration("elapsed", r.FinishedAt.Sub(r.StartedAt)),
		zap.Bool("interrupted", r.Interrupted),
	)
}
