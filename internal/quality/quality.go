// Package quality runs data-quality checks over the ingested tables and
// persists every verdict to the audit log. Checks never mutate data; a
// critical finding is a signal for backfill or investigation, not an
// automatic rollback.
package quality

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/audit"
	"github.com/quantflow/quantflow/internal/events"
)

// Finding is one check verdict before persistence.
type Finding struct {
	Plugin   string `json:"plugin"`
	Table    string `json:"table"`
	Check    string `json:"check"`
	Severity string `json:"severity"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail,omitempty"`
}

// Check is a single quality check. Run returns one finding per inspected
// (plugin, table) pair.
type Check interface {
	Name() string
	Run(ctx context.Context) ([]Finding, error)
}

// Runner executes registered checks and records their findings.
type Runner struct {
	checks []Check
	qlog   *audit.QualityLog
	bus    *events.Bus
	log    zerolog.Logger
}

// NewRunner creates a check runner.
func NewRunner(qlog *audit.QualityLog, bus *events.Bus, log zerolog.Logger) *Runner {
	return &Runner{
		qlog: qlog,
		bus:  bus,
		log:  log.With().Str("component", "quality").Logger(),
	}
}

// Register adds a check. Not safe to call concurrently with Run.
func (r *Runner) Register(c Check) {
	r.checks = append(r.checks, c)
}

// Run executes all checks, persists every finding, and emits an event per
// failed finding. A check that errors aborts the run; a check that merely
// fails does not.
func (r *Runner) Run(ctx context.Context) ([]Finding, error) {
	var all []Finding

	for _, check := range r.checks {
		findings, err := check.Run(ctx)
		if err != nil {
			return all, fmt.Errorf("quality check %s: %w", check.Name(), err)
		}

		for _, f := range findings {
			if err := r.qlog.Record(ctx, audit.QualityResult{
				Plugin:    f.Plugin,
				Table:     f.Table,
				CheckName: f.Check,
				Severity:  f.Severity,
				Passed:    f.Passed,
				Detail:    f.Detail,
			}); err != nil {
				return all, fmt.Errorf("failed to record quality finding: %w", err)
			}

			if !f.Passed {
				r.log.Warn().
					Str("check", f.Check).
					Str("plugin", f.Plugin).
					Str("severity", f.Severity).
					Str("detail", f.Detail).
					Msg("Quality check failed")
				r.bus.Emit(events.QualityCheckFailed, "quality", map[string]interface{}{
					"check": f.Check, "plugin": f.Plugin, "table": f.Table,
					"severity": f.Severity, "detail": f.Detail,
				})
			}
		}

		all = append(all, findings...)
	}

	return all, nil
}
