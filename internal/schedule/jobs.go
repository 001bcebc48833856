package schedule

import (
	"context"
	"time"

	"github.com/quantflow/quantflow/internal/ingest"
	"github.com/quantflow/quantflow/internal/quality"
	"github.com/rs/zerolog"
)

// DailySyncJob submits the daily ingestion run for the current trade date.
type DailySyncJob struct {
	orch *ingest.Orchestrator
	log  zerolog.Logger
}

// NewDailySyncJob creates the scheduled daily sync job.
func NewDailySyncJob(orch *ingest.Orchestrator, log zerolog.Logger) *DailySyncJob {
	return &DailySyncJob{
		orch: orch,
		log:  log.With().Str("job", "daily_sync").Logger(),
	}
}

func (j *DailySyncJob) Name() string { return "daily_sync" }

// Run submits a daily run and returns without waiting for it; the
// orchestrator owns the run lifecycle.
func (j *DailySyncJob) Run() error {
	run := j.orch.Submit(ingest.Request{Trigger: ingest.TriggerDaily})
	j.log.Info().Str("run_id", run.ID).Msg("Daily sync submitted")
	return nil
}

// QualityJob runs the registered quality checks.
type QualityJob struct {
	runner  *quality.Runner
	timeout time.Duration
	log     zerolog.Logger
}

// NewQualityJob creates the scheduled quality sweep.
func NewQualityJob(runner *quality.Runner, log zerolog.Logger) *QualityJob {
	return &QualityJob{
		runner:  runner,
		timeout: 15 * time.Minute,
		log:     log.With().Str("job", "quality_sweep").Logger(),
	}
}

func (j *QualityJob) Name() string { return "quality_sweep" }

func (j *QualityJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	findings, err := j.runner.Run(ctx)
	if err != nil {
		return err
	}

	failed := 0
	for _, f := range findings {
		if !f.Passed {
			failed++
		}
	}
	j.log.Info().
		Int("findings", len(findings)).
		Int("failed", failed).
		Msg("Quality sweep finished")
	return nil
}
