package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantflow/quantflow/internal/audit"
	"github.com/quantflow/quantflow/internal/events"
	"github.com/quantflow/quantflow/internal/plugin"
)

// runTask executes one plugin over its date scope. Per-date outcomes are
// recorded in the audit log as they happen; the task aggregates them.
// Panics inside a plugin are task failures, never process crashes.
func (o *Orchestrator) runTask(ctx context.Context, run *Run, task *Task, p plugin.Plugin, dates []string) {
	desc := p.Descriptor()
	log := o.log.With().
		Str("run_id", run.ID).
		Str("task_id", task.ID).
		Str("plugin", desc.Name).
		Logger()

	task.start()
	o.bus.Emit(events.TaskStarted, "ingest", map[string]interface{}{
		"run_id": run.ID, "task_id": task.ID, "plugin": desc.Name, "dates": len(dates),
	})

	var (
		mu        sync.Mutex
		failed    []string
		blocked   []string
		cancelled int
	)

	group := errgroup.Group{}
	group.SetLimit(o.opts.MaxSubRequests)

	for _, date := range dates {
		group.Go(func() error {
			if run.IsCancelled() || ctx.Err() != nil {
				o.recordOutcome(run, task, desc.Name, date, audit.StatusCancelled, 0, "run cancelled", time.Now())
				mu.Lock()
				cancelled++
				mu.Unlock()
				return nil
			}

			startedAt := time.Now()

			if reason, ok := o.depsSatisfied(ctx, desc, date); !ok {
				o.recordOutcome(run, task, desc.Name, date, audit.StatusBlocked, 0, reason, startedAt)
				mu.Lock()
				blocked = append(blocked, date)
				mu.Unlock()
				log.Warn().Str("trade_date", date).Str("reason", reason).Msg("Task date blocked on dependency")
				return nil
			}

			rows, err := o.processDate(ctx, p, date)
			if err != nil {
				o.recordOutcome(run, task, desc.Name, date, audit.StatusFailed, 0, err.Error(), startedAt)
				mu.Lock()
				failed = append(failed, fmt.Sprintf("%s: %v", dateLabel(date), err))
				mu.Unlock()
				log.Error().Err(err).Str("trade_date", date).Msg("Task date failed")
				return nil
			}

			o.recordOutcome(run, task, desc.Name, date, audit.StatusCompleted, rows, "", startedAt)
			task.dateDone(rows)
			return nil
		})
	}
	_ = group.Wait()

	state, errMsg := taskOutcome(len(dates), failed, blocked, cancelled)
	task.finish(state, errMsg)

	if state == TaskCompleted && desc.Name == o.opts.CalendarPlugin {
		if err := o.cal.Refresh(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to refresh calendar after ingestion")
		}
	}

	eventType := map[TaskState]events.EventType{
		TaskCompleted: events.TaskCompleted,
		TaskFailed:    events.TaskFailed,
		TaskBlocked:   events.TaskBlocked,
		TaskCancelled: events.TaskCancelled,
	}[state]
	o.bus.Emit(eventType, "ingest", map[string]interface{}{
		"run_id": run.ID, "task_id": task.ID, "plugin": desc.Name,
		"rows": task.Snapshot().Rows, "error": errMsg,
	})
}

// processDate runs the extract/validate/transform/load pipeline for one
// date. An empty extract is a normal zero-row completion. A validation
// failure aborts the batch before anything reaches the store.
func (o *Orchestrator) processDate(ctx context.Context, p plugin.Plugin, date string) (rows int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic: %v", r)
		}
	}()

	params := plugin.ExtractParams{TradeDate: date}

	raw, err := p.Extract(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("extract: %w", err)
	}
	if len(raw) == 0 {
		return 0, nil
	}

	if result := p.Validate(raw); !result.OK {
		return 0, fmt.Errorf("validation failed: %s", strings.Join(result.Reasons, "; "))
	}

	loaded, err := p.Load(ctx, p.Transform(raw))
	if err != nil {
		return 0, fmt.Errorf("load: %w", err)
	}
	return loaded.TotalRows(), nil
}

// depsSatisfied checks every hard dependency against the audit log. The
// dependency's own gating mode decides whether "completed for this exact
// date" or "completed at least once" is required.
func (o *Orchestrator) depsSatisfied(ctx context.Context, desc plugin.Descriptor, date string) (string, bool) {
	for _, dep := range desc.DependsOn {
		gating := plugin.GateSameDate
		if depPlugin := o.registry.Get(dep); depPlugin != nil {
			gating = depPlugin.Descriptor().DepGating
		}

		var (
			done bool
			err  error
		)
		if gating == plugin.GateAnyCompleted || date == "" {
			done, err = o.auditLog.HasEverCompleted(ctx, dep)
		} else {
			done, err = o.auditLog.HasCompleted(ctx, dep, date)
		}
		if err != nil {
			return fmt.Sprintf("dependency check for %s failed: %v", dep, err), false
		}
		if !done {
			return fmt.Sprintf("dependency %s has no completed ingestion for %s", dep, dateLabel(date)), false
		}
	}
	return "", true
}

func (o *Orchestrator) recordOutcome(run *Run, task *Task, pluginName, date, status string, rows int64, errMsg string, startedAt time.Time) {
	rec := audit.TaskRecord{
		RunID:      run.ID,
		TaskID:     task.ID,
		Plugin:     pluginName,
		TradeDate:  date,
		Status:     status,
		Rows:       rows,
		Error:      errMsg,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	// Recording must not use the run context: a cancelled run still gets
	// its audit trail.
	if err := o.auditLog.Record(context.Background(), rec); err != nil {
		o.log.Error().Err(err).
			Str("plugin", pluginName).
			Str("trade_date", date).
			Msg("Failed to record task outcome")
	}
}

func taskOutcome(total int, failed, blocked []string, cancelled int) (TaskState, string) {
	switch {
	case len(failed) > 0:
		return TaskFailed, strings.Join(failed, "; ")
	case cancelled > 0 && cancelled == total:
		return TaskCancelled, ""
	case len(blocked) > 0:
		return TaskBlocked, fmt.Sprintf("%d of %d dates blocked on dependencies", len(blocked), total)
	default:
		return TaskCompleted, ""
	}
}

func dateLabel(date string) string {
	if date == "" {
		return "any date"
	}
	return date
}
