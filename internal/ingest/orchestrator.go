package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/quantflow/quantflow/internal/audit"
	"github.com/quantflow/quantflow/internal/events"
	"github.com/quantflow/quantflow/internal/plugin"
)

// Calendar is the trading-calendar view the orchestrator needs.
type Calendar interface {
	Loaded() bool
	Refresh(ctx context.Context) error
	IsTradingDay(date string) (bool, error)
	TradingDatesBetween(from, to string) ([]string, error)
}

// AuditLog is the ingestion-log view the orchestrator needs. Completion
// rows written here are what dependency gating and backfill resume read.
type AuditLog interface {
	Record(ctx context.Context, rec audit.TaskRecord) error
	HasCompleted(ctx context.Context, plugin, tradeDate string) (bool, error)
	HasEverCompleted(ctx context.Context, plugin string) (bool, error)
	CompletedDates(ctx context.Context, plugin, from, to string) ([]string, error)
}

// Options tunes orchestrator concurrency and the calendar bootstrap.
type Options struct {
	// CalendarPlugin names the plugin whose table feeds the calendar
	// service. It is the only plugin allowed to run before calendar data
	// exists.
	CalendarPlugin string
	// MaxConcurrentTasks bounds plugin tasks running at once.
	MaxConcurrentTasks int64
	// MaxSubRequests bounds per-date work within one task.
	MaxSubRequests int
}

// Request describes what an ingestion run should cover.
type Request struct {
	Trigger   TriggerKind
	StartDate string   // backfill range start, YYYYMMDD
	EndDate   string   // backfill range end, YYYYMMDD
	Dates     []string // manual date list, YYYYMMDD
	Plugins   []string // subset of plugins, empty = all daily-scheduled
}

// Orchestrator resolves run scope and dispatches plugin tasks in
// dependency order.
type Orchestrator struct {
	registry *plugin.Registry
	cal      Calendar
	auditLog AuditLog
	bus      *events.Bus
	opts     Options
	log      zerolog.Logger

	tracker *tracker
}

// NewOrchestrator creates an orchestrator over a finalized registry.
func NewOrchestrator(registry *plugin.Registry, cal Calendar, auditLog AuditLog, bus *events.Bus, opts Options, log zerolog.Logger) *Orchestrator {
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 4
	}
	if opts.MaxSubRequests <= 0 {
		opts.MaxSubRequests = 4
	}
	if opts.CalendarPlugin == "" {
		opts.CalendarPlugin = "tradecal"
	}

	return &Orchestrator{
		registry: registry,
		cal:      cal,
		auditLog: auditLog,
		bus:      bus,
		opts:     opts,
		log:      log.With().Str("component", "ingest").Logger(),
		tracker:  newTracker(),
	}
}

// Execute runs a request to completion and returns the finished run.
// The returned error covers orchestration failures only; individual task
// failures are reported in the run summary, not raised.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Run, error) {
	run := NewRun(req.Trigger)
	ctx, cancel := context.WithCancel(ctx)
	o.tracker.add(run, cancel)
	defer cancel()

	o.bus.Emit(events.RunStarted, "ingest", map[string]interface{}{
		"run_id": run.ID, "trigger": string(req.Trigger),
	})

	err := o.execute(ctx, run, req)

	run.setState(RunAggregating)
	run.aggregate()
	run.setState(RunDone)

	switch {
	case err != nil:
		o.bus.Emit(events.RunFailed, "ingest", map[string]interface{}{
			"run_id": run.ID, "error": err.Error(),
		})
	case run.IsCancelled():
		o.bus.Emit(events.RunCancelled, "ingest", map[string]interface{}{
			"run_id": run.ID,
		})
	default:
		o.bus.Emit(events.RunCompleted, "ingest", map[string]interface{}{
			"run_id": run.ID, "summary": run.Snapshot().Summary,
		})
	}

	return run, err
}

// Submit starts a request in the background and returns the run handle
// immediately. Used by the HTTP trigger routes.
func (o *Orchestrator) Submit(req Request) *Run {
	run := NewRun(req.Trigger)
	ctx, cancel := context.WithCancel(context.Background())
	o.tracker.add(run, cancel)

	o.bus.Emit(events.RunStarted, "ingest", map[string]interface{}{
		"run_id": run.ID, "trigger": string(req.Trigger),
	})

	go func() {
		defer cancel()
		err := o.execute(ctx, run, req)

		run.setState(RunAggregating)
		run.aggregate()
		run.setState(RunDone)

		if err != nil {
			o.log.Error().Err(err).Str("run_id", run.ID).Msg("Run failed")
			o.bus.Emit(events.RunFailed, "ingest", map[string]interface{}{
				"run_id": run.ID, "error": err.Error(),
			})
			return
		}
		o.bus.Emit(events.RunCompleted, "ingest", map[string]interface{}{
			"run_id": run.ID, "summary": run.Snapshot().Summary,
		})
	}()

	return run
}

// Cancel requests cooperative cancellation of a run. Pending tasks and
// dates are not started; in-flight dates finish.
func (o *Orchestrator) Cancel(runID string) bool {
	return o.tracker.cancel(runID)
}

// GetRun returns a snapshot of a run, or false if unknown.
func (o *Orchestrator) GetRun(runID string) (Run, bool) {
	return o.tracker.get(runID)
}

// RunTasks returns task snapshots for a run, or false if unknown.
func (o *Orchestrator) RunTasks(runID string) ([]Task, bool) {
	return o.tracker.tasks(runID)
}

// RecentRuns returns the most recent runs, newest first.
func (o *Orchestrator) RecentRuns(limit int) []Run {
	return o.tracker.recent(limit)
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, req Request) error {
	run.setState(RunResolvingDates)

	dates, ok, err := o.resolveDates(ctx, run, req)
	if err != nil {
		return err
	}
	if !ok {
		// No trading day in scope: a daily tick on a closed day, or a
		// backfill range spanning only closed days.
		o.log.Info().Str("run_id", run.ID).Msg("No trading day in scope, run is a no-op")
		return nil
	}
	run.setDates(dates)

	run.setState(RunResolvingOrder)
	waves, err := o.resolveWaves(req.Plugins)
	if err != nil {
		return err
	}

	run.setState(RunDispatching)
	sem := semaphore.NewWeighted(o.opts.MaxConcurrentTasks)

	for _, wave := range waves {
		var group errgroup.Group
		for _, name := range wave {
			p := o.registry.Get(name)
			desc := p.Descriptor()

			taskDates, err := o.taskDates(ctx, run, desc, dates, req)
			if err != nil {
				return err
			}

			task := NewTask(run.ID, desc.Name, len(taskDates))
			run.addTask(task)

			if run.IsCancelled() {
				task.cancel()
				o.bus.Emit(events.TaskCancelled, "ingest", map[string]interface{}{
					"run_id": run.ID, "task_id": task.ID, "plugin": desc.Name,
				})
				continue
			}
			if len(taskDates) == 0 {
				// Everything in scope already completed (backfill resume).
				task.finish(TaskCompleted, "")
				continue
			}

			group.Go(func() error {
				if err := sem.Acquire(ctx, 1); err != nil {
					task.cancel()
					return nil
				}
				defer sem.Release(1)

				o.runTask(ctx, run, task, p, taskDates)
				return nil
			})
		}
		// Wave barrier: dependents only start after the whole wave settled.
		_ = group.Wait()
	}

	return nil
}

// resolveDates determines the trade-date scope. The second return is false
// for a daily tick on a non-trading day.
func (o *Orchestrator) resolveDates(ctx context.Context, run *Run, req Request) ([]string, bool, error) {
	switch req.Trigger {
	case TriggerDaily:
		if err := o.ensureCalendar(ctx, run); err != nil {
			return nil, false, err
		}
		today := time.Now().Format("20060102")
		open, err := o.cal.IsTradingDay(today)
		if err != nil {
			return nil, false, fmt.Errorf("failed to resolve daily scope: %w", err)
		}
		if !open {
			return nil, false, nil
		}
		return []string{today}, true, nil

	case TriggerBackfill:
		if req.StartDate == "" || req.EndDate == "" || req.StartDate > req.EndDate {
			return nil, false, fmt.Errorf("invalid backfill range %s..%s", req.StartDate, req.EndDate)
		}
		if err := o.ensureCalendar(ctx, run); err != nil {
			return nil, false, err
		}
		dates, err := o.cal.TradingDatesBetween(req.StartDate, req.EndDate)
		if err != nil {
			return nil, false, fmt.Errorf("failed to resolve backfill scope: %w", err)
		}
		if len(dates) == 0 {
			// A valid range with no trading days, e.g. a weekend.
			return nil, false, nil
		}
		return dates, true, nil

	case TriggerManual:
		if len(req.Dates) == 0 {
			return nil, false, fmt.Errorf("manual trigger without dates")
		}
		return req.Dates, true, nil

	default:
		return nil, false, fmt.Errorf("unknown trigger kind %q", req.Trigger)
	}
}

// ensureCalendar bootstraps the trading calendar. The calendar plugin is
// the one plugin that may run before calendar data exists; everything else
// waits for it.
func (o *Orchestrator) ensureCalendar(ctx context.Context, run *Run) error {
	if o.cal.Loaded() {
		return nil
	}

	p := o.registry.Get(o.opts.CalendarPlugin)
	if p == nil {
		return fmt.Errorf("calendar not loaded and plugin %s not registered", o.opts.CalendarPlugin)
	}

	o.log.Info().Str("plugin", o.opts.CalendarPlugin).Msg("Bootstrapping trading calendar")

	task := NewTask(run.ID, o.opts.CalendarPlugin, 1)
	run.addTask(task)
	o.runTask(ctx, run, task, p, []string{""})

	if err := o.cal.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh calendar after bootstrap: %w", err)
	}
	if !o.cal.Loaded() {
		return fmt.Errorf("calendar still empty after bootstrap ingestion")
	}
	return nil
}

// resolveWaves groups the selected plugins into dependency levels. Hard and
// optional dependencies both order the waves; only hard dependencies gate.
func (o *Orchestrator) resolveWaves(selected []string) ([][]string, error) {
	names := o.registry.Order()

	if len(selected) > 0 {
		want := make(map[string]bool, len(selected))
		for _, name := range selected {
			if !o.registry.Has(name) {
				return nil, fmt.Errorf("unknown plugin %s", name)
			}
			want[name] = true
		}
		var filtered []string
		for _, name := range names {
			if want[name] {
				filtered = append(filtered, name)
			}
		}
		names = filtered
	} else {
		// Default scope: daily-scheduled plugins plus their reference deps.
		var filtered []string
		for _, name := range names {
			desc := o.registry.Get(name).Descriptor()
			if desc.Schedule.Frequency == plugin.FrequencyDaily || desc.Role == plugin.RoleBasic {
				filtered = append(filtered, name)
			}
		}
		names = filtered
	}

	inScope := make(map[string]bool, len(names))
	for _, name := range names {
		inScope[name] = true
	}

	level := make(map[string]int, len(names))
	for _, name := range names { // names is already topologically sorted
		desc := o.registry.Get(name).Descriptor()
		lvl := 0
		for _, dep := range append(append([]string{}, desc.DependsOn...), desc.OptionalDeps...) {
			if inScope[dep] && level[dep]+1 > lvl {
				lvl = level[dep] + 1
			}
		}
		level[name] = lvl
	}

	maxLevel := 0
	for _, lvl := range level {
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}

	waves := make([][]string, maxLevel+1)
	for _, name := range names {
		waves[level[name]] = append(waves[level[name]], name)
	}
	return waves, nil
}

// taskDates returns the dates a plugin should work on within the run.
// Dateless plugins get a single empty pseudo-date; backfills skip dates
// the audit log already shows completed.
func (o *Orchestrator) taskDates(ctx context.Context, run *Run, desc plugin.Descriptor, dates []string, req Request) ([]string, error) {
	if desc.Schedule.Frequency != plugin.FrequencyDaily {
		if req.Trigger == TriggerBackfill {
			// Reference data has no date axis to backfill; one refresh is
			// enough, and only if it never ran.
			done, err := o.auditLog.HasEverCompleted(ctx, desc.Name)
			if err != nil {
				return nil, err
			}
			if done {
				return nil, nil
			}
		}
		return []string{""}, nil
	}

	if req.Trigger != TriggerBackfill {
		return dates, nil
	}

	completed, err := o.auditLog.CompletedDates(ctx, desc.Name, dates[0], dates[len(dates)-1])
	if err != nil {
		return nil, fmt.Errorf("failed to resolve completed dates for %s: %w", desc.Name, err)
	}
	done := make(map[string]bool, len(completed))
	for _, d := range completed {
		done[d] = true
	}

	var remaining []string
	for _, d := range dates {
		if !done[d] {
			remaining = append(remaining, d)
		}
	}
	return remaining, nil
}
