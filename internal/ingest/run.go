package ingest

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunState is the phase an ingestion run is in.
type RunState string

const (
	RunTriggered      RunState = "triggered"
	RunResolvingDates RunState = "resolving_dates"
	RunResolvingOrder RunState = "resolving_order"
	RunDispatching    RunState = "dispatching"
	RunAggregating    RunState = "aggregating"
	RunDone           RunState = "done"
)

// TriggerKind is what started a run.
type TriggerKind string

const (
	TriggerDaily    TriggerKind = "daily"
	TriggerBackfill TriggerKind = "backfill"
	TriggerManual   TriggerKind = "manual"
)

// Summary aggregates task outcomes after a run finishes.
type Summary struct {
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Blocked   int   `json:"blocked"`
	Cancelled int   `json:"cancelled"`
	Rows      int64 `json:"rows"`
}

// Run is one orchestrated ingestion: a trigger, a resolved date scope, and
// one task per scheduled plugin.
type Run struct {
	mu sync.Mutex

	ID         string      `json:"id"`
	Trigger    TriggerKind `json:"trigger"`
	State      RunState    `json:"state"`
	Dates      []string    `json:"dates"`
	Cancelled  bool        `json:"cancelled"`
	Summary    Summary     `json:"summary"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`

	tasks []*Task
}

// NewRun creates a run in the triggered state with a sortable unique ID.
func NewRun(trigger TriggerKind) *Run {
	return &Run{
		ID:        ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		Trigger:   trigger,
		State:     RunTriggered,
		StartedAt: time.Now(),
	}
}

func (r *Run) setState(state RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.State = state
	if state == RunDone {
		r.FinishedAt = time.Now()
	}
}

func (r *Run) setDates(dates []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Dates = dates
}

func (r *Run) addTask(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
}

func (r *Run) markCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Cancelled = true
}

// IsCancelled reports whether cancellation was requested.
func (r *Run) IsCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Cancelled
}

// Tasks returns snapshots of all tasks in dispatch order.
func (r *Run) Tasks() []Task {
	r.mu.Lock()
	tasks := make([]*Task, len(r.tasks))
	copy(tasks, r.tasks)
	r.mu.Unlock()

	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Snapshot()
	}
	return out
}

// aggregate computes the summary from task outcomes.
func (r *Run) aggregate() {
	var s Summary
	for _, t := range r.Tasks() {
		switch t.State {
		case TaskCompleted:
			s.Completed++
		case TaskFailed:
			s.Failed++
		case TaskBlocked:
			s.Blocked++
		case TaskCancelled:
			s.Cancelled++
		}
		s.Rows += t.Rows
	}

	r.mu.Lock()
	r.Summary = s
	r.mu.Unlock()
}

// Snapshot returns a copy of the run safe to serialize while it executes.
func (r *Run) Snapshot() Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	dates := make([]string, len(r.Dates))
	copy(dates, r.Dates)

	return Run{
		ID:         r.ID,
		Trigger:    r.Trigger,
		State:      r.State,
		Dates:      dates,
		Cancelled:  r.Cancelled,
		Summary:    r.Summary,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}
