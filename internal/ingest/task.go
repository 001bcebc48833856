// Package ingest orchestrates plugin execution: it resolves the date scope
// of a run, dispatches plugin tasks in dependency order with bounded
// concurrency, gates every task on its dependencies' audit trail, and
// records the outcome of each (plugin, date) attempt.
package ingest

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a plugin task within a run.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskBlocked   TaskState = "blocked"
	TaskCancelled TaskState = "cancelled"
)

// Progress counts the dates a task has worked through.
type Progress struct {
	DatesDone  int `json:"dates_done"`
	DatesTotal int `json:"dates_total"`
}

// Task is one plugin's work within a run: the plugin applied to every date
// in the run's scope. Per-date outcomes go to the audit log; the task holds
// the aggregate.
type Task struct {
	mu sync.Mutex

	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Plugin     string    `json:"plugin"`
	State      TaskState `json:"state"`
	Progress   Progress  `json:"progress"`
	Rows       int64     `json:"rows"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewTask creates a pending task for a plugin within a run.
func NewTask(runID, plugin string, datesTotal int) *Task {
	return &Task{
		ID:       uuid.NewString(),
		RunID:    runID,
		Plugin:   plugin,
		State:    TaskPending,
		Progress: Progress{DatesTotal: datesTotal},
	}
}

func (t *Task) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = TaskRunning
	t.StartedAt = time.Now()
}

func (t *Task) dateDone(rows int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Progress.DatesDone++
	t.Rows += rows
}

func (t *Task) finish(state TaskState, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = state
	t.Error = errMsg
	t.FinishedAt = time.Now()
}

// cancelled marks a task that never started.
func (t *Task) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State == TaskPending {
		t.State = TaskCancelled
		t.FinishedAt = time.Now()
	}
}

// Snapshot returns a copy safe to serialize while the task is running.
func (t *Task) Snapshot() Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Task{
		ID:         t.ID,
		RunID:      t.RunID,
		Plugin:     t.Plugin,
		State:      t.State,
		Progress:   t.Progress,
		Rows:       t.Rows,
		Error:      t.Error,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
}
