package ingest

import (
	"context"
	"sync"
)

// maxTrackedRuns bounds the in-memory run history. The audit log holds the
// durable record; this is only for live status queries.
const maxTrackedRuns = 100

// tracker keeps recent runs and their cancel functions for status queries
// and cooperative cancellation.
type tracker struct {
	mu      sync.Mutex
	runs    map[string]*Run
	cancels map[string]context.CancelFunc
	order   []string // run IDs, oldest first
}

func newTracker() *tracker {
	return &tracker{
		runs:    make(map[string]*Run),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (t *tracker) add(run *Run, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.runs[run.ID] = run
	t.cancels[run.ID] = cancel
	t.order = append(t.order, run.ID)

	for len(t.order) > maxTrackedRuns {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.runs, oldest)
		delete(t.cancels, oldest)
	}
}

func (t *tracker) cancel(runID string) bool {
	t.mu.Lock()
	run, ok := t.runs[runID]
	cancel := t.cancels[runID]
	t.mu.Unlock()

	if !ok {
		return false
	}
	run.markCancelled()
	if cancel != nil {
		cancel()
	}
	return true
}

func (t *tracker) get(runID string) (Run, bool) {
	t.mu.Lock()
	run, ok := t.runs[runID]
	t.mu.Unlock()

	if !ok {
		return Run{}, false
	}
	return run.Snapshot(), true
}

func (t *tracker) tasks(runID string) ([]Task, bool) {
	t.mu.Lock()
	run, ok := t.runs[runID]
	t.mu.Unlock()

	if !ok {
		return nil, false
	}
	return run.Tasks(), true
}

func (t *tracker) recent(limit int) []Run {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.order) {
		limit = len(t.order)
	}

	out := make([]Run, 0, limit)
	for i := len(t.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.runs[t.order[i]].Snapshot())
	}
	return out
}
