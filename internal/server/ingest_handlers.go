package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quantflow/quantflow/internal/ingest"
)

type backfillRequest struct {
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	Plugins   []string `json:"plugins,omitempty"`
}

type manualRequest struct {
	Dates   []string `json:"dates"`
	Plugins []string `json:"plugins,omitempty"`
}

// handleIngestDaily triggers the daily sync, same path the scheduler takes.
// POST /api/ingest/daily
func (s *Server) handleIngestDaily(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plugins []string `json:"plugins,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run := s.orch.Submit(ingest.Request{Trigger: ingest.TriggerDaily, Plugins: req.Plugins})
	s.writeJSON(w, http.StatusAccepted, run.Snapshot())
}

// handleIngestBackfill triggers a historical backfill over a date range.
// POST /api/ingest/backfill
func (s *Server) handleIngestBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StartDate == "" || req.EndDate == "" {
		s.writeError(w, http.StatusBadRequest, "start_date and end_date are required")
		return
	}

	run := s.orch.Submit(ingest.Request{
		Trigger:   ingest.TriggerBackfill,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Plugins:   req.Plugins,
	})
	s.writeJSON(w, http.StatusAccepted, run.Snapshot())
}

// handleIngestManual triggers ingestion for an explicit list of dates.
// POST /api/ingest/manual
func (s *Server) handleIngestManual(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Dates) == 0 {
		s.writeError(w, http.StatusBadRequest, "dates is required")
		return
	}

	run := s.orch.Submit(ingest.Request{
		Trigger: ingest.TriggerManual,
		Dates:   req.Dates,
		Plugins: req.Plugins,
	})
	s.writeJSON(w, http.StatusAccepted, run.Snapshot())
}

// handleListRuns lists recent runs, newest first.
// GET /api/runs?limit=N
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs": s.orch.RecentRuns(limit),
	})
}

// handleGetRun returns one run's state and summary.
// GET /api/runs/{runID}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.orch.GetRun(chi.URLParam(r, "runID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// handleRunTasks returns the tasks of one run.
// GET /api/runs/{runID}/tasks
func (s *Server) handleRunTasks(w http.ResponseWriter, r *http.Request) {
	tasks, ok := s.orch.RunTasks(chi.URLParam(r, "runID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// handleCancelRun requests cooperative cancellation of a run. Tasks already
// running finish their current date; pending work is dropped.
// POST /api/runs/{runID}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !s.orch.Cancel(runID) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "cancelling",
		"run_id": runID,
	})
}

// queryInt reads an integer query parameter with a fallback default.
func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
