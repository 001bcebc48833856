package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleGaps reports missing trade dates per daily plugin. Without explicit
// bounds it scans the configured lookback window ending today.
// GET /api/gaps?from=YYYYMMDD&to=YYYYMMDD
func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		to = time.Now().Format("20060102")
		from = time.Now().AddDate(-s.cfg.GapLookbackYears, 0, 0).Format("20060102")
	}

	report, err := s.gaps.Detect(r.Context(), from, to)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleQualityRun runs all registered quality checks and persists findings.
// POST /api/quality/run
func (s *Server) handleQualityRun(w http.ResponseWriter, r *http.Request) {
	findings, err := s.quality.Run(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"findings": findings})
}

// handleQualityResults lists recent quality findings.
// GET /api/quality/results?plugin=name&limit=N
func (s *Server) handleQualityResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.qualityLog.Recent(r.Context(), r.URL.Query().Get("plugin"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleQualityFailures lists recent failed quality findings only.
// GET /api/quality/failures?limit=N
func (s *Server) handleQualityFailures(w http.ResponseWriter, r *http.Request) {
	results, err := s.qualityLog.Failures(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"failures": results})
}

// handleAuditTasks lists recent per-date task records from the audit trail.
// GET /api/audit/tasks?limit=N
func (s *Server) handleAuditTasks(w http.ResponseWriter, r *http.Request) {
	records, err := s.ingestion.RecentTasks(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": records})
}

// handleSchemaHistory lists recorded DDL changes for one table.
// GET /api/audit/schema/{table}
func (s *Server) handleSchemaHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.schemaLog.History(r.Context(), chi.URLParam(r, "table"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"changes": history})
}

// handleListPlugins lists registered plugins in dependency order.
// GET /api/plugins
func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	type pluginInfo struct {
		Name      string   `json:"name"`
		Category  string   `json:"category"`
		Role      string   `json:"role"`
		Frequency string   `json:"frequency"`
		DependsOn []string `json:"depends_on,omitempty"`
		Tables    []string `json:"tables"`
	}

	plugins := make([]pluginInfo, 0, s.registry.Count())
	for _, p := range s.registry.All() {
		desc := p.Descriptor()
		tables := make([]string, 0, len(desc.Tables))
		for _, tbl := range desc.Tables {
			tables = append(tables, tbl.Name)
		}
		plugins = append(plugins, pluginInfo{
			Name:      desc.Name,
			Category:  desc.Category,
			Role:      string(desc.Role),
			Frequency: string(desc.Schedule.Frequency),
			DependsOn: desc.DependsOn,
			Tables:    tables,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"plugins": plugins})
}
