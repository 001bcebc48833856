package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// handleQueryMethods lists every query method plugins expose.
// GET /api/query/methods
func (s *Server) handleQueryMethods(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"methods": s.query.Methods()})
}

// handleQueryExecute runs one named query with JSON parameters.
// POST /api/query/{plugin}/{method}
func (s *Server) handleQueryExecute(w http.ResponseWriter, r *http.Request) {
	pluginName := chi.URLParam(r, "plugin")
	methodName := chi.URLParam(r, "method")

	params := map[string]interface{}{}
	if err := decodeJSON(r, &params); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rows, err := s.query.Execute(r.Context(), pluginName, methodName, params)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rows":  rows,
		"count": len(rows),
	})
}

// handleToolList lists query methods as self-describing tool definitions,
// the discovery surface for programmatic clients.
// GET /api/tools
func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.query.Tools()})
}

type toolCallRequest struct {
	Name      string                 `json:"name"` // "plugin.method"
	Arguments map[string]interface{} `json:"arguments"`
}

// handleToolCall invokes one tool by its qualified name.
// POST /api/tools/call
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pluginName, methodName, ok := strings.Cut(req.Name, ".")
	if !ok || pluginName == "" || methodName == "" {
		s.writeError(w, http.StatusBadRequest, "tool name must be plugin.method")
		return
	}

	args := req.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}

	rows, err := s.query.Execute(r.Context(), pluginName, methodName, args)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rows":  rows,
		"count": len(rows),
	})
}
