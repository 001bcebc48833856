package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"ts_code=000001.SZ", "limit=50", "max_pe_ttm=19.5"})
	require.NoError(t, err)

	assert.Equal(t, "000001.SZ", params["ts_code"])
	assert.Equal(t, 50.0, params["limit"])
	assert.Equal(t, 19.5, params["max_pe_ttm"])
}

func TestParseParams_RejectsMalformed(t *testing.T) {
	_, err := parseParams([]string{"no-equals-sign"})
	assert.Error(t, err)

	_, err = parseParams([]string{"=value"})
	assert.Error(t, err)
}

func TestAPIClient_SurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "run not found"})
	}))
	defer srv.Close()

	c := &apiClient{addr: &srv.URL}
	err := c.get(&bytes.Buffer{}, "/api/runs/nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

func TestAPIClient_PrintsIndentedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	c := &apiClient{addr: &srv.URL}
	require.NoError(t, c.get(&out, "/health"))
	assert.Contains(t, out.String(), "\"status\": \"healthy\"")
}

func TestRootCmd_RegistersCommands(t *testing.T) {
	root := newRootCmd()

	names := make(map[string]bool)
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"init", "status", "plugins", "ingest", "backfill", "runs", "gaps", "check", "compact", "backup", "query"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
