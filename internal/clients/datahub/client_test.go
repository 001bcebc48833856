package datahub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, serverURL string, retries int) *Client {
	t.Helper()

	client, err := NewClient(Config{
		BaseURL:        serverURL,
		Token:          "test-token",
		CallsPerMinute: 6000,
		RetryAttempts:  retries,
		CallTimeout:    5 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)

	client.Start()
	t.Cleanup(client.Close)
	return client
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestQuery_MapsColumnarResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "daily", req.APIName)
		assert.Equal(t, "test-token", req.Token)
		assert.Equal(t, "20250110", req.Params["trade_date"])

		respondJSON(w, map[string]any{
			"code": 0,
			"msg":  "",
			"data": map[string]any{
				"fields": []string{"ts_code", "trade_date", "close"},
				"items": [][]any{
					{"600519.SH", "20250110", 1500.5},
					{"000001.SZ", "20250110", 10.2},
				},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 1)

	rows, err := client.Query(context.Background(), "daily",
		map[string]string{"trade_date": "20250110"},
		[]string{"ts_code", "trade_date", "close"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "600519.SH", rows[0]["ts_code"])
	assert.Equal(t, 1500.5, rows[0]["close"])
}

func TestQuery_EmptyDataIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]any{
			"code": 0,
			"msg":  "",
			"data": map[string]any{"fields": []string{"ts_code"}, "items": [][]any{}},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 1)

	rows, err := client.Query(context.Background(), "daily", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestQuery_RetriesTransientErrors(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		respondJSON(w, map[string]any{
			"code": 0,
			"data": map[string]any{
				"fields": []string{"ts_code"},
				"items":  [][]any{{"600519.SH"}},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)

	rows, err := client.Query(context.Background(), "daily", nil, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, int64(3), hits.Load())
}

func TestQuery_DoesNotRetryPermanentErrors(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		respondJSON(w, map[string]any{"code": codeInvalidToken, "msg": "invalid token"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 5)

	_, err := client.Query(context.Background(), "daily", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int64(1), hits.Load(), "auth errors must not be retried")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, codeInvalidToken, apiErr.Code)
}

func TestQuery_RateLimitSpacing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]any{
			"code": 0,
			"data": map[string]any{"fields": []string{"x"}, "items": [][]any{{"1"}}},
		})
	}))
	defer server.Close()

	client, err := NewClient(Config{
		BaseURL:        server.URL,
		Token:          "t",
		CallsPerMinute: 6000,
		RetryAttempts:  1,
		CallTimeout:    5 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	// Tight per-API budget so the test observes throttling quickly.
	client.apiLimits["daily"] = newWindowLimiter(2, 300*time.Millisecond)
	client.Start()
	defer client.Close()

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := client.Query(context.Background(), "daily", nil, nil)
		require.NoError(t, err)
	}

	// 5 calls at 2 per 300ms window require at least one full window of
	// throttling before the last call.
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestQuery_PerAPIRetryOverride(t *testing.T) {
	var dailyHits, basicHits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.APIName {
		case "daily":
			dailyHits.Add(1)
		case "stock_basic":
			basicHits.Add(1)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		BaseURL:        server.URL,
		Token:          "t",
		CallsPerMinute: 6000,
		RetryAttempts:  3,
		CallTimeout:    5 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	client.SetAPIRetryAttempts("daily", 1)
	client.Start()
	defer client.Close()

	_, err = client.Query(context.Background(), "daily", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int64(1), dailyHits.Load(), "override caps attempts for its own API")

	_, err = client.Query(context.Background(), "stock_basic", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int64(3), basicHits.Load(), "other APIs keep the global retry budget")
}

func TestQuery_PerAPICallTimeoutOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(250 * time.Millisecond)
		respondJSON(w, map[string]any{
			"code": 0,
			"data": map[string]any{"fields": []string{"x"}, "items": [][]any{{"1"}}},
		})
	}))
	defer server.Close()

	client, err := NewClient(Config{
		BaseURL:        server.URL,
		Token:          "t",
		CallsPerMinute: 6000,
		RetryAttempts:  1,
		CallTimeout:    5 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	client.SetAPICallTimeout("daily", 50*time.Millisecond)
	client.Start()
	defer client.Close()

	_, err = client.Query(context.Background(), "daily", nil, nil)
	require.Error(t, err, "the overridden deadline must cut the slow call short")

	rows, err := client.Query(context.Background(), "stock_basic", nil, nil)
	require.NoError(t, err, "other APIs keep the global deadline")
	assert.Len(t, rows, 1)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&HTTPError{Status: 500}))
	assert.True(t, IsTransient(&HTTPError{Status: 429}))
	assert.False(t, IsTransient(&HTTPError{Status: 404}))
	assert.True(t, IsTransient(&APIError{Code: codeRateLimited}))
	assert.False(t, IsTransient(&APIError{Code: codeInvalidToken}))
	assert.False(t, IsTransient(&APIError{Code: codeInvalidParams}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
}

func TestNewClient_RejectsBadConfig(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "http://x", CallsPerMinute: 0}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://x", CallsPerMinute: 10, ProxyURL: "://bad"}, zerolog.Nop())
	assert.Error(t, err)
}
