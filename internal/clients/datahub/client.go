// Package datahub provides the client for the upstream A-share data provider.
//
// All requests funnel through a single worker goroutine: the upstream API
// treats concurrent distinct egress identities under one credential as a
// violation, so the worker serializes transport access and applies the
// per-API rate budget before each call, independently of how many ingestion
// tasks are running.
package datahub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/quantflow/quantflow/internal/marketstore"
)

const requestQueueSize = 256

// API error codes returned by the upstream provider.
const (
	codeOK            = 0
	codeRateLimited   = 40203 // per-minute quota exhausted, retryable
	codeInvalidToken  = 40001 // credential problem, never retried
	codeInvalidParams = 40002 // caller bug, never retried
)

// APIError is a non-zero response code from the upstream provider.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream api error %d: %s", e.Code, e.Msg)
}

// HTTPError is a non-200 transport status.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream http status %d", e.Status)
}

// IsTransient reports whether an error is worth retrying: timeouts,
// transport failures, 5xx statuses and the provider's rate-limit code.
// Auth and parameter errors are permanent.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeRateLimited
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500 || httpErr.Status == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Network-level failures (connection reset, DNS, ...) surface as
	// url.Error from the http client.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Config holds client configuration.
type Config struct {
	BaseURL        string
	Token          string
	ProxyURL       string // optional; all calls share this single egress
	CallsPerMinute int
	RetryAttempts  int
	CallTimeout    time.Duration
}

// request/response envelope of the upstream protocol.
type apiRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields,omitempty"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Fields []string `json:"fields"`
		Items  [][]any  `json:"items"`
	} `json:"data"`
}

// requestJob is one queued call awaiting the worker.
type requestJob struct {
	ctx      context.Context
	apiName  string
	params   map[string]string
	fields   string
	resultCh chan requestResult
}

type requestResult struct {
	rows []marketstore.Row
	err  error
}

// Client is the rate-limited upstream API client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *windowLimiter
	// per-API overrides, all set before Start
	apiLimits   map[string]*windowLimiter
	apiRetries  map[string]int
	apiTimeouts map[string]time.Duration
	breaker     *gobreaker.CircuitBreaker
	log         zerolog.Logger

	requestQueue chan requestJob
	stopChan     chan struct{}
	workerDone   chan struct{}
}

// NewClient creates a new upstream client. Call Start before issuing
// queries and Close on shutdown.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	if cfg.CallsPerMinute <= 0 {
		return nil, fmt.Errorf("calls per minute must be positive")
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "datahub",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		cfg: cfg,
		// Deadlines come from per-call contexts in doRequest, so per-API
		// timeout overrides are not capped by a client-wide Timeout.
		httpClient: &http.Client{
			Transport: transport,
		},
		limiter:      newWindowLimiter(cfg.CallsPerMinute, time.Minute),
		apiLimits:    make(map[string]*windowLimiter),
		apiRetries:   make(map[string]int),
		apiTimeouts:  make(map[string]time.Duration),
		breaker:      breaker,
		log:          log.With().Str("component", "datahub-client").Logger(),
		requestQueue: make(chan requestJob, requestQueueSize),
		stopChan:     make(chan struct{}),
		workerDone:   make(chan struct{}),
	}, nil
}

// SetAPILimit installs a per-API calls-per-minute budget, overriding the
// global one for that API. Must be called before Start.
func (c *Client) SetAPILimit(apiName string, callsPerMinute int) {
	if callsPerMinute > 0 {
		c.apiLimits[apiName] = newWindowLimiter(callsPerMinute, time.Minute)
	}
}

// SetAPIRetryAttempts overrides the retry budget for one API. Must be
// called before Start.
func (c *Client) SetAPIRetryAttempts(apiName string, attempts int) {
	if attempts > 0 {
		c.apiRetries[apiName] = attempts
	}
}

// SetAPICallTimeout overrides the per-call deadline for one API. Must be
// called before Start.
func (c *Client) SetAPICallTimeout(apiName string, timeout time.Duration) {
	if timeout > 0 {
		c.apiTimeouts[apiName] = timeout
	}
}

// Start launches the serializing worker.
func (c *Client) Start() {
	go c.worker()
}

// Close stops the worker. Queued jobs receive an error.
func (c *Client) Close() {
	close(c.stopChan)
	<-c.workerDone
}

// Query calls an upstream API and maps the columnar response into rows.
// An empty result set is returned as an empty slice, not an error.
func (c *Client) Query(ctx context.Context, apiName string, params map[string]string, fields []string) ([]marketstore.Row, error) {
	fieldList := ""
	for i, f := range fields {
		if i > 0 {
			fieldList += ","
		}
		fieldList += f
	}

	job := requestJob{
		ctx:      ctx,
		apiName:  apiName,
		params:   params,
		fields:   fieldList,
		resultCh: make(chan requestResult, 1),
	}

	select {
	case c.requestQueue <- job:
	case <-c.stopChan:
		return nil, fmt.Errorf("client is closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case result := <-job.resultCh:
		return result.rows, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// worker serializes all upstream calls through one goroutine.
func (c *Client) worker() {
	defer close(c.workerDone)

	for {
		select {
		case <-c.stopChan:
			return
		case job := <-c.requestQueue:
			rows, err := c.execute(job)
			job.resultCh <- requestResult{rows: rows, err: err}
		}
	}
}

// execute applies the rate budget, then calls with retry and backoff.
func (c *Client) execute(job requestJob) ([]marketstore.Row, error) {
	if job.ctx.Err() != nil {
		return nil, job.ctx.Err()
	}

	limiter := c.limiter
	if override, ok := c.apiLimits[job.apiName]; ok {
		limiter = override
	}
	if err := limiter.Wait(job.ctx); err != nil {
		return nil, err
	}

	var rows []marketstore.Row
	operation := func() error {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doRequest(job.ctx, job.apiName, job.params, job.fields)
		})
		if err != nil {
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			c.log.Warn().Err(err).Str("api", job.apiName).Msg("transient upstream error, retrying")
			return err
		}
		rows = result.([]marketstore.Row)
		return nil
	}

	attempts := c.cfg.RetryAttempts
	if override, ok := c.apiRetries[job.apiName]; ok {
		attempts = override
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(attempts-1)),
		job.ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	return rows, nil
}

// doRequest performs one HTTP round trip and decodes the envelope.
func (c *Client) doRequest(ctx context.Context, apiName string, params map[string]string, fields string) ([]marketstore.Row, error) {
	timeout := c.cfg.CallTimeout
	if override, ok := c.apiTimeouts[apiName]; ok {
		timeout = override
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(apiRequest{
		APIName: apiName,
		Token:   c.cfg.Token,
		Params:  params,
		Fields:  fields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &HTTPError{Status: resp.StatusCode}
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if envelope.Code != codeOK {
		return nil, &APIError{Code: envelope.Code, Msg: envelope.Msg}
	}

	// No data for the requested period is a valid empty result.
	if envelope.Data == nil || len(envelope.Data.Items) == 0 {
		return []marketstore.Row{}, nil
	}

	rows := make([]marketstore.Row, 0, len(envelope.Data.Items))
	for _, item := range envelope.Data.Items {
		row := make(marketstore.Row, len(envelope.Data.Fields))
		for i, field := range envelope.Data.Fields {
			if i < len(item) {
				row[field] = item[i]
			}
		}
		rows = append(rows, row)
	}

	return rows, nil
}
