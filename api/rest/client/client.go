// Package client implements a REST client for the backtest engine API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"

	"yqhp/backtest-engine/internal/backend"
	"yqhp/backtest-engine/pkg/types"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned for 409 responses, e.g. a report of a running run.
var ErrConflict = errors.New("conflict")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error %d", e.StatusCode)
	}
	return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps well-known status codes to sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case fasthttp.StatusNotFound:
		return ErrNotFound
	case fasthttp.StatusConflict:
		return ErrConflict
	}
	return nil
}

// Config holds the configuration for the HTTP client.
type Config struct {
	// MasterURL is the base URL of the master node (e.g., "http://localhost:8080").
	MasterURL string

	// APIKey is sent in the X-API-Key header when set.
	APIKey string

	// RequestTimeout is the timeout for HTTP requests.
	RequestTimeout time.Duration
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		MasterURL:      "http://localhost:8080",
		RequestTimeout: 30 * time.Second,
	}
}

// Client talks to the /api/v1 routes of a master.
type Client struct {
	config *Config
	http   *fasthttp.Client
}

// NewClient creates a new client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	return &Client{
		config: config,
		http: &fasthttp.Client{
			Name:                "backtest-client",
			MaxIdleConnDuration: time.Minute,
		},
	}
}

// Health checks that the master answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, fasthttp.MethodGet, "/api/v1/health", nil, nil)
}

// SubmitRun starts a run and returns its id.
func (c *Client) SubmitRun(ctx context.Context, rc *types.RunConfig) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	body := map[string]any{"config": rc}
	if err := c.do(ctx, fasthttp.MethodPost, "/api/v1/runs", body, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// Progress returns the progress of a run.
func (c *Client) Progress(ctx context.Context, runID string) (*types.Progress, error) {
	var p types.Progress
	if err := c.do(ctx, fasthttp.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListRuns returns the progress of every run the master knows.
func (c *Client) ListRuns(ctx context.Context) ([]types.Progress, error) {
	var resp struct {
		Runs []types.Progress `json:"runs"`
	}
	if err := c.do(ctx, fasthttp.MethodGet, "/api/v1/runs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// Cancel cancels a run.
func (c *Client) Cancel(ctx context.Context, runID string) error {
	return c.do(ctx, fasthttp.MethodDelete, "/api/v1/runs/"+url.PathEscape(runID), nil, nil)
}

// Report fetches the report of a run. Without partial it fails with
// ErrConflict while the run is still going.
func (c *Client) Report(ctx context.Context, runID string, partial bool) (*types.Report, error) {
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/report"
	if partial {
		path += "?partial=true"
	}
	var r types.Report
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Rank ranks the successful results of a run.
func (c *Client) Rank(ctx context.Context, runID, metric string, order types.SortOrder, limit int) ([]types.RankedResult, error) {
	q := url.Values{}
	if metric != "" {
		q.Set("metric", metric)
	}
	if order != "" {
		q.Set("order", string(order))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/rank"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Rankings []types.RankedResult `json:"rankings"`
	}
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rankings, nil
}

// Strategies lists the registered strategies.
func (c *Client) Strategies(ctx context.Context) ([]types.StrategySpec, error) {
	var resp struct {
		Strategies []types.StrategySpec `json:"strategies"`
	}
	if err := c.do(ctx, fasthttp.MethodGet, "/api/v1/strategies", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Strategies, nil
}

// Workers lists the live remote workers.
func (c *Client) Workers(ctx context.Context) ([]backend.WorkerInfo, error) {
	var resp struct {
		Workers []backend.WorkerInfo `json:"workers"`
	}
	if err := c.do(ctx, fasthttp.MethodGet, "/api/v1/workers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// WaitRun polls the run until it is terminal or ctx is done.
func (c *Client) WaitRun(ctx context.Context, runID string, interval time.Duration, onProgress func(*types.Progress)) (*types.Progress, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p, err := c.Progress(ctx, runID)
		if err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(p)
		}
		if p.Status.IsTerminal() {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimRight(c.config.MasterURL, "/") + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(data)
	}

	timeout := c.config.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		apiErr := &APIError{StatusCode: status}
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if sonic.Unmarshal(resp.Body(), &e) == nil {
			apiErr.Code = e.Error
			apiErr.Message = e.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
