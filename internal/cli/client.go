package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"jobsched/internal/job"
	"jobsched/internal/scheduler"
)

// CreateRequest mirrors the body accepted by POST /jobs.
type CreateRequest struct {
	ID           string           `json:"id,omitempty"`
	Type         string           `json:"type"`
	Name         string           `json:"name,omitempty"`
	Spec         string           `json:"spec,omitempty"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	MaxAttempts  int              `json:"max_attempts,omitempty"`
	Timeout      string           `json:"timeout,omitempty"`
	MissedPolicy job.MissedPolicy `json:"missed_policy,omitempty"`
	FirstRunAt   time.Time        `json:"first_run_at,omitzero"`
}

type listResponse struct {
	Jobs []*job.Job `json:"jobs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

// Client talks to a running daemon's HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) ListJobs(ctx context.Context, statuses []job.Status) ([]*job.Job, error) {
	path := "/jobs"
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		path += "?" + url.Values{"status": {strings.Join(parts, ",")}}.Encode()
	}
	var out listResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &j)
	return &j, err
}

func (c *Client) CreateJob(ctx context.Context, req CreateRequest) (*job.Job, error) {
	var j job.Job
	err := c.do(ctx, http.MethodPost, "/jobs", req, &j)
	return &j, err
}

func (c *Client) CancelJob(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, &j)
	return &j, err
}

func (c *Client) ResetJob(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/reset", nil, &j)
	return &j, err
}

// Tick triggers one remote tick. A 503 still carries the tick counters, so
// the result is returned alongside the error.
func (c *Client) Tick(ctx context.Context) (scheduler.TickResult, error) {
	var res scheduler.TickResult
	err := c.do(ctx, http.MethodPost, "/tick", nil, &res)
	return res, err
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Message = er.Error
		}
		// /tick answers 503 with the counters and their error field.
		if result != nil && resp.StatusCode == http.StatusServiceUnavailable {
			_ = json.Unmarshal(data, result)
		}
		return apiErr
	}
	if result == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
