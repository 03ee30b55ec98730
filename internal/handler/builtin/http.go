package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"jobsched/internal/handler"
	"jobsched/internal/scheduler"
)

// HTTPPayload is the payload of an "http" job.
type HTTPPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // default POST
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// IdempotencyHeader carries "<job_id>:<scheduled_for_ms>" so receivers can
// drop the duplicate delivery a lost lease can cause.
const IdempotencyHeader = "Idempotency-Key"

// HTTP calls a URL from the payload. 2xx is success; 408, 429 and 5xx are
// retried (honoring Retry-After); any other status fails permanently.
func HTTP(client *http.Client) handler.Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return handler.Func(func(ctx context.Context, payload json.RawMessage, info handler.Info) error {
		var p HTTPPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return scheduler.NoRetry(fmt.Errorf("http job: bad payload: %w", err))
		}
		if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
			return scheduler.NoRetry(fmt.Errorf("http job: invalid url %q", p.URL))
		}
		method := strings.ToUpper(strings.TrimSpace(p.Method))
		if method == "" {
			method = http.MethodPost
		}

		var body io.Reader
		if len(p.Body) > 0 {
			body = bytes.NewReader(p.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
		if err != nil {
			return scheduler.NoRetry(fmt.Errorf("http job: %w", err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}
		req.Header.Set(IdempotencyHeader, info.DedupKey())

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		code := resp.StatusCode
		switch {
		case code >= 200 && code < 300:
			return nil
		case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
			err := fmt.Errorf("http job: %s %s: status %d", method, p.URL, code)
			if d, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
				return scheduler.RetryAfter(err, d)
			}
			return err
		default:
			return scheduler.NoRetry(fmt.Errorf("http job: %s %s: status %d", method, p.URL, code))
		}
	})
}

// retryAfter parses delay-seconds or an HTTP date.
func retryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0), true
	}
	return 0, false
}

