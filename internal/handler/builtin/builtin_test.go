package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"jobsched/internal/handler"
	"jobsched/internal/scheduler"
	logx "jobsched/pkg/logx"
)

var info = handler.Info{
	JobID:        "j1",
	JobType:      TypeHTTP,
	Attempt:      1,
	ScheduledFor: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
}

func payloadFor(t *testing.T, url string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(HTTPPayload{URL: url, Body: json.RawMessage(`{"text":"hi"}`)})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHTTPSendsIdempotencyKey(t *testing.T) {
	t.Parallel()

	keys := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get(IdempotencyHeader)
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := HTTP(srv.Client()).Handle(context.Background(), payloadFor(t, srv.URL), info); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got, want := <-keys, info.DedupKey(); got != want {
		t.Fatalf("idempotency key: got %q want %q", got, want)
	}
}

func TestHTTPStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		retryAfter string
		noRetry    bool
		hint       time.Duration
	}{
		{"server error retries", http.StatusBadGateway, "", false, 0},
		{"rate limited with hint", http.StatusTooManyRequests, "7", false, 7 * time.Second},
		{"client error is permanent", http.StatusNotFound, "", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := HTTP(srv.Client()).Handle(context.Background(), payloadFor(t, srv.URL), info)
			if err == nil {
				t.Fatal("expected error")
			}
			if scheduler.IsNoRetry(err) != tt.noRetry {
				t.Fatalf("IsNoRetry: got %v want %v (%v)", !tt.noRetry, tt.noRetry, err)
			}
			if tt.hint > 0 {
				ra, ok := err.(scheduler.RetryAfterError)
				if !ok || ra.RetryAfter() != tt.hint {
					t.Fatalf("retry hint: got %v", err)
				}
			}
		})
	}
}

func TestHTTPRejectsBadPayload(t *testing.T) {
	t.Parallel()

	h := HTTP(nil)
	for _, p := range []string{`not json`, `{"url":"ftp://x"}`, `{}`} {
		if err := h.Handle(context.Background(), json.RawMessage(p), info); !scheduler.IsNoRetry(err) {
			t.Fatalf("%s: got %v want NoRetry", p, err)
		}
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	reg := handler.NewRegistry()
	if err := Register(reg, logx.Nop()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, typ := range []string{TypeLog, TypeHTTP} {
		if _, err := reg.Lookup(typ); err != nil {
			t.Fatalf("Lookup(%s): %v", typ, err)
		}
	}
	if err := Log(logx.Nop()).Handle(context.Background(), json.RawMessage(`{}`), info); err != nil {
		t.Fatalf("log handler: %v", err)
	}
}
