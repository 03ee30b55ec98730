package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"jobsched/internal/driver/tickhttp"
	"jobsched/internal/handler"
	"jobsched/internal/job"
	"jobsched/internal/scheduler"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

const testToken = "s3cret"

func newScheduler(t *testing.T, path string, reg *handler.Registry) *scheduler.Scheduler {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return scheduler.New(scheduler.Config{}, st, reg,
		scheduler.WithClock(func() time.Time { return t0 }),
		scheduler.WithOwner("cli-test"),
	)
}

func newDaemon(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	reg := handler.NewRegistry()
	calls := &atomic.Int32{}
	_ = reg.RegisterFunc("post", func(ctx context.Context, payload json.RawMessage, info handler.Info) error {
		calls.Add(1)
		return nil
	})
	sched := newScheduler(t, filepath.Join(t.TempDir(), "jobs.json"), reg)
	srv := httptest.NewServer(tickhttp.New(tickhttp.Config{Token: testToken}, sched).Handler())
	t.Cleanup(srv.Close)
	return srv, calls
}

// run executes the command tree with args and returns stdout and stderr.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCmd("test")
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestJobsCommandsAgainstDaemon(t *testing.T) {
	t.Parallel()
	srv, calls := newDaemon(t)
	api := []string{"--api-url", srv.URL, "--token", testToken}

	_, stderr, err := run(t, append([]string{"jobs", "create", "post", "every:1m",
		"--id", "j1", "--payload", `{"n":1}`, "--max-attempts", "4"}, api...)...)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(stderr, "created job j1") {
		t.Fatalf("create note = %q", stderr)
	}

	stdout, _, err := run(t, append([]string{"jobs", "list", "--json", "--status", "pending"}, api...)...)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var jobs []*job.Job
	if err := json.Unmarshal([]byte(stdout), &jobs); err != nil {
		t.Fatalf("list output: %v\n%s", err, stdout)
	}
	if len(jobs) != 1 || jobs[0].ID != "j1" || jobs[0].MaxAttempts != 4 {
		t.Fatalf("list = %+v", jobs)
	}

	stdout, _, err = run(t, append([]string{"tick", "--remote"}, api...)...)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", calls.Load())
	}
	if !strings.Contains(stdout, "executed") {
		t.Fatalf("tick table missing counters:\n%s", stdout)
	}

	stdout, _, err = run(t, append([]string{"jobs", "get", "j1"}, api...)...)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, want := range []string{"interval:1m0s", "success", `{"n":1}`} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("get output missing %q:\n%s", want, stdout)
		}
	}

	_, stderr, err = run(t, append([]string{"jobs", "cancel", "j1"}, api...)...)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(stderr, "job j1 is cancelled") {
		t.Fatalf("cancel note = %q", stderr)
	}

	_, stderr, err = run(t, append([]string{"jobs", "reset", "j1"}, api...)...)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !strings.Contains(stderr, "job j1 is pending") {
		t.Fatalf("reset note = %q", stderr)
	}
}

func TestClientReportsAPIErrors(t *testing.T) {
	t.Parallel()
	srv, _ := newDaemon(t)

	tests := []struct {
		name   string
		token  string
		call   func(c *Client) error
		status int
	}{
		{
			name:   "bad token",
			token:  "wrong",
			call:   func(c *Client) error { _, err := c.ListJobs(context.Background(), nil); return err },
			status: http.StatusUnauthorized,
		},
		{
			name:   "missing job",
			token:  testToken,
			call:   func(c *Client) error { _, err := c.GetJob(context.Background(), "nope"); return err },
			status: http.StatusNotFound,
		},
		{
			name:  "bad schedule",
			token: testToken,
			call: func(c *Client) error {
				_, err := c.CreateJob(context.Background(), CreateRequest{Type: "post", Spec: "every:banana"})
				return err
			},
			status: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.call(NewClient(srv.URL+"/", tt.token))
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.Status != tt.status {
				t.Fatalf("status = %d, want %d (%v)", apiErr.Status, tt.status, err)
			}
		})
	}
}

func TestRemoteTickReportsStoreFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"checked":0,"due":0,"executed":0,"duration_ms":3,"error":"store unavailable"}`))
	}))
	t.Cleanup(srv.Close)

	stdout, _, err := run(t, "tick", "--remote", "--json", "--api-url", srv.URL)
	if err == nil || !strings.Contains(err.Error(), "store unavailable") {
		t.Fatalf("err = %v", err)
	}
	var res scheduler.TickResult
	if jerr := json.Unmarshal([]byte(stdout), &res); jerr != nil {
		t.Fatalf("tick output: %v\n%s", jerr, stdout)
	}
	if res.DurationMS != 3 {
		t.Fatalf("res = %+v", res)
	}
}

func TestLocalTickRunsDueJobs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "jobs.json")

	sched := newScheduler(t, storePath, handler.NewRegistry())
	if _, err := sched.CreateJob(context.Background(), "log", job.Every(time.Hour), json.RawMessage(`{"msg":"hi"}`),
		job.WithFirstRun(t0)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := sched.Store().Close(); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(dir, "jobsched.json")
	cfg := `{
		"logging": {"level": "error", "console": true},
		"store": {"driver": "file", "path": "` + filepath.ToSlash(storePath) + `"}
	}`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	stdout, _, err := run(t, "tick", "--json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	var res scheduler.TickResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("tick output: %v\n%s", err, stdout)
	}
	if res.Executed != 1 || res.Succeeded != 1 {
		t.Fatalf("res = %+v", res)
	}
}

func TestLocalTickRefusesHeldStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "jobs.json")
	newScheduler(t, storePath, handler.NewRegistry())

	cfgPath := filepath.Join(dir, "jobsched.json")
	cfg := `{
		"logging": {"level": "error", "console": true},
		"store": {"driver": "file", "path": "` + filepath.ToSlash(storePath) + `"}
	}`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, err := run(t, "tick", "--config", cfgPath)
	if !errors.Is(err, storage.ErrLocked) {
		t.Fatalf("tick against a held store: got %v want ErrLocked", err)
	}
}

func TestCreateValidatesLocally(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad payload", []string{"--payload", "{nope"}, "not valid JSON"},
		{"bad policy", []string{"--missed-policy", "later"}, "missed-policy"},
		{"bad first run", []string{"--first-run-at", "tomorrow"}, "first-run-at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			args := append([]string{"jobs", "create", "log", "5m", "--api-url", "http://127.0.0.1:1"}, tt.args...)
			_, _, err := run(t, args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestParseStatuses(t *testing.T) {
	t.Parallel()
	got, err := parseStatuses([]string{"Pending", " leased ", ""})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != job.StatusPending || got[1] != job.StatusLeased {
		t.Fatalf("got %v", got)
	}
	if _, err := parseStatuses([]string{"running"}); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
