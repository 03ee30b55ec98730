package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
store:
  driver: sqlite
  path: ./data/jobs.db
  busy_timeout: 5s
scheduler:
  handler_timeout: 45s
  concurrency: 4
  retry_base: 2s
tick_loop:
  enabled: true
  interval: 15s
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "jobsched.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Scheduler.Concurrency != 4 || cfg.TickLoop == nil || cfg.TickLoop.Interval != "15s" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatalf("Load must commit")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	body := `{"store":{"driver":"file","path":"x.json"},"scheduler":{"workers":3}}`
	if _, err := NewManager(writeFile(t, "c.json", body)).Load(); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	t.Parallel()

	body := `{"store":{"driver":"file"}}{"store":{"driver":"file"}}`
	if _, err := NewManager(writeFile(t, "c.json", body)).Load(); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("got %v want trailing data error", err)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("JOBSCHED_TEST_DSN", "postgres://u:p@db/jobs")
	t.Setenv("JOBSCHED_TEST_TOKEN", "123:abc")

	body := `
store:
  driver: postgres
  dsn: ${JOBSCHED_TEST_DSN}
alerts:
  enabled: true
  telegram:
    token: "${JOBSCHED_TEST_TOKEN}"
    chat_id: -1001234567890123
tick_http:
  enabled: true
  token: "pa$$word"
`
	cfg, err := NewManager(writeFile(t, "c.yml", body)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.DSN != "postgres://u:p@db/jobs" || cfg.Alerts.Telegram.Token != "123:abc" {
		t.Fatalf("env not expanded: %+v %+v", cfg.Store, cfg.Alerts.Telegram)
	}
	if cfg.Alerts.Telegram.ChatID != -1001234567890123 {
		t.Fatalf("chat id lost precision: %d", cfg.Alerts.Telegram.ChatID)
	}
	if cfg.TickHTTP.Token != "pa$$word" {
		t.Fatalf("bare $ must be kept: %q", cfg.TickHTTP.Token)
	}
}

func TestLoadJSONKeepsLargeIntegers(t *testing.T) {
	t.Parallel()

	body := `{"store":{"driver":"file"},"alerts":{"enabled":true,"telegram":{"token":"t","chat_id":-1001234567890123}}}`
	cfg, err := NewManager(writeFile(t, "c.json", body)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Alerts.Telegram.ChatID != -1001234567890123 {
		t.Fatalf("chat id lost precision: %d", cfg.Alerts.Telegram.ChatID)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"ok", Config{Store: StoreConfig{Driver: "file"}}, ""},
		{"missing driver", Config{}, "store.driver"},
		{"unknown driver", Config{Store: StoreConfig{Driver: "etcd"}}, "unknown driver"},
		{"bad duration", Config{Store: StoreConfig{Driver: "pg"}, Scheduler: SchedulerConfig{HandlerTimeout: "soon"}}, "scheduler.handler_timeout"},
		{"negative duration", Config{Store: StoreConfig{Driver: "mongo"}, TickLoop: &TickLoopConfig{Interval: "-1s"}}, "tick_loop.interval"},
		{"jitter", Config{Store: StoreConfig{Driver: "file"}, Scheduler: SchedulerConfig{RetryJitter: 1.5}}, "retry_jitter"},
		{"alerts without token", Config{Store: StoreConfig{Driver: "file"}, Alerts: &AlertsConfig{Enabled: true}}, "alerts.telegram"},
		{"disabled alerts", Config{Store: StoreConfig{Driver: "file"}, Alerts: &AlertsConfig{}}, ""},
		{"bad log format", Config{Store: StoreConfig{Driver: "file"}, Logging: LoggingConfig{Format: "xml"}}, "logging.format"},
		{"relay without url", Config{Store: StoreConfig{Driver: "file"}, Relay: &RelayConfig{Enabled: true}}, "relay.url"},
		{"relay bad event", Config{Store: StoreConfig{Driver: "file"}, Relay: &RelayConfig{Enabled: true, URL: "amqp://localhost", Events: []string{"tick"}}}, "relay.events"},
		{"relay ok", Config{Store: StoreConfig{Driver: "file"}, Relay: &RelayConfig{Enabled: true, URL: "amqps://mq", Events: []string{"job.exhausted"}}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("got %v want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "90s", time.Minute); err != nil || d != 90*time.Second {
		t.Fatalf("explicit: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-2s"); err == nil {
		t.Fatal("negative durations are rejected")
	}
	if d := DurationOr("junk", time.Second); d != time.Second {
		t.Fatalf("DurationOr fallback: %v", d)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Store:     StoreConfig{Driver: "file", Path: "a.json"},
		Scheduler: SchedulerConfig{Concurrency: 2},
		TickHTTP:  &TickHTTPConfig{Enabled: true, Addr: ":8089", Token: "old"},
	}
	newCfg := &Config{
		Store:     StoreConfig{Driver: "file", Path: "a.json"},
		Scheduler: SchedulerConfig{Concurrency: 4},
		TickHTTP:  &TickHTTPConfig{Enabled: true, Addr: ":9000", Token: "new"},
		TickLoop:  &TickLoopConfig{Enabled: true},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"scheduler", "tick_http", "tick_http.addr", "tick_loop"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed: got %v want %v", changed, want)
	}
	if len(restart) != 1 || restart[0] != "tick_http.addr" {
		t.Fatalf("restart: got %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs")
	}

	if changed, _, _ := SummarizeConfigChange(oldCfg, oldCfg); len(changed) != 0 {
		t.Fatalf("identical configs: got %v", changed)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "jobsched.json", `{"store":{"driver":"file"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// reload is what Watch runs after the debounce
	if err := os.WriteFile(path, []byte(`{"store":{"driver":"bogus"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if m.reload() {
		t.Fatal("invalid config must not be published")
	}
	if err := os.WriteFile(path, []byte(`{"store":{"driver":"file"},"scheduler":{"concurrency":3}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if !m.reload() {
		t.Fatal("valid change must be published")
	}
	select {
	case got := <-sub:
		if got.Scheduler.Concurrency != 3 {
			t.Fatalf("unexpected published config: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
	if m.reload() {
		t.Fatal("unchanged content must not be republished")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "jobsched.json", `{"store":{"driver":"file"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()

	// the watcher may not be registered yet, so keep rewriting until it sees
	// one; writes are spaced wider than the debounce
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(2 * reloadDebounce)
	defer tick.Stop()
	for n := 1; ; n++ {
		select {
		case got := <-sub:
			if got.Scheduler.Concurrency < 1 {
				t.Fatalf("unexpected config: %+v", got.Scheduler)
			}
			return
		case <-tick.C:
			body := `{"store":{"driver":"file"},"scheduler":{"concurrency":` + strconv.Itoa(n) + `}}`
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("watch never published")
		}
	}
}

func TestDebouncerCoalesces(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	d := &debouncer{d: 50 * time.Millisecond, fn: func() { runs.Add(1) }}
	for range 5 {
		d.trigger()
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	d.trigger()
	d.stop()
	time.Sleep(100 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs after stop = %d, want 1", got)
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	ch := m.Subscribe(0)
	m.Unsubscribe(ch)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
}
