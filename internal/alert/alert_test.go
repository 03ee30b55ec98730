package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/scheduler"
	logx "jobsched/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fails int
	got   chan struct{}
}

func newFakeSender(fails int) *fakeSender {
	return &fakeSender{fails: fails, got: make(chan struct{}, 16)}
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram down")
	}
	f.texts = append(f.texts, text)
	f.got <- struct{}{}
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

var at = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func exhausted(id string) scheduler.JobEvent {
	return scheduler.JobEvent{JobID: id, JobType: "post", Attempt: 3, MaxAttempts: 3, ScheduledFor: at, Error: "boom"}
}

func TestRunSendsExhaustedOnly(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	snd := newFakeSender(0)
	a := New(Config{}, snd, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// wait for the subscription
	deadline := time.Now().Add(2 * time.Second)
	for bus.(eventbus.Counter).Stats().Subscribers == 0 {
		if time.Now().After(deadline) {
			t.Fatal("alerter never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	bus.Publish(eventbus.Event{Type: scheduler.EventRetry, Time: at, Data: exhausted("a")})
	bus.Publish(eventbus.Event{Type: scheduler.EventExhausted, Time: at, Data: exhausted("b")})

	select {
	case <-snd.got:
	case <-time.After(2 * time.Second):
		t.Fatal("alert not sent")
	}
	cancel()
	<-done

	if snd.count() != 1 || !strings.Contains(snd.texts[0], "id: b") {
		t.Fatalf("unexpected alerts: %v", snd.texts)
	}
}

func TestHandleDedupsPerJob(t *testing.T) {
	t.Parallel()

	snd := newFakeSender(0)
	a := New(Config{}, snd, eventbus.New(), logx.Nop())
	a.handle(context.Background(), exhausted("a"), at)
	a.handle(context.Background(), exhausted("a"), at.Add(time.Minute))
	a.handle(context.Background(), exhausted("a"), at.Add(11*time.Minute))
	if snd.count() != 2 {
		t.Fatalf("sent: got %d want 2", snd.count())
	}
}

func TestHandleRateLimits(t *testing.T) {
	t.Parallel()

	snd := newFakeSender(0)
	a := New(Config{RatePerMin: 2}, snd, eventbus.New(), logx.Nop())
	for _, id := range []string{"a", "b", "c", "d"} {
		a.handle(context.Background(), exhausted(id), at)
	}
	if snd.count() != 2 || a.Stats().Dropped != 2 {
		t.Fatalf("sent=%d stats=%+v", snd.count(), a.Stats())
	}
}

func TestHandleRetries(t *testing.T) {
	t.Parallel()

	snd := newFakeSender(2)
	a := New(Config{RetryMax: 2, RetryBase: time.Millisecond}, snd, eventbus.New(), logx.Nop())
	a.handle(context.Background(), exhausted("a"), at)
	if snd.count() != 1 || a.Stats().Sent != 1 {
		t.Fatalf("expected delivery after retries, stats=%+v", a.Stats())
	}

	snd = newFakeSender(5)
	a = New(Config{RetryMax: 1, RetryBase: time.Millisecond}, snd, eventbus.New(), logx.Nop())
	a.handle(context.Background(), exhausted("a"), at)
	if a.Stats().Failed != 1 {
		t.Fatalf("expected failure, stats=%+v", a.Stats())
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	ev := exhausted("j1")
	ev.Name = "morning digest"
	got := Format(ev)
	want := "Job failed: morning digest (post)\nid: j1\nattempts: 3/3\nscheduled for: 2025-03-10T12:00:00Z\nerror: boom"
	if got != want {
		t.Fatalf("got\n%s\nwant\n%s", got, want)
	}
}

func TestNewTelegramValidates(t *testing.T) {
	t.Parallel()

	if _, err := NewTelegram("", 1, 0); err == nil {
		t.Fatal("empty token must fail")
	}
	if _, err := NewTelegram("123:abc", 0, 0); err == nil {
		t.Fatal("missing chat id must fail")
	}
}
