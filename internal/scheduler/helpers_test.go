package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/handler"
	"jobsched/internal/job"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	store job.Store
	reg   *handler.Registry
	bus   eventbus.Bus
	sched *Scheduler
}

func testConfig() Config {
	return Config{
		HandlerTimeout: 2 * time.Second,
		RetryBase:      time.Second,
		RetryMaxDelay:  time.Minute,
		RetryJitter:    -1,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "jobs.json"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return newHarnessOn(t, s, cfg)
}

func newHarnessOn(t *testing.T, s job.Store, cfg Config) *harness {
	t.Helper()
	h := &harness{store: s, reg: handler.NewRegistry(), bus: eventbus.New()}
	h.sched = New(cfg, s, h.reg,
		WithBus(h.bus),
		WithClock(func() time.Time { return t0 }),
		WithOwner("test-"+t.Name()),
	)
	return h
}

// peer returns another scheduler instance sharing the store and handlers,
// standing in for a second process.
func (h *harness) peer(owner string) *Scheduler {
	return New(h.sched.Config(), h.store, h.reg, WithOwner(owner), WithClock(func() time.Time { return t0 }))
}

func (h *harness) create(t *testing.T, typ string, sc job.Schedule, opts ...job.Option) *job.Job {
	t.Helper()
	j, err := h.sched.CreateJob(context.Background(), typ, sc, json.RawMessage(`{"k":"v"}`), opts...)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j
}

func (h *harness) get(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return j
}

// counter registers typ with a handler returning err and counts calls.
func (h *harness) counter(t *testing.T, typ string, err error) *atomic.Int64 {
	t.Helper()
	var n atomic.Int64
	if e := h.reg.RegisterFunc(typ, func(context.Context, json.RawMessage, handler.Info) error {
		n.Add(1)
		return err
	}); e != nil {
		t.Fatalf("Register: %v", e)
	}
	return &n
}

// barrierStore holds every ListDue until n callers have listed, so all of
// them race on TryClaim with the same candidates.
type barrierStore struct {
	job.Store
	wg sync.WaitGroup
}

func newBarrierStore(s job.Store, n int) *barrierStore {
	b := &barrierStore{Store: s}
	b.wg.Add(n)
	return b
}

func (b *barrierStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	due, err := b.Store.ListDue(ctx, now, limit)
	b.wg.Done()
	b.wg.Wait()
	return due, err
}

// flakyStore fails TryClaim for one job id.
type flakyStore struct {
	job.Store
	failID string
}

func (f *flakyStore) TryClaim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*job.Job, error) {
	if id == f.failID {
		return nil, job.Storage("claim", context.DeadlineExceeded)
	}
	return f.Store.TryClaim(ctx, id, owner, now, ttl)
}

func collect(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventTypes(evs []eventbus.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}
