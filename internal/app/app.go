package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"jobsched/internal/alert"
	"jobsched/internal/config"
	"jobsched/internal/driver/loop"
	"jobsched/internal/driver/tickhttp"
	"jobsched/internal/eventbus"
	"jobsched/internal/handler"
	"jobsched/internal/job"
	"jobsched/internal/relay"
	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/scheduler"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

// App wires the scheduler, its store, the tick triggers, the alerter and
// the event relay from one config file. Every dependency is built here and
// passed down explicitly.
type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	logs *logx.Service
	log  logx.Logger

	bus      eventbus.Bus
	store    job.Store
	storeCfg storage.Config
	reg      *handler.Registry
	prom     *prometheus.Registry
	sched    *scheduler.Scheduler

	loop    *loop.Loop
	http    *tickhttp.Server
	alerter *alert.Alerter
	relay   *relay.Relay
	amqp    *relay.AMQP

	purge atomic.Pointer[purgeConfig]

	sup      *supervisor.Supervisor
	stopOnce sync.Once
	stopErr  error
}

// New loads cfgPath and builds every component. The store is opened (and
// migrated) here so configuration errors surface before Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, storeCfg, root.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", storeCfg.Driver), logx.Bool("distributed", storeCfg.Distributed()))

	a := &App{
		cfgm:     cfgm,
		cfg:      cfg,
		logs:     logs,
		log:      log,
		bus:      eventbus.New(),
		store:    store,
		storeCfg: storeCfg,
		reg:      handler.NewRegistry(),
		prom:     prometheus.NewRegistry(),
	}
	a.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.sched = scheduler.New(mapSchedulerConfig(cfg), store, a.reg,
		scheduler.WithLogger(root.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(a.bus),
		scheduler.WithMetrics(scheduler.NewMetrics(a.prom)),
	)
	pc := mapPurgeConfig(cfg)
	a.purge.Store(&pc)

	if iv, ok := mapLoopInterval(cfg); ok {
		a.loop = loop.New(a.sched, iv,
			loop.WithLogger(root.With(logx.String("comp", "loop"))),
			loop.WithDistributedStore(storeCfg.Distributed()),
		)
	}
	if hc, ok := mapHTTPConfig(cfg); ok {
		a.http = tickhttp.New(hc, a.sched,
			tickhttp.WithLogger(root.With(logx.String("comp", "tickhttp"))),
			tickhttp.WithGatherer(a.prom),
			tickhttp.WithHealth(a.health),
		)
	}
	if ac, ok := mapAlertConfig(cfg); ok {
		tg := cfg.Alerts.Telegram
		sender, err := alert.NewTelegram(tg.Token, tg.ChatID, tg.ThreadID)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("alerts: %w", err)
		}
		a.alerter = alert.New(ac, sender, a.bus, root.With(logx.String("comp", "alert")))
	}
	if rc := cfg.Relay; rc != nil && rc.Enabled {
		a.amqp = relay.NewAMQP(rc.URL, rc.Exchange, root.With(logx.String("comp", "relay")))
		a.relay = relay.New(a.bus, a.amqp, rc.Events, root.With(logx.String("comp", "relay")))
	}
	if a.loop == nil && a.http == nil {
		log.Warn("no tick trigger enabled; jobs will not run until tick_http or tick_loop is enabled")
	}
	return a, nil
}

// Registry is where collaborators register job handlers.
func (a *App) Registry() *handler.Registry { return a.reg }

// Scheduler exposes the job API.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app stops, including after a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if a.loop != nil {
		a.sup.GoRestart("tick.loop", a.loop.Run)
	}
	if a.http != nil {
		a.sup.GoRestart("tick.http", a.http.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithMaxRestarts(5),
		)
	}
	if a.alerter != nil {
		a.sup.GoRestart("alert", a.alerter.Run)
	}
	if a.relay != nil {
		a.sup.GoRestart("relay", a.relay.Run)
	}
	a.sup.Go("purge", a.purgeLoop)
	a.sup.Go("eventbus.log", a.logEvents)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	if a.cfg.Systemd.Watchdog {
		a.sup.Go("systemd.watchdog", a.watchdog)
	}

	a.sdNotify("READY=1")
	a.log.Info("app started",
		logx.String("owner", a.sched.Owner()),
		logx.Bool("tick_loop", a.loop != nil),
		logx.Bool("tick_http", a.http != nil),
		logx.Bool("alerts", a.alerter != nil),
		logx.Bool("relay", a.relay != nil),
	)
	return nil
}

// Stop cancels every goroutine, waits for in-flight ticks until ctx is
// done, then closes the store. Safe to call more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() {
		a.sdNotify("STOPPING=1")
		a.log.Info("app stopping", logx.String("reason", string(reason)))
		var errs []error
		if a.sup != nil {
			if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		}
		if a.amqp != nil {
			_ = a.amqp.Close()
		}
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		a.log.Info("app stopped")
		_ = a.logs.Close()
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

func (a *App) health() any {
	out := map[string]any{
		"store": a.storeCfg.Driver,
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	if c, ok := a.bus.(eventbus.Counter); ok {
		out["events"] = c.Stats()
	}
	if a.loop != nil {
		out["loop"] = a.loop.Stats()
	}
	if a.alerter != nil {
		out["alerts"] = a.alerter.Stats()
	}
	if a.relay != nil {
		out["relay"] = a.relay.Stats()
	}
	return out
}

// purgeLoop deletes finished jobs older than purge_after, when set.
func (a *App) purgeLoop(ctx context.Context) error {
	for {
		pc := *a.purge.Load()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pc.every):
		}
		pc = *a.purge.Load()
		if pc.after <= 0 {
			continue
		}
		if _, err := a.sched.Purge(ctx, pc.after); err != nil {
			a.log.Warn("purge failed", logx.Err(err))
		}
	}
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig hot-applies what can change at runtime and warns about the
// rest.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))
	a.sched.Apply(mapSchedulerConfig(next))
	pc := mapPurgeConfig(next)
	a.purge.Store(&pc)

	if iv, ok := mapLoopInterval(next); ok && a.loop != nil {
		a.loop.SetInterval(iv)
	} else if ok != (a.loop != nil) {
		restart = append(restart, "tick_loop.enabled")
	}
	if ac, ok := mapAlertConfig(next); ok && a.alerter != nil {
		a.alerter.Apply(ac)
		if prev.Alerts != nil && prev.Alerts.Telegram != next.Alerts.Telegram {
			restart = append(restart, "alerts.telegram")
		}
	} else if ok != (a.alerter != nil) {
		restart = append(restart, "alerts.enabled")
	}

	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
