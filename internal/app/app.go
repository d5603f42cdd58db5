// Package app wires the bgtaskd daemon: registry, scheduler, runner and
// dispatcher plus the triggers, persistence, notifications and HTTP
// observability around them.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bgtask/internal/config"
	"bgtask/internal/eventbus"
	"bgtask/internal/notify"
	"bgtask/internal/observability/httpserver"
	"bgtask/internal/observability/metrics"
	"bgtask/internal/runtime/supervisor"
	"bgtask/internal/storage"
	"bgtask/internal/task/dispatch"
	"bgtask/internal/task/registry"
	"bgtask/internal/task/runner"
	"bgtask/internal/task/scheduler"
	"bgtask/internal/trigger"
	logx "bgtask/pkg/logx"
)

const permissionTimeout = 10 * time.Second

type options struct {
	clock  clockwork.Clock
	perm   notify.Permission
	sender notify.Sender
}

type Option func(*options)

// WithClock replaces the real clock of the scheduler, runner and triggers.
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithNotifier replaces the Telegram backend.
func WithNotifier(p notify.Permission, s notify.Sender) Option {
	return func(o *options) { o.perm, o.sender = p, s }
}

type App struct {
	cfgm  *config.ConfigManager
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock clockwork.Clock
	prom  *prometheus.Registry

	reg    *registry.Registry
	sched  *scheduler.Scheduler
	runner *runner.Runner
	disp   *dispatch.Dispatcher
	wakes  chan trigger.Wake
	plans  []taskPlan

	cron *trigger.Cron
	life *trigger.Lifecycle
	nats *trigger.NATS

	notif    *notify.Service
	perm     notify.Permission
	permOpts notify.Options
	http     *httpserver.Server

	sup        *supervisor.Supervisor
	dispCancel context.CancelFunc
	started    time.Time
	stopOnce   sync.Once
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(mapLogging(cfg))
	a := &App{cfgm: cfgm, logs: logs, log: log.With(logx.String("comp", "app")), bus: eventbus.New(), clock: o.clock}
	if err := a.build(cfg, o, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, o options, log logx.Logger) error {
	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if a.store != nil {
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.prom = prometheus.NewRegistry()
	a.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.prom)

	if a.plans, err = mapTasks(cfg, log.With(logx.String("comp", "action"))); err != nil {
		return err
	}
	a.reg = registry.New()
	for _, p := range a.plans {
		if err := a.reg.Register(p.def); err != nil {
			return err
		}
		if err := a.reg.Handle(p.def.ID, p.work); err != nil {
			return err
		}
	}

	schedOpts := []scheduler.Option{scheduler.WithClock(a.clock), scheduler.WithMetrics(m)}
	if a.store != nil {
		schedOpts = append(schedOpts, scheduler.WithStore(a.store))
	}
	a.sched = scheduler.New(a.reg, log.With(logx.String("comp", "scheduler")), a.bus, schedOpts...)

	if a.runner, err = runner.New(mapRunner(cfg), a.sched, log.With(logx.String("comp", "runner")), a.bus,
		runner.WithClock(a.clock), runner.WithMetrics(m)); err != nil {
		return err
	}

	a.wakes = make(chan trigger.Wake, 64)
	a.disp = dispatch.New(a.sched, a.runner, a.reg, a.wakes, log.With(logx.String("comp", "dispatch")),
		dispatch.WithClock(a.clock), dispatch.WithMetrics(m), dispatch.WithBus(a.bus))

	crons, bgs, err := mapTriggers(cfg)
	if err != nil {
		return err
	}
	loc, err := mapLocation(cfg)
	if err != nil {
		return err
	}
	if a.cron, err = trigger.NewCron(crons, loc, a.sched, log.With(logx.String("comp", "cron")), a.clock); err != nil {
		return err
	}
	a.life = trigger.NewLifecycle(bgs, a.sched, log.With(logx.String("comp", "lifecycle")), a.bus, a.clock)

	if nc, ok, err := mapNATS(cfg); err != nil {
		return err
	} else if ok {
		lim, err := mapWakeLimiter(cfg)
		if err != nil {
			return err
		}
		a.nats = trigger.NewNATS(nc, a.wakes, lim, log.With(logx.String("comp", "nats")))
	}

	ncfg, popts, err := mapNotifier(cfg)
	if err != nil {
		return err
	}
	a.permOpts = popts
	sender := o.sender
	a.perm = o.perm
	if a.perm == nil {
		a.perm, sender = a.telegram(cfg, ncfg.Enabled, log)
	}
	a.notif = notify.New(ncfg, sender, log.With(logx.String("comp", "notifier")))

	hc, err := mapHTTP(cfg)
	if err != nil {
		return err
	}
	a.http = httpserver.New(hc, a.prom, func() any { return a.Status() }, log.With(logx.String("comp", "http")))
	return nil
}

// telegram returns the permission backend and sender. Problems only deny
// notifications; they never fail startup.
func (a *App) telegram(cfg *config.Config, enabled bool, log logx.Logger) (notify.Permission, notify.Sender) {
	if !enabled {
		return notify.Denied{Reason: "notifier disabled"}, nil
	}
	tc := cfg.Notifier.Telegram
	if strings.TrimSpace(tc.Token) == "" {
		return notify.Denied{Reason: "telegram token not set"}, nil
	}
	tg, err := notify.NewTelegram(notify.TelegramConfig{Token: tc.Token, ChatID: tc.ChatID, ThreadID: tc.ThreadID},
		log.With(logx.String("comp", "telegram")))
	if err != nil {
		a.log.Warn("telegram unavailable", logx.Err(err))
		return notify.Denied{Reason: err.Error()}, nil
	}
	return tg, tg
}

// Registry exposes the task registry so embedders can bind more tasks
// before Start.
func (a *App) Registry() *registry.Registry { return a.reg }

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when the app supervisor context ends.
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
	a.started = a.clock.Now()
	// Optional components restart on their own; none of them may take the
	// daemon down.
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(false))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if n, err := a.sched.Restore(run); err != nil {
		a.log.Warn("restore pending requests failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("restored pending requests", logx.Int("count", n))
	}
	a.submitOnStart()

	a.requestPermission(run)
	a.sup.Go("notifier", func(c context.Context) error { return a.notif.Run(c, a.bus) })
	if a.store != nil {
		a.sup.Go0("outcomes", func(c context.Context) {
			recordOutcomes(c, a.bus, a.store, a.log.With(logx.String("comp", "outcomes")))
		})
	}
	a.sup.Go0("eventbus.log", a.logEvents)

	dispCtx, cancel := context.WithCancel(run)
	a.dispCancel = cancel
	a.sup.Go("dispatch", func(context.Context) error { return a.disp.Run(dispCtx) })

	a.cron.Start(run)
	if a.nats != nil {
		a.sup.GoRestart("nats", a.nats.Start, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	a.http.Start(run)

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdog(c, a.log, func() bool { return dispCtx.Err() == nil })
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("tasks", len(a.plans)), logx.Int("cron", a.cron.Len()), logx.Bool("nats", a.nats != nil))
	return nil
}

func (a *App) submitOnStart() {
	now := a.clock.Now()
	for _, p := range a.plans {
		if !p.onStart {
			continue
		}
		if _, ok := a.sched.Pending(p.def.ID); ok {
			continue
		}
		if err := a.sched.Submit(scheduler.Request{ID: p.def.ID, EarliestBegin: now.Add(p.startDelay)}); err != nil {
			a.log.Warn("submit on start failed", logx.String("task", p.def.ID), logx.Err(err))
		}
	}
}

// requestPermission asks for notification permission exactly once. Denial
// or failure only disables notifications.
func (a *App) requestPermission(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, permissionTimeout)
	defer cancel()
	grant, err := a.perm.Request(cctx, a.permOpts)
	if err != nil {
		grant = notify.Grant{Reason: err.Error()}
		a.log.Warn("notification permission request failed", logx.Err(err))
	} else if !grant.Granted {
		a.log.Info("notification permission denied", logx.String("reason", grant.Reason))
	} else {
		a.log.Info("notification permission granted", logx.String("grant", grant.String()))
	}
	a.notif.SetGrant(grant)
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// Lifecycle forwards an app lifecycle transition and returns the number of
// requests it submitted.
func (a *App) Lifecycle(ev trigger.LifecycleEvent) int { return a.life.Handle(ev) }

// Wake asks the dispatcher to run id now (every eligible task when id is
// empty) and waits for the acknowledgement. A zero deadline keeps the
// task's own budget.
func (a *App) Wake(ctx context.Context, id string, deadline time.Time) (bool, error) {
	ack := make(chan bool, 1)
	w := trigger.Wake{Identifier: id, Deadline: deadline, Source: "api", Ack: func(ok bool) { ack <- ok }}
	if !trigger.Send(ctx, a.wakes, w) {
		return false, ctx.Err()
	}
	select {
	case ok := <-ack:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if cold := config.RestartRequired(sections); len(cold) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(cold, ",")))
	}

	a.logs.Apply(mapLogging(cfg))
	if ncfg, _, err := mapNotifier(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if hc, err := mapHTTP(cfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts down in dependency order: triggers, dispatcher (running
// executions expire and are reported), runner, then the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() {
		a.log.Info("stopping", logx.String("reason", string(reason)))
		sdNotify(a.log, daemon.SdNotifyStopping)

		a.step(ctx, "cron", time.Second, func(c context.Context) error { a.cron.Stop(c); return nil })
		if a.nats != nil {
			a.step(ctx, "nats", time.Second, func(context.Context) error { a.nats.Stop(); return nil })
		}
		a.dispCancel()
		a.step(ctx, "runner", 3*time.Second, a.runner.Stop)
		a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })

		a.sup.Cancel()
		a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
		if a.store != nil {
			a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
		}
		a.log.Info("stopped")
		_ = a.logs.Close()
	})
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()
	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
