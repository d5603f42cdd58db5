package app

import (
	"fmt"
	"strings"
	"time"

	"bgtask/internal/config"
	"bgtask/internal/notify"
	"bgtask/internal/observability/httpserver"
	"bgtask/internal/storage"
	"bgtask/internal/task/action"
	"bgtask/internal/task/registry"
	"bgtask/internal/task/runner"
	"bgtask/internal/trigger"
	logx "bgtask/pkg/logx"
)

// Config mapping. Load already ran config.Validate, so parse errors here
// are unexpected but still reported.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRunner(cfg *config.Config) runner.Config {
	return runner.Config{
		Workers:     cfg.Runner.Workers,
		Stragglers:  cfg.Runner.Stragglers,
		HistorySize: cfg.Runner.HistorySize,
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{Driver: strings.TrimSpace(sc.Driver), Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}
	if r := sc.Redis; r != nil {
		out.Redis = storage.RedisConfig{Addr: r.Addr, Password: r.Password, DB: r.DB, Prefix: r.Prefix, MaxOutcomes: r.MaxOutcomes}
	}
	return out, nil
}

// taskPlan is one configured task ready to register.
type taskPlan struct {
	def        registry.Definition
	work       registry.WorkFunc
	onStart    bool
	startDelay time.Duration
}

func mapTasks(cfg *config.Config, log logx.Logger) ([]taskPlan, error) {
	out := make([]taskPlan, 0, len(cfg.Tasks))
	for i, t := range cfg.Tasks {
		p := fmt.Sprintf("tasks[%d]", i)
		kind, err := registry.ParseKind(t.Kind)
		if err != nil {
			return nil, fmt.Errorf("%s.kind: %w", p, err)
		}
		overlap, err := registry.ParseOverlap(t.Overlap)
		if err != nil {
			return nil, fmt.Errorf("%s.overlap: %w", p, err)
		}
		var d [5]time.Duration
		for j, f := range []struct{ name, raw string }{
			{"minimum_interval", t.MinimumInterval},
			{"budget", t.Budget},
			{"start_delay", t.StartDelay},
			{"backoff.base", t.Backoff.Base},
			{"backoff.max", t.Backoff.Max},
		} {
			if d[j], err = config.ParseDurationField(p+"."+f.name, f.raw); err != nil {
				return nil, err
			}
		}
		id := strings.TrimSpace(t.ID)
		work, err := action.Build(id, action.Spec{
			Type:    t.Action.Type,
			Command: t.Action.Command,
			Dir:     t.Action.Dir,
			Env:     t.Action.Env,
			Method:  t.Action.Method,
			URL:     t.Action.URL,
			Headers: t.Action.Headers,
			Body:    t.Action.Body,

			Unit:      t.Action.Unit,
			Operation: t.Action.Operation,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("%s.action: %w", p, err)
		}
		out = append(out, taskPlan{
			def: registry.Definition{
				ID:              id,
				Kind:            kind,
				MinimumInterval: d[0],
				Budget:          d[1],
				Overlap:         overlap,
				Backoff:         registry.Backoff{Base: d[3], Max: d[4], Factor: t.Backoff.Factor},
			},
			work:       work,
			onStart:    t.SubmitOnStart,
			startDelay: d[2],
		})
	}
	return out, nil
}

func mapTriggers(cfg *config.Config) ([]trigger.CronEntry, []trigger.BackgroundEntry, error) {
	crons := make([]trigger.CronEntry, 0, len(cfg.Triggers.Cron))
	for _, c := range cfg.Triggers.Cron {
		crons = append(crons, trigger.CronEntry{Identifier: strings.TrimSpace(c.Task), Spec: c.Spec})
	}
	bgs := make([]trigger.BackgroundEntry, 0, len(cfg.Triggers.OnBackground))
	for i, b := range cfg.Triggers.OnBackground {
		d, err := config.ParseDurationField(fmt.Sprintf("triggers.on_background[%d].delay", i), b.Delay)
		if err != nil {
			return nil, nil, err
		}
		bgs = append(bgs, trigger.BackgroundEntry{Identifier: strings.TrimSpace(b.Task), Delay: d})
	}
	return crons, bgs, nil
}

func mapNATS(cfg *config.Config) (trigger.NATSConfig, bool, error) {
	n := cfg.Triggers.NATS
	if n == nil || !n.Enabled {
		return trigger.NATSConfig{}, false, nil
	}
	delay, err := config.ParseDurationField("triggers.nats.retry_delay", n.RetryDelay)
	if err != nil {
		return trigger.NATSConfig{}, false, err
	}
	return trigger.NATSConfig{
		URL:            n.URL,
		Subject:        n.Subject,
		Queue:          n.Queue,
		Name:           n.Name,
		ConnectRetries: n.Retries,
		RetryDelay:     delay,
	}, true, nil
}

func mapWakeLimiter(cfg *config.Config) (*trigger.Limiter, error) {
	every, err := config.ParseDurationField("scheduler.wake_rate", cfg.Scheduler.WakeRate)
	if err != nil {
		return nil, err
	}
	return trigger.NewLimiter(every, cfg.Scheduler.WakeBurst), nil
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

func mapNotifier(cfg *config.Config) (notify.Config, notify.Options, error) {
	n := cfg.Notifier
	if n == nil {
		return notify.Config{}, notify.Options{}, nil
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notify.Config{}, notify.Options{}, err
	}
	return notify.Config{
			Enabled:         n.Enabled,
			QueueSize:       n.QueueSize,
			RatePerSec:      n.RatePerSec,
			NotifyCompleted: n.NotifyCompleted,
			DedupWindow:     dedup,
		}, notify.Options{
			Alert: n.Permissions.Alert,
			Sound: n.Permissions.Sound,
			Badge: n.Permissions.Badge,
		}, nil
}

func mapHTTP(cfg *config.Config) (httpserver.Config, error) {
	h := cfg.HTTP
	var d [3]time.Duration
	for i, f := range []struct{ name, raw string }{
		{"http.read_timeout", h.ReadTimeout},
		{"http.write_timeout", h.WriteTimeout},
		{"http.idle_timeout", h.IdleTimeout},
	} {
		v, err := config.ParseDurationField(f.name, f.raw)
		if err != nil {
			return httpserver.Config{}, err
		}
		d[i] = v
	}
	if d[0] == 0 {
		d[0] = 10 * time.Second
	}
	if d[2] == 0 {
		d[2] = 60 * time.Second
	}
	// WriteTimeout stays 0 by default so /debug/pprof/profile can stream.
	return httpserver.Config{
		Enabled:       h.Enabled,
		Addr:          h.Addr,
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   d[0],
		WriteTimeout:  d[1],
		IdleTimeout:   d[2],
	}, nil
}
