package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bgtask/internal/task/registry"
	"bgtask/internal/trigger"
	logx "bgtask/pkg/logx"
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	d := &durations{}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lv))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when logging.file.enabled"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	d.parse("scheduler.wake_rate", cfg.Scheduler.WakeRate)
	if cfg.Scheduler.WakeBurst < 0 || cfg.Runner.Workers < 0 || cfg.Runner.Stragglers < 0 || cfg.Runner.HistorySize < 0 {
		errs = append(errs, errors.New("scheduler/runner: counts must be >= 0"))
	}

	tasks := make(map[string]struct{}, len(cfg.Tasks))
	for i, t := range cfg.Tasks {
		p := fmt.Sprintf("tasks[%d]", i)
		id := strings.TrimSpace(t.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", p))
			continue
		}
		if _, dup := tasks[id]; dup {
			errs = append(errs, fmt.Errorf("%s.id: duplicate identifier %q", p, id))
		}
		tasks[id] = struct{}{}

		kind, err := registry.ParseKind(t.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.kind: %w", p, err))
		}
		if _, err := registry.ParseOverlap(t.Overlap); err != nil {
			errs = append(errs, fmt.Errorf("%s.overlap: %w", p, err))
		}
		interval := d.parse(p+".minimum_interval", t.MinimumInterval)
		if kind == registry.Recurring && interval <= 0 {
			errs = append(errs, fmt.Errorf("%s.minimum_interval is required for recurring tasks", p))
		}
		d.parse(p+".budget", t.Budget)
		d.parse(p+".start_delay", t.StartDelay)
		base := d.parse(p+".backoff.base", t.Backoff.Base)
		maxDelay := d.parse(p+".backoff.max", t.Backoff.Max)
		if maxDelay > 0 && base > maxDelay {
			errs = append(errs, fmt.Errorf("%s.backoff.max must be >= backoff.base", p))
		}
		if base <= 0 && maxDelay > 0 {
			errs = append(errs, fmt.Errorf("%s.backoff.max needs backoff.base", p))
		}
		if t.Backoff.Factor < 0 {
			errs = append(errs, fmt.Errorf("%s.backoff.factor must be >= 0", p))
		}
		if err := validateAction(t.Action); err != nil {
			errs = append(errs, fmt.Errorf("%s.action: %w", p, err))
		}
	}

	for i, c := range cfg.Triggers.Cron {
		p := fmt.Sprintf("triggers.cron[%d]", i)
		if _, ok := tasks[strings.TrimSpace(c.Task)]; !ok {
			errs = append(errs, fmt.Errorf("%s.task: unknown task %q", p, c.Task))
		}
		if _, err := trigger.ParseSchedule(c.Spec); err != nil {
			errs = append(errs, fmt.Errorf("%s.spec: %w", p, err))
		}
	}
	for i, b := range cfg.Triggers.OnBackground {
		p := fmt.Sprintf("triggers.on_background[%d]", i)
		if _, ok := tasks[strings.TrimSpace(b.Task)]; !ok {
			errs = append(errs, fmt.Errorf("%s.task: unknown task %q", p, b.Task))
		}
		d.parse(p+".delay", b.Delay)
	}
	if n := cfg.Triggers.NATS; n != nil {
		d.parse("triggers.nats.retry_delay", n.RetryDelay)
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", s.Driver))
			}
			d.parse("storage.busy_timeout", s.BusyTimeout)
		case "redis":
			if s.Redis == nil || strings.TrimSpace(s.Redis.Addr) == "" {
				errs = append(errs, errors.New("storage.redis.addr is required when storage.driver=redis"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
	}

	if n := cfg.Notifier; n != nil {
		if n.RatePerSec < 0 || n.QueueSize < 0 {
			errs = append(errs, errors.New("notifier: rate_per_sec and queue_size must be >= 0"))
		}
		d.parse("notifier.dedup_window", n.DedupWindow)
	}

	d.parse("http.read_timeout", cfg.HTTP.ReadTimeout)
	d.parse("http.write_timeout", cfg.HTTP.WriteTimeout)
	d.parse("http.idle_timeout", cfg.HTTP.IdleTimeout)

	errs = append(errs, d.errs...)
	return errors.Join(errs...)
}

func validateAction(a ActionConfig) error {
	switch strings.ToLower(strings.TrimSpace(a.Type)) {
	case "exec":
		if len(a.Command) == 0 || strings.TrimSpace(a.Command[0]) == "" {
			return errors.New("exec requires command")
		}
	case "http":
		if strings.TrimSpace(a.URL) == "" {
			return errors.New("http requires url")
		}
	case "systemd":
		if strings.TrimSpace(a.Unit) == "" {
			return errors.New("systemd requires unit")
		}
		switch strings.ToLower(strings.TrimSpace(a.Operation)) {
		case "", "start", "stop", "restart":
		default:
			return fmt.Errorf("unknown systemd operation %q", a.Operation)
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown type %q", a.Type)
	}
	return nil
}
