package config

// Config is the bgtaskd configuration file. JSON or YAML; unknown keys are
// rejected. Durations are Go duration strings ("500ms", "30s", "5m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Runner    RunnerConfig    `json:"runner"`
	Tasks     []TaskConfig    `json:"tasks"`
	Triggers  TriggersConfig  `json:"triggers"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	HTTP      HTTPConfig      `json:"http,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type SchedulerConfig struct {
	// Timezone for cron triggers; empty means local time.
	Timezone string `json:"timezone,omitempty"`
	// WakeRate is the minimum spacing of external wakes per identifier.
	// "0s" disables the limit.
	WakeRate  string `json:"wake_rate,omitempty"`
	WakeBurst int    `json:"wake_burst,omitempty"`
}

// RunnerConfig defaults: workers 4, stragglers = workers, history_size 200.
type RunnerConfig struct {
	Workers     int `json:"workers,omitempty"`
	Stragglers  int `json:"stragglers,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

type TaskConfig struct {
	ID              string        `json:"id"`
	Kind            string        `json:"kind"`
	MinimumInterval string        `json:"minimum_interval,omitempty"`
	Budget          string        `json:"budget,omitempty"`
	Overlap         string        `json:"overlap,omitempty"`
	Backoff         BackoffConfig `json:"backoff,omitempty"`
	// SubmitOnStart submits the task at startup unless a restored request
	// is already pending. StartDelay offsets its earliest begin time.
	SubmitOnStart bool         `json:"submit_on_start,omitempty"`
	StartDelay    string       `json:"start_delay,omitempty"`
	Action        ActionConfig `json:"action"`
}

type BackoffConfig struct {
	Base   string  `json:"base,omitempty"`
	Max    string  `json:"max,omitempty"`
	Factor float64 `json:"factor,omitempty"`
}

// ActionConfig selects a built-in action: "exec", "http" or "systemd".
type ActionConfig struct {
	Type string `json:"type"`

	Command []string `json:"command,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`

	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	Unit      string `json:"unit,omitempty"`
	Operation string `json:"operation,omitempty"`
}

type TriggersConfig struct {
	Cron         []CronTrigger       `json:"cron,omitempty"`
	OnBackground []BackgroundTrigger `json:"on_background,omitempty"`
	NATS         *NATSConfig         `json:"nats,omitempty"`
}

// CronTrigger submits Task on Spec: a cron expression, "@every 10m",
// a bare duration or an "HH:MM" interval.
type CronTrigger struct {
	Task string `json:"task"`
	Spec string `json:"spec"`
}

// BackgroundTrigger submits Task with earliest begin now+Delay whenever the
// daemon is told the app moved to the background.
type BackgroundTrigger struct {
	Task  string `json:"task"`
	Delay string `json:"delay"`
}

type NATSConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Queue      string `json:"queue,omitempty"`
	Name       string `json:"name,omitempty"`
	Retries    int    `json:"connect_retries,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./bgtask_state" }
type StorageConfig struct {
	Driver      string       `json:"driver"`
	Path        string       `json:"path,omitempty"`
	BusyTimeout string       `json:"busy_timeout,omitempty"`
	Redis       *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr        string `json:"addr"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	MaxOutcomes int    `json:"max_outcomes,omitempty"`
}

// NotifierConfig controls outcome notifications. Delivery additionally
// needs the permission grant requested once at startup.
type NotifierConfig struct {
	Enabled         bool              `json:"enabled"`
	QueueSize       int               `json:"queue_size,omitempty"`
	RatePerSec      float64           `json:"rate_per_sec,omitempty"`
	NotifyCompleted bool              `json:"notify_completed,omitempty"`
	DedupWindow     string            `json:"dedup_window,omitempty"`
	Permissions     PermissionsConfig `json:"permissions"`
	Telegram        TelegramConfig    `json:"telegram"`
}

type PermissionsConfig struct {
	Alert bool `json:"alert"`
	Sound bool `json:"sound"`
	Badge bool `json:"badge"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// HTTPConfig controls the /metrics, /healthz, /status and pprof listener.
// A non-loopback Addr requires Token or AllowInsecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
