package runner

import (
	"time"

	"bgtask/internal/task/scheduler"
)

// Config controls the execution runner.
type Config struct {
	// Workers is the number of executions that may hold a slot at once.
	Workers int
	// Stragglers bounds work functions that ignored cancellation and are
	// still running after their slot was freed. 0 means Workers.
	Stragglers  int
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Stragglers <= 0 {
		c.Stragglers = c.Workers
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Reporter receives the single terminal report of each execution.
// *scheduler.Scheduler satisfies it.
type Reporter interface {
	ReportExecution(exec scheduler.Execution, status scheduler.State, cause error) bool
}

type HistoryItem struct {
	ExecID   string
	ID       string
	Started  time.Time
	Deadline time.Time
	Duration time.Duration
	Status   scheduler.State
	Error    string
	// Applied is false when the scheduler dropped the report as stale.
	Applied bool
}

type Snapshot struct {
	Workers int
	Running int
	// Stragglers counts work functions still running past their report.
	Stragglers int
	History    []HistoryItem
}
