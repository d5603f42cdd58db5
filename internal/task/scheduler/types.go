package scheduler

import (
	"context"
	"fmt"
	"time"

	"bgtask/internal/task/registry"
)

// State is the scheduling state of one identifier. The terminal values
// (Completed, Expired, Failed) double as execution statuses.
type State int

const (
	Idle State = iota
	Pending
	Running
	Completed
	Expired
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Expired:
		return "expired"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s ends an execution.
func (s State) Terminal() bool { return s == Completed || s == Expired || s == Failed }

// Request asks for identifier ID to run no earlier than EarliestBegin.
// A zero EarliestBegin means "now".
type Request struct {
	ID            string
	EarliestBegin time.Time
}

// Execution is one dispatched run of an identifier.
type Execution struct {
	ExecID string
	ID     string
	// Scheduled is the EarliestBegin of the request that was dispatched.
	Scheduled time.Time
	Start     time.Time
	Deadline  time.Time
	Status    State
}

// Definitions resolves identifiers; *registry.Registry satisfies it.
type Definitions interface {
	Lookup(id string) (registry.Definition, error)
}

// Store persists pending requests so they survive a restart.
type Store interface {
	PutPending(ctx context.Context, id string, earliest time.Time) error
	DeletePending(ctx context.Context, id string) error
	LoadPending(ctx context.Context) (map[string]time.Time, error)
}

// TaskSnapshot is a diagnostic view of one identifier.
type TaskSnapshot struct {
	ID         string
	Kind       registry.Kind
	State      State
	Pending    time.Time
	Running    *Execution
	Coalesced  bool
	Failures   int
	Runs       uint64
	LastStatus State
	LastError  string
	LastEnd    time.Time
}

type entry struct {
	def       registry.Definition
	state     State
	pending   time.Time
	coalesced *time.Time
	exec      *Execution

	failures   int
	runs       uint64
	lastStatus State
	lastErr    string
	lastEnd    time.Time
}
