package runner

import "errors"

var (
	ErrStopped  = errors.New("runner stopped")
	ErrPoolFull = errors.New("runner pool full")
	// ErrDeadline is the cause recorded for executions that ran out of budget.
	ErrDeadline = errors.New("execution deadline reached")
)
