package registry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes one-shot tasks from tasks that reschedule themselves.
type Kind int

const (
	OneShot Kind = iota
	Recurring
)

func (k Kind) String() string {
	switch k {
	case OneShot:
		return "one-shot"
	case Recurring:
		return "recurring"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts "one-shot"/"oneshot"/"once" and "recurring"/"periodic".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "one-shot", "oneshot", "once":
		return OneShot, nil
	case "recurring", "periodic":
		return Recurring, nil
	default:
		return OneShot, fmt.Errorf("unknown task kind %q", s)
	}
}

// OverlapPolicy decides what a submit does while the identifier is running.
type OverlapPolicy int

const (
	// OverlapReject fails the submit with ErrAlreadyRunning.
	OverlapReject OverlapPolicy = iota
	// OverlapCoalesce keeps the latest submit and makes it pending when the
	// current run reaches a terminal state.
	OverlapCoalesce
)

func ParseOverlap(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return OverlapReject, nil
	case "coalesce":
		return OverlapCoalesce, nil
	default:
		return OverlapReject, fmt.Errorf("unknown overlap policy %q", s)
	}
}

// DefaultBackoffMax caps Backoff.Delay when Max is not set.
const DefaultBackoffMax = 24 * time.Hour

// Backoff stretches the reschedule delay of a recurring task after
// consecutive failed or expired runs. The zero value disables it, so the
// next run is always due at report time + MinimumInterval.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64 // default 2
}

func (b Backoff) Enabled() bool { return b.Base > 0 }

// Delay returns the extra delay after the given number of consecutive failures.
func (b Backoff) Delay(failures int) time.Duration {
	if !b.Enabled() || failures <= 0 {
		return 0
	}
	f := b.Factor
	if f < 1 {
		f = 2
	}
	limit := b.Max
	if limit <= 0 {
		limit = DefaultBackoffMax
	}
	// Compare in float64 so the growth never overflows time.Duration.
	d := float64(b.Base)
	for i := 1; i < failures && d < float64(limit); i++ {
		d *= f
	}
	if d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// DefaultBudget is used when a definition does not set Budget. It matches
// the time iOS grants an app refresh task.
const DefaultBudget = 30 * time.Second

// Definition declares a schedulable task kind. It is immutable once registered.
type Definition struct {
	ID              string
	Kind            Kind
	MinimumInterval time.Duration
	Budget          time.Duration
	Backoff         Backoff
	Overlap         OverlapPolicy
}

// EffectiveBudget returns Budget or DefaultBudget.
func (d Definition) EffectiveBudget() time.Duration {
	if d.Budget > 0 {
		return d.Budget
	}
	return DefaultBudget
}

func (d Definition) validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: identifier required", ErrInvalidDefinition)
	}
	if d.ID != strings.TrimSpace(d.ID) {
		return fmt.Errorf("%w: identifier %q has surrounding whitespace", ErrInvalidDefinition, d.ID)
	}
	switch d.Kind {
	case OneShot:
	case Recurring:
		if d.MinimumInterval <= 0 {
			return fmt.Errorf("%w: recurring task %q needs minimum_interval > 0", ErrInvalidDefinition, d.ID)
		}
	default:
		return fmt.Errorf("%w: task %q has unknown kind %d", ErrInvalidDefinition, d.ID, int(d.Kind))
	}
	if d.MinimumInterval < 0 || d.Budget < 0 {
		return fmt.Errorf("%w: task %q has negative duration", ErrInvalidDefinition, d.ID)
	}
	return nil
}

// WorkFunc is the caller-supplied task body. It must observe ctx and return
// promptly once ctx is done; a nil error means the run completed.
type WorkFunc func(ctx context.Context) error
