package trigger

import (
	"context"
	"time"
)

// Wake asks the dispatcher to run work now. An empty Identifier means
// "run whatever is eligible"; otherwise only that identifier is claimed and
// Deadline (if set) caps its execution budget.
type Wake struct {
	Identifier string
	Deadline   time.Time
	Source     string
	// Ack, when set, is called exactly once with the outcome.
	Ack func(ok bool)
}

// Done acknowledges w; it is a no-op when nobody waits for the outcome.
func (w Wake) Done(ok bool) {
	if w.Ack != nil {
		w.Ack(ok)
	}
}

// Send delivers w unless ctx ends first. A wake that cannot be delivered
// is acknowledged as not ok.
func Send(ctx context.Context, ch chan<- Wake, w Wake) bool {
	select {
	case ch <- w:
		return true
	case <-ctx.Done():
		w.Done(false)
		return false
	}
}
