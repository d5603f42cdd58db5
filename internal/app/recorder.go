package app

import (
	"context"
	"time"

	"bgtask/internal/eventbus"
	"bgtask/internal/storage"
	logx "bgtask/pkg/logx"
)

// recordOutcomes appends every terminal task event to the store's outcome
// log until ctx ends. Store errors are logged and never stop the loop.
func recordOutcomes(ctx context.Context, bus eventbus.Bus, st storage.Store, log logx.Logger) {
	if bus == nil || st == nil {
		return
	}
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			// Outcomes published during shutdown are still buffered.
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					appendOutcome(st, e, log)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			appendOutcome(st, e, log)
		}
	}
}

func appendOutcome(st storage.Store, e eventbus.Event, log logx.Logger) {
	o, ok := outcomeOf(e)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := st.AppendOutcome(ctx, o); err != nil {
		log.Warn("outcome append failed", logx.String("task", o.Task), logx.Err(err))
	}
}

func outcomeOf(e eventbus.Event) (storage.Outcome, bool) {
	switch e.Type {
	case eventbus.TaskCompleted, eventbus.TaskFailed, eventbus.TaskExpired:
	default:
		return storage.Outcome{}, false
	}
	te, ok := e.Data.(eventbus.TaskEvent)
	if !ok {
		return storage.Outcome{}, false
	}
	return storage.Outcome{
		At:       e.Time,
		ExecID:   te.ExecID,
		Task:     te.ID,
		Status:   te.Status,
		Start:    te.Start,
		Duration: te.Duration.Milliseconds(),
		Error:    te.Error,
	}, true
}
