package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"bgtask/internal/eventbus"
	"bgtask/internal/task/scheduler"
	logx "bgtask/pkg/logx"
)

// LifecycleEvent is a host application transition.
type LifecycleEvent string

const (
	Background LifecycleEvent = "background"
	Foreground LifecycleEvent = "foreground"
)

func ParseLifecycleEvent(s string) (LifecycleEvent, error) {
	switch LifecycleEvent(strings.ToLower(strings.TrimSpace(s))) {
	case Background:
		return Background, nil
	case Foreground:
		return Foreground, nil
	}
	return "", fmt.Errorf("unknown lifecycle event %q", s)
}

// BackgroundEntry is submitted with EarliestBegin = now + Delay each time the
// app moves to the background.
type BackgroundEntry struct {
	Identifier string
	Delay      time.Duration
}

type Lifecycle struct {
	sub     Submitter
	entries []BackgroundEntry
	clock   clockwork.Clock
	log     logx.Logger
	bus     eventbus.Bus
}

func NewLifecycle(entries []BackgroundEntry, sub Submitter, log logx.Logger, bus eventbus.Bus, clock clockwork.Clock) *Lifecycle {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Lifecycle{sub: sub, entries: append([]BackgroundEntry(nil), entries...), clock: clock, log: log, bus: bus}
}

// Handle applies ev and returns how many requests were submitted. Submit
// failures are logged and never stop the remaining entries.
func (l *Lifecycle) Handle(ev LifecycleEvent) int {
	now := l.clock.Now()
	switch ev {
	case Foreground:
		eventbus.Publish(l.bus, eventbus.AppForeground, now, nil)
		l.log.Info("app entered foreground")
		return 0
	case Background:
	default:
		l.log.Warn("unknown lifecycle event", logx.String("event", string(ev)))
		return 0
	}

	eventbus.Publish(l.bus, eventbus.AppBackground, now, nil)
	l.log.Info("app entered background", logx.Int("requests", len(l.entries)))
	n := 0
	for _, e := range l.entries {
		at := now.Add(e.Delay)
		if err := l.sub.Submit(scheduler.Request{ID: e.Identifier, EarliestBegin: at}); err != nil {
			l.log.Warn("could not schedule background task", logx.String("task", e.Identifier), logx.Err(err))
			continue
		}
		l.log.Debug("background task scheduled", logx.String("task", e.Identifier), logx.Time("earliest", at))
		n++
	}
	return n
}
