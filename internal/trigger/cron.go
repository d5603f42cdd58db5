package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"bgtask/internal/task/scheduler"
	logx "bgtask/pkg/logx"
)

// Submitter accepts task requests; *scheduler.Scheduler satisfies it.
type Submitter interface {
	Submit(req scheduler.Request) error
}

// CronEntry submits a request for Identifier every time Spec fires.
type CronEntry struct {
	Identifier string
	Spec       string
}

// Cron submits requests on cron or interval schedules.
type Cron struct {
	mu      sync.Mutex
	c       *cron.Cron
	stopped chan struct{}
	parser  cron.Parser
	loc     *time.Location
	entries []CronEntry
	parsed  []Schedule

	sub   Submitter
	clock clockwork.Clock
	log   logx.Logger
}

// NewCron validates every entry up front so a bad spec fails startup.
func NewCron(entries []CronEntry, loc *time.Location, sub Submitter, log logx.Logger, clock clockwork.Clock) (*Cron, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Cron{parser: newCronParser(), loc: loc, sub: sub, clock: clock, log: log}
	var errs []error
	for _, e := range entries {
		e.Identifier = strings.TrimSpace(e.Identifier)
		if e.Identifier == "" {
			errs = append(errs, fmt.Errorf("cron entry %q: identifier required", e.Spec))
			continue
		}
		s, err := ParseSchedule(e.Spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("cron entry %s: %w", e.Identifier, err))
			continue
		}
		if s.Kind == ScheduleCron {
			if _, err := c.parser.Parse(s.Cron); err != nil {
				errs = append(errs, fmt.Errorf("cron entry %s: %w", e.Identifier, err))
				continue
			}
		}
		c.entries = append(c.entries, e)
		c.parsed = append(c.parsed, s)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Start registers every entry and runs the cron loop until Stop or until
// ctx ends, whichever comes first.
func (c *Cron) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.c != nil {
		return
	}
	c.c = cron.New(cron.WithParser(c.parser), cron.WithLocation(c.loc))
	now := c.clock.Now()
	for i, e := range c.entries {
		sched, jitter, err := c.parsed[i].build(c.parser, now, e.Identifier)
		if err != nil {
			c.log.Warn("schedule skipped", logx.String("task", e.Identifier), logx.Err(err))
			continue
		}
		e := e
		c.c.Schedule(sched, cron.FuncJob(func() { c.fire(e) }))
		c.log.Info("schedule registered", logx.String("task", e.Identifier), logx.String("spec", e.Spec), logx.Duration("spread", jitter))
	}
	c.c.Start()
	stopped := make(chan struct{})
	c.stopped = stopped
	go func() {
		select {
		case <-ctx.Done():
			c.Stop(context.Background())
		case <-stopped:
		}
	}()
}

func (c *Cron) Stop(ctx context.Context) {
	c.mu.Lock()
	cr, stopped := c.c, c.stopped
	c.c, c.stopped = nil, nil
	c.mu.Unlock()
	if stopped != nil {
		close(stopped)
	}
	if cr == nil {
		return
	}
	select {
	case <-cr.Stop().Done():
	case <-ctx.Done():
	}
}

// Len returns the number of registered entries.
func (c *Cron) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cron) fire(e CronEntry) {
	err := c.sub.Submit(scheduler.Request{ID: e.Identifier, EarliestBegin: c.clock.Now()})
	switch {
	case err == nil:
		c.log.Debug("schedule fired", logx.String("task", e.Identifier))
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		c.log.Debug("schedule skipped: still running", logx.String("task", e.Identifier))
	default:
		c.log.Warn("schedule submit failed", logx.String("task", e.Identifier), logx.Err(err))
	}
}
