// Package dispatch owns the loop that turns pending requests and wake events
// into executions. It replaces the OS-owned background scheduler: the app
// constructs one Dispatcher and runs it for the life of the process.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"bgtask/internal/eventbus"
	"bgtask/internal/observability/metrics"
	"bgtask/internal/task/registry"
	"bgtask/internal/task/scheduler"
	"bgtask/internal/trigger"
	logx "bgtask/pkg/logx"
)

// Queue is the scheduler side; *scheduler.Scheduler satisfies it.
type Queue interface {
	Poll(now time.Time) (scheduler.Execution, bool)
	Claim(id string, now, deadline time.Time) (scheduler.Execution, bool, error)
	NextDue() (time.Time, bool)
	Changed() <-chan struct{}
	ReportExecution(exec scheduler.Execution, status scheduler.State, cause error) bool
}

// Executor is the runner side; *runner.Runner satisfies it.
type Executor interface {
	Execute(ctx context.Context, exec scheduler.Execution, fn registry.WorkFunc, done func(scheduler.State)) error
	Free() int
}

// Works resolves work functions; *registry.Registry satisfies it.
type Works interface {
	Work(id string) (registry.WorkFunc, bool)
}

type Dispatcher struct {
	q     Queue
	ex    Executor
	works Works
	wakes <-chan trigger.Wake
	kick  chan struct{}

	clock   clockwork.Clock
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
}

type Option func(*Dispatcher)

func WithClock(c clockwork.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

func WithBus(b eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = b } }

func New(q Queue, ex Executor, works Works, wakes <-chan trigger.Wake, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		q:     q,
		ex:    ex,
		works: works,
		wakes: wakes,
		kick:  make(chan struct{}, 1),
		clock: clockwork.NewRealClock(),
		log:   log,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Kick makes the loop re-check the queue.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx ends. Executions started by Run inherit ctx and
// expire when it is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started")
	defer d.log.Info("dispatcher stopped")

	wakes := d.wakes
	for {
		d.drain(ctx)

		var (
			timer  clockwork.Timer
			timerC <-chan time.Time
		)
		if next, ok := d.q.NextDue(); ok {
			wait := next.Sub(d.clock.Now())
			// Overdue work with no free slot waits for a completion kick.
			if wait > 0 || d.ex.Free() > 0 {
				if wait < 0 {
					wait = 0
				}
				timer = d.clock.NewTimer(wait)
				timerC = timer.Chan()
			}
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case w, ok := <-wakes:
			if !ok {
				wakes = nil
				break
			}
			d.handleWake(ctx, w)
		case <-d.q.Changed():
		case <-d.kick:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil && d.ex.Free() > 0 {
		exec, ok := d.q.Poll(d.clock.Now())
		if !ok {
			return
		}
		d.start(ctx, exec, nil)
	}
}

func (d *Dispatcher) handleWake(ctx context.Context, w trigger.Wake) {
	now := d.clock.Now()
	source := w.Source
	if source == "" {
		source = "unknown"
	}
	d.metrics.ObserveWake(source)
	eventbus.Publish(d.bus, eventbus.WakeReceived, now, w.Identifier)
	d.log.Debug("wake.received", logx.String("task", w.Identifier), logx.String("source", source))

	if w.Identifier == "" {
		d.drain(ctx)
		w.Done(true)
		return
	}
	if d.ex.Free() <= 0 {
		d.log.Warn("wake dropped: no free slot", logx.String("task", w.Identifier))
		w.Done(false)
		return
	}
	exec, ok, err := d.q.Claim(w.Identifier, now, w.Deadline)
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		// The running execution belongs to someone else; this wake ran nothing.
		d.log.Debug("wake ignored: already running", logx.String("task", w.Identifier))
		w.Done(false)
	case err != nil:
		d.log.Warn("wake rejected", logx.String("task", w.Identifier), logx.Err(err))
		w.Done(false)
	case !ok:
		w.Done(true)
	default:
		d.start(ctx, exec, w.Ack)
	}
}

func (d *Dispatcher) start(ctx context.Context, exec scheduler.Execution, ack func(bool)) {
	fn, _ := d.works.Work(exec.ID)
	done := func(st scheduler.State) {
		if ack != nil {
			ack(st == scheduler.Completed)
		}
		d.Kick()
	}
	if err := d.ex.Execute(ctx, exec, fn, done); err != nil {
		d.log.Warn("execute failed", logx.String("task", exec.ID), logx.Err(err))
		d.q.ReportExecution(exec, scheduler.Failed, err)
		if ack != nil {
			ack(false)
		}
	}
}
