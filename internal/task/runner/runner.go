package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	antslib "github.com/panjf2000/ants/v2"

	"bgtask/internal/eventbus"
	"bgtask/internal/observability/metrics"
	"bgtask/internal/task/registry"
	"bgtask/internal/task/scheduler"
	logx "bgtask/pkg/logx"
)

var errNoWork = errors.New("no work function bound")

// Runner executes dispatched work off the caller goroutine, enforces the
// execution deadline and reports each execution exactly once.
type Runner struct {
	mu      sync.Mutex
	cfg     Config
	active  int
	stopped bool
	stopCh  chan struct{}

	rep     Reporter
	pool    *antslib.Pool
	clock   clockwork.Clock
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	stragglers atomic.Int32
	wg         sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Runner)

func WithClock(c clockwork.Clock) Option { return func(r *Runner) { r.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Runner) { r.metrics = m } }

func New(cfg Config, rep Reporter, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Runner, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		rep:    rep,
		clock:  clockwork.NewRealClock(),
		log:    log,
		bus:    bus,
	}
	for _, o := range opts {
		o(r)
	}
	pool, err := antslib.NewPool(cfg.Workers+cfg.Stragglers,
		antslib.WithNonblocking(true),
		antslib.WithPanicHandler(func(p any) {
			r.log.Error("runner.pool_panic", logx.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	r.pool = pool
	return r, nil
}

// Free returns the number of slots available for new executions.
func (r *Runner) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return 0
	}
	return r.cfg.Workers - r.active
}

// Running returns the number of executions holding a slot.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Execute starts fn for exec and returns immediately. The outcome is
// reported to the Reporter, then done (if non-nil) is called with the
// final status. ctx cancellation cuts the execution short like a deadline.
func (r *Runner) Execute(ctx context.Context, exec scheduler.Execution, fn registry.WorkFunc, done func(scheduler.State)) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	if r.active >= r.cfg.Workers {
		r.mu.Unlock()
		return ErrPoolFull
	}
	r.active++
	r.wg.Add(1)
	r.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	rn := &run{exec: exec, result: make(chan error, 1)}
	if err := r.pool.Submit(func() { r.call(runCtx, rn, fn) }); err != nil {
		cancel()
		r.release()
		r.wg.Done()
		if errors.Is(err, antslib.ErrPoolOverload) {
			return fmt.Errorf("%w: %d stragglers", ErrPoolFull, r.stragglers.Load())
		}
		if errors.Is(err, antslib.ErrPoolClosed) {
			return ErrStopped
		}
		return err
	}

	eventbus.Publish(r.bus, eventbus.TaskStarted, exec.Start, eventbus.TaskEvent{ID: exec.ID, ExecID: exec.ExecID, Start: exec.Start, Deadline: exec.Deadline})
	r.log.Debug("task.started", logx.String("task", exec.ID), logx.String("exec", exec.ExecID), logx.Time("deadline", exec.Deadline))

	go r.watch(runCtx, cancel, rn, done)
	return nil
}

type run struct {
	exec   scheduler.Execution
	result chan error

	mu         sync.Mutex
	fnReturned bool
	reported   bool
}

func (r *Runner) call(ctx context.Context, rn *run, fn registry.WorkFunc) {
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
				r.log.Error("task.panic", logx.String("task", rn.exec.ID), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			}
		}()
		if fn == nil {
			err = errNoWork
			return
		}
		err = fn(ctx)
	}()

	rn.mu.Lock()
	rn.fnReturned = true
	late := rn.reported
	rn.mu.Unlock()
	if late {
		r.stragglers.Add(-1)
		r.log.Debug("task.late_result", logx.String("task", rn.exec.ID), logx.String("exec", rn.exec.ExecID), logx.Err(err))
		return
	}
	rn.result <- err
}

func (r *Runner) watch(ctx context.Context, cancel context.CancelFunc, rn *run, done func(scheduler.State)) {
	defer r.wg.Done()
	defer cancel()

	var expired <-chan time.Time
	if d := rn.exec.Deadline.Sub(r.clock.Now()); d > 0 {
		t := r.clock.NewTimer(d)
		defer t.Stop()
		expired = t.Chan()
	} else {
		ch := make(chan time.Time, 1)
		ch <- r.clock.Now()
		expired = ch
	}

	var (
		status scheduler.State
		cause  error
	)
	select {
	case err := <-rn.result:
		if err != nil {
			status, cause = scheduler.Failed, err
		} else {
			status = scheduler.Completed
		}
	case <-expired:
		status, cause = scheduler.Expired, ErrDeadline
	case <-r.stopCh:
		status, cause = scheduler.Expired, ErrStopped
	case <-ctx.Done():
		status, cause = scheduler.Expired, context.Cause(ctx)
	}
	cancel()

	rn.mu.Lock()
	rn.reported = true
	straggling := !rn.fnReturned
	rn.mu.Unlock()
	if straggling {
		r.stragglers.Add(1)
	}

	r.finish(rn.exec, status, cause)
	r.release()
	if done != nil {
		done(status)
	}
}

func (r *Runner) finish(exec scheduler.Execution, status scheduler.State, cause error) {
	end := r.clock.Now()
	dur := end.Sub(exec.Start)
	if dur < 0 {
		dur = 0
	}
	applied := true
	if r.rep != nil {
		applied = r.rep.ReportExecution(exec, status, cause)
	}

	item := HistoryItem{ExecID: exec.ExecID, ID: exec.ID, Started: exec.Start, Deadline: exec.Deadline, Duration: dur, Status: status, Applied: applied}
	ev := eventbus.TaskEvent{ID: exec.ID, ExecID: exec.ExecID, Status: status.String(), Start: exec.Start, Deadline: exec.Deadline, Duration: dur}
	if cause != nil {
		item.Error = cause.Error()
		ev.Error = item.Error
	}

	switch status {
	case scheduler.Completed:
		if dur >= 750*time.Millisecond {
			r.log.Info("task.completed", logx.String("task", exec.ID), logx.Duration("dur", dur))
		} else {
			r.log.Debug("task.completed", logx.String("task", exec.ID), logx.Duration("dur", dur))
		}
		eventbus.Publish(r.bus, eventbus.TaskCompleted, end, ev)
	case scheduler.Expired:
		r.log.Warn("task.expired", logx.String("task", exec.ID), logx.Duration("dur", dur), logx.Err(cause))
		eventbus.Publish(r.bus, eventbus.TaskExpired, end, ev)
	default:
		r.log.Warn("task.failed", logx.String("task", exec.ID), logx.Duration("dur", dur), logx.Err(cause))
		eventbus.Publish(r.bus, eventbus.TaskFailed, end, ev)
	}
	if !applied {
		r.log.Debug("stale report dropped", logx.String("task", exec.ID), logx.String("exec", exec.ExecID))
	}
	r.metrics.ObserveOutcome(exec.ID, status.String(), dur)

	r.hmu.Lock()
	r.history = append(r.history, item)
	if len(r.history) > r.cfg.HistorySize {
		r.history = r.history[len(r.history)-r.cfg.HistorySize:]
	}
	r.hmu.Unlock()
}

func (r *Runner) release() {
	r.mu.Lock()
	r.active--
	r.mu.Unlock()
}

func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	snap := Snapshot{Workers: r.cfg.Workers, Running: r.active}
	r.mu.Unlock()
	snap.Stragglers = int(r.stragglers.Load())

	r.hmu.Lock()
	snap.History = make([]HistoryItem, len(r.history))
	copy(snap.History, r.history)
	r.hmu.Unlock()
	return snap
}

// Stop refuses new executions, expires the running ones and waits (bounded
// by ctx) for their reports. Straggling work functions are not awaited.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-ctx.Done():
		r.log.Warn("runner stop timed out", logx.Err(ctx.Err()))
		r.pool.Release()
		return ctx.Err()
	}
	r.pool.Release()
	r.log.Info("runner stopped", logx.Int("stragglers", int(r.stragglers.Load())))
	return nil
}
