package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"bgtask/internal/eventbus"
	"bgtask/internal/observability/metrics"
	"bgtask/internal/task/registry"
	logx "bgtask/pkg/logx"
)

const storeTimeout = 2 * time.Second

type Scheduler struct {
	mu      sync.Mutex
	defs    Definitions
	entries map[string]*entry

	clock   clockwork.Clock
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	newID   func() string

	// pmu serializes store writes in mutation order: it is taken while mu is
	// still held and released after the I/O.
	pmu   sync.Mutex
	store Store

	changed chan struct{}
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithStore(st Store) Option { return func(s *Scheduler) { s.store = st } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithIDFunc overrides execution ID generation (uuid by default).
func WithIDFunc(fn func() string) Option { return func(s *Scheduler) { s.newID = fn } }

func New(defs Definitions, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		defs:    defs,
		entries: map[string]*entry{},
		clock:   clockwork.NewRealClock(),
		log:     log,
		bus:     bus,
		newID:   uuid.NewString,
		changed: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

// Changed delivers a signal whenever the set of pending requests changes.
// Signals coalesce; receivers should re-read NextDue.
func (s *Scheduler) Changed() <-chan struct{} { return s.changed }

func (s *Scheduler) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Submit stores req as the pending request of its identifier.
func (s *Scheduler) Submit(req Request) error {
	id := strings.TrimSpace(req.ID)
	def, err := s.defs.Lookup(id)
	if err != nil {
		s.metrics.ObserveReject(id, "unknown_task")
		return err
	}
	now := s.clock.Now()
	at := req.EarliestBegin
	if at.IsZero() {
		at = now
	}

	s.mu.Lock()
	e := s.entryLocked(def)
	if e.state == Running {
		if def.Overlap != registry.OverlapCoalesce {
			s.mu.Unlock()
			s.metrics.ObserveReject(id, "already_running")
			eventbus.Publish(s.bus, eventbus.TaskRejected, now, eventbus.TaskEvent{ID: id, Error: ErrAlreadyRunning.Error()})
			s.log.Debug("task.rejected", logx.String("task", id), logx.String("reason", "already_running"))
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
		}
		e.coalesced = &at
		s.mu.Unlock()
		s.metrics.ObserveSubmit(id)
		s.log.Debug("task.coalesced", logx.String("task", id), logx.Time("earliest", at))
		return nil
	}
	e.state = Pending
	e.pending = at
	s.gaugesLocked()
	s.unlockAndPersist(persistOp{id: id, at: at})

	s.metrics.ObserveSubmit(id)
	eventbus.Publish(s.bus, eventbus.TaskSubmitted, now, eventbus.TaskEvent{ID: id, Next: at})
	s.log.Debug("task.submitted", logx.String("task", id), logx.Time("earliest", at))
	s.notify()
	return nil
}

// Poll dispatches the eligible pending request with the earliest begin time
// (ties broken by identifier). The returned execution is Running.
func (s *Scheduler) Poll(now time.Time) (Execution, bool) {
	s.mu.Lock()
	var best *entry
	for _, e := range s.entries {
		if e.state != Pending || e.pending.After(now) {
			continue
		}
		if best == nil || e.pending.Before(best.pending) ||
			(e.pending.Equal(best.pending) && e.def.ID < best.def.ID) {
			best = e
		}
	}
	if best == nil {
		s.mu.Unlock()
		return Execution{}, false
	}
	exec := s.startLocked(best, now, time.Time{})
	s.gaugesLocked()
	s.unlockAndPersist(persistOp{id: exec.ID, del: true})

	s.metrics.ObserveDispatch(exec.ID, now.Sub(exec.Scheduled))
	return exec, true
}

// Claim dispatches the pending request of one identifier, as when the OS
// wakes the process for that task. deadline, when set, caps the budget.
// It returns false when the identifier has nothing eligible.
func (s *Scheduler) Claim(id string, now, deadline time.Time) (Execution, bool, error) {
	if _, err := s.defs.Lookup(id); err != nil {
		return Execution{}, false, err
	}
	s.mu.Lock()
	e := s.entries[id]
	if e == nil {
		s.mu.Unlock()
		return Execution{}, false, nil
	}
	if e.state == Running {
		s.mu.Unlock()
		return Execution{}, false, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	if e.state != Pending || e.pending.After(now) {
		s.mu.Unlock()
		return Execution{}, false, nil
	}
	exec := s.startLocked(e, now, deadline)
	s.gaugesLocked()
	s.unlockAndPersist(persistOp{id: id, del: true})

	s.metrics.ObserveDispatch(id, now.Sub(exec.Scheduled))
	return exec, true, nil
}

// Report moves the running execution of id to status. Reporting on an
// identifier that is not running is a no-op and returns false.
func (s *Scheduler) Report(id string, status State) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	if _, err := s.defs.Lookup(id); err != nil {
		return false, err
	}
	s.mu.Lock()
	e := s.entries[id]
	if e == nil || e.state != Running || e.exec == nil {
		s.mu.Unlock()
		return false, nil
	}
	s.finishLocked(e, status, nil)
	return true, nil
}

// ReportExecution is Report guarded by the execution ID, so a result from a
// stale execution never touches a newer run of the same identifier.
func (s *Scheduler) ReportExecution(exec Execution, status State, cause error) bool {
	if !status.Terminal() {
		return false
	}
	s.mu.Lock()
	e := s.entries[exec.ID]
	if e == nil || e.state != Running || e.exec == nil || e.exec.ExecID != exec.ExecID {
		s.mu.Unlock()
		return false
	}
	s.finishLocked(e, status, cause)
	return true
}

// Cancel drops the pending request of id (and any coalesced submit). It
// returns true if something was dropped.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	e := s.entries[id]
	if e == nil {
		s.mu.Unlock()
		return false
	}
	dropped := e.coalesced != nil
	e.coalesced = nil
	if e.state != Pending {
		s.mu.Unlock()
		return dropped
	}
	e.state = Idle
	e.pending = time.Time{}
	s.gaugesLocked()
	s.unlockAndPersist(persistOp{id: id, del: true})

	eventbus.Publish(s.bus, eventbus.TaskCancelled, s.clock.Now(), eventbus.TaskEvent{ID: id})
	s.log.Debug("task.cancelled", logx.String("task", id))
	s.notify()
	return true
}

// NextDue returns the earliest begin time among pending requests.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	found := false
	for _, e := range s.entries {
		if e.state != Pending {
			continue
		}
		if !found || e.pending.Before(next) {
			next = e.pending
			found = true
		}
	}
	return next, found
}

// State returns the current state of id (Idle if never submitted).
func (s *Scheduler) State(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[id]; e != nil {
		return e.state
	}
	return Idle
}

// Pending returns the pending request of id, if any.
func (s *Scheduler) Pending(id string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil || e.state != Pending {
		return Request{}, false
	}
	return Request{ID: id, EarliestBegin: e.pending}, true
}

// Snapshot returns a view of every identifier seen so far, sorted by ID.
func (s *Scheduler) Snapshot() []TaskSnapshot {
	s.mu.Lock()
	out := make([]TaskSnapshot, 0, len(s.entries))
	for _, e := range s.entries {
		ts := TaskSnapshot{
			ID:         e.def.ID,
			Kind:       e.def.Kind,
			State:      e.state,
			Pending:    e.pending,
			Coalesced:  e.coalesced != nil,
			Failures:   e.failures,
			Runs:       e.runs,
			LastStatus: e.lastStatus,
			LastError:  e.lastErr,
			LastEnd:    e.lastEnd,
		}
		if e.exec != nil {
			cp := *e.exec
			ts.Running = &cp
		}
		out = append(out, ts)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads persisted pending requests. Identifiers that are no longer
// registered are dropped from the store.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	loaded, err := s.store.LoadPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending: %w", err)
	}
	ids := make([]string, 0, len(loaded))
	for id := range loaded {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	n := 0
	for _, id := range ids {
		def, err := s.defs.Lookup(id)
		if err != nil {
			s.log.Warn("dropping persisted request for unknown task", logx.String("task", id))
			if derr := s.store.DeletePending(ctx, id); derr != nil {
				s.log.Warn("store delete failed", logx.String("task", id), logx.Err(derr))
			}
			continue
		}
		s.mu.Lock()
		e := s.entryLocked(def)
		if e.state == Running || e.state == Pending {
			s.mu.Unlock()
			continue
		}
		e.state = Pending
		e.pending = loaded[id]
		s.gaugesLocked()
		s.mu.Unlock()
		n++
	}
	if n > 0 {
		s.log.Info("pending requests restored", logx.Int("count", n))
		s.notify()
	}
	return n, nil
}

func (s *Scheduler) entryLocked(def registry.Definition) *entry {
	e := s.entries[def.ID]
	if e == nil {
		e = &entry{def: def, state: Idle}
		s.entries[def.ID] = e
	}
	return e
}

func (s *Scheduler) startLocked(e *entry, now, deadline time.Time) Execution {
	dl := now.Add(e.def.EffectiveBudget())
	if !deadline.IsZero() && deadline.Before(dl) {
		dl = deadline
	}
	exec := Execution{
		ExecID:    s.newID(),
		ID:        e.def.ID,
		Scheduled: e.pending,
		Start:     now,
		Deadline:  dl,
		Status:    Running,
	}
	e.state = Running
	e.pending = time.Time{}
	e.exec = &exec
	return exec
}

// finishLocked applies a terminal status and releases s.mu.
func (s *Scheduler) finishLocked(e *entry, status State, cause error) {
	now := s.clock.Now()
	exec := *e.exec
	exec.Status = status

	e.exec = nil
	e.runs++
	e.lastStatus = status
	e.lastEnd = now
	e.lastErr = ""
	if cause != nil {
		e.lastErr = cause.Error()
	}
	if status == Completed {
		e.failures = 0
	} else {
		e.failures++
	}

	var (
		next     time.Time
		resched  bool
		coalesce = e.coalesced
	)
	e.coalesced = nil
	switch {
	case coalesce != nil:
		next, resched = *coalesce, true
	case e.def.Kind == registry.Recurring:
		next = now.Add(e.def.MinimumInterval + e.def.Backoff.Delay(e.failures))
		resched = true
	}
	if resched {
		e.state = Pending
		e.pending = next
	} else {
		e.state = status
	}
	s.gaugesLocked()

	if resched {
		s.unlockAndPersist(persistOp{id: e.def.ID, at: next})
		eventbus.Publish(s.bus, eventbus.TaskRescheduled, now, eventbus.TaskEvent{ID: exec.ID, ExecID: exec.ExecID, Status: status.String(), Next: next})
		s.log.Debug("task.rescheduled", logx.String("task", exec.ID), logx.String("after", status.String()), logx.Time("next", next))
		s.notify()
		return
	}
	s.mu.Unlock()
}

func (s *Scheduler) gaugesLocked() {
	if s.metrics == nil {
		return
	}
	pending, running := 0, 0
	for _, e := range s.entries {
		switch e.state {
		case Pending:
			pending++
		case Running:
			running++
		}
	}
	s.metrics.SetStates(pending, running)
}

type persistOp struct {
	id  string
	at  time.Time
	del bool
}

// unlockAndPersist releases s.mu and writes op to the store. Store failures
// are logged; scheduling state stays authoritative in memory.
func (s *Scheduler) unlockAndPersist(op persistOp) {
	if s.store == nil {
		s.mu.Unlock()
		return
	}
	s.pmu.Lock()
	s.mu.Unlock()
	defer s.pmu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	var err error
	if op.del {
		err = s.store.DeletePending(ctx, op.id)
	} else {
		err = s.store.PutPending(ctx, op.id, op.at)
	}
	if err != nil {
		s.log.Warn("store write failed", logx.String("task", op.id), logx.Bool("delete", op.del), logx.Err(err))
	}
}
