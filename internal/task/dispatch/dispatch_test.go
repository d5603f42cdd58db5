package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"bgtask/internal/task/registry"
	"bgtask/internal/task/runner"
	"bgtask/internal/task/scheduler"
	"bgtask/internal/trigger"
	logx "bgtask/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	reg   *registry.Registry
	sched *scheduler.Scheduler
	run   *runner.Runner
	clk   *clockwork.FakeClock
	wakes chan trigger.Wake
}

func newHarness(t *testing.T, workers int, defs ...registry.Definition) *harness {
	t.Helper()
	reg := registry.New()
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	clk := clockwork.NewFakeClockAt(t0)
	sched := scheduler.New(reg, logx.Nop(), nil, scheduler.WithClock(clk))
	run, err := runner.New(runner.Config{Workers: workers}, sched, logx.Nop(), nil, runner.WithClock(clk))
	if err != nil {
		t.Fatalf("runner.New: %v", err)
	}
	h := &harness{reg: reg, sched: sched, run: run, clk: clk, wakes: make(chan trigger.Wake)}

	ctx, cancel := context.WithCancel(context.Background())
	d := New(sched, run, reg, h.wakes, logx.Nop(), WithClock(clk))
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = run.Stop(sctx)
	})
	return h
}

func (h *harness) wake(t *testing.T, w trigger.Wake) bool {
	t.Helper()
	ackCh := make(chan bool, 1)
	w.Ack = func(ok bool) { ackCh <- ok }
	select {
	case h.wakes <- w:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not accept wake")
	}
	select {
	case ok := <-ackCh:
		return ok
	case <-time.After(2 * time.Second):
		t.Fatal("wake was never acknowledged")
		return false
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDispatchesDueRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, registry.Definition{ID: "once", Kind: registry.OneShot})
	var runs atomic.Int32
	_ = h.reg.Handle("once", func(context.Context) error { runs.Add(1); return nil })

	if err := h.sched.Submit(scheduler.Request{ID: "once", EarliestBegin: t0}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "completion", func() bool { return h.sched.State("once") == scheduler.Completed })
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestSleepsUntilEarliestBegin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, registry.Definition{ID: "later", Kind: registry.OneShot})
	ran := make(chan time.Time, 1)
	_ = h.reg.Handle("later", func(context.Context) error { ran <- h.clk.Now(); return nil })

	_ = h.sched.Submit(scheduler.Request{ID: "later", EarliestBegin: t0.Add(time.Minute)})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("dispatcher timer not armed: %v", err)
	}
	select {
	case <-ran:
		t.Fatal("ran before earliest begin")
	default:
	}
	h.clk.Advance(time.Minute)
	select {
	case at := <-ran:
		if at.Before(t0.Add(time.Minute)) {
			t.Fatalf("ran at %v", at)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never dispatched")
	}
}

func TestRecurringRescheduled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, registry.Definition{ID: "refresh", Kind: registry.Recurring, MinimumInterval: 5 * time.Minute})
	_ = h.reg.Handle("refresh", func(context.Context) error { return nil })

	_ = h.sched.Submit(scheduler.Request{ID: "refresh", EarliestBegin: t0})
	waitFor(t, "reschedule", func() bool {
		req, ok := h.sched.Pending("refresh")
		return ok && req.EarliestBegin.Equal(t0.Add(5*time.Minute))
	})
}

func TestWakeAcks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2,
		registry.Definition{ID: "good", Kind: registry.OneShot},
		registry.Definition{ID: "idle", Kind: registry.OneShot},
	)
	_ = h.reg.Handle("good", func(context.Context) error { return nil })
	_ = h.sched.Submit(scheduler.Request{ID: "good", EarliestBegin: t0.Add(time.Hour)})

	cases := []struct {
		name string
		w    trigger.Wake
		want bool
	}{
		{name: "unknown identifier", w: trigger.Wake{Identifier: "ghost"}, want: false},
		{name: "nothing pending", w: trigger.Wake{Identifier: "idle"}, want: true},
		{name: "not yet eligible", w: trigger.Wake{Identifier: "good"}, want: true},
		{name: "poll everything", w: trigger.Wake{}, want: true},
	}
	for _, tc := range cases {
		if got := h.wake(t, tc.w); got != tc.want {
			t.Fatalf("%s: ack = %v, want %v", tc.name, got, tc.want)
		}
	}
	if got := h.sched.State("good"); got != scheduler.Pending {
		t.Fatalf("early wake must not dispatch, state = %v", got)
	}
}

// newIdleDispatcher returns a dispatcher whose loop is not running, so wakes
// can be handled synchronously.
func newIdleDispatcher(t *testing.T, defs ...registry.Definition) (*Dispatcher, *registry.Registry, *scheduler.Scheduler, *clockwork.FakeClock) {
	t.Helper()
	reg := registry.New()
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	clk := clockwork.NewFakeClockAt(t0)
	sched := scheduler.New(reg, logx.Nop(), nil, scheduler.WithClock(clk))
	run, err := runner.New(runner.Config{Workers: 2}, sched, logx.Nop(), nil, runner.WithClock(clk))
	if err != nil {
		t.Fatalf("runner.New: %v", err)
	}
	t.Cleanup(func() { _ = run.Stop(context.Background()) })
	return New(sched, run, reg, nil, logx.Nop(), WithClock(clk)), reg, sched, clk
}

func TestWakeAckReflectsOutcome(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		fn   registry.WorkFunc
		want bool
	}{
		{name: "completed", fn: func(context.Context) error { return nil }, want: true},
		{name: "failed", fn: func(context.Context) error { return errors.New("boom") }, want: false},
		{name: "no work bound", fn: nil, want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d, reg, sched, _ := newIdleDispatcher(t, registry.Definition{ID: "task", Kind: registry.OneShot})
			if tc.fn != nil {
				_ = reg.Handle("task", tc.fn)
			}
			_ = sched.Submit(scheduler.Request{ID: "task", EarliestBegin: t0})

			ackCh := make(chan bool, 2)
			d.handleWake(context.Background(), trigger.Wake{Identifier: "task", Ack: func(ok bool) { ackCh <- ok }})
			select {
			case ok := <-ackCh:
				if ok != tc.want {
					t.Fatalf("ack = %v, want %v", ok, tc.want)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("no ack")
			}
			select {
			case <-ackCh:
				t.Fatal("acked twice")
			case <-time.After(20 * time.Millisecond):
			}
		})
	}
}

func TestWakeWhileRunningAcksFalse(t *testing.T) {
	t.Parallel()
	d, reg, sched, _ := newIdleDispatcher(t, registry.Definition{ID: "sync", Kind: registry.OneShot})
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	_ = reg.Handle("sync", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	_ = sched.Submit(scheduler.Request{ID: "sync", EarliestBegin: t0})

	d.handleWake(context.Background(), trigger.Wake{Identifier: "sync"})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("work did not start")
	}

	ackCh := make(chan bool, 1)
	d.handleWake(context.Background(), trigger.Wake{Identifier: "sync", Ack: func(ok bool) { ackCh <- ok }})
	select {
	case ok := <-ackCh:
		if ok {
			t.Fatal("wake on a running task must ack false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ack")
	}
	if got := sched.State("sync"); got != scheduler.Running {
		t.Fatalf("state = %v, want running", got)
	}
}

func TestWakeDeadlineCapsBudget(t *testing.T) {
	t.Parallel()
	d, reg, sched, clk := newIdleDispatcher(t, registry.Definition{ID: "sync", Kind: registry.OneShot, Budget: time.Hour})
	started := make(chan struct{})
	_ = reg.Handle("sync", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	_ = sched.Submit(scheduler.Request{ID: "sync", EarliestBegin: t0})

	ackCh := make(chan bool, 1)
	d.handleWake(context.Background(), trigger.Wake{Identifier: "sync", Deadline: t0.Add(3 * time.Second), Ack: func(ok bool) { ackCh <- ok }})
	<-started

	// A second wake for the running identifier acks without another run.
	second := make(chan bool, 1)
	d.handleWake(context.Background(), trigger.Wake{Identifier: "sync", Ack: func(ok bool) { second <- ok }})
	if ok := <-second; !ok {
		t.Fatal("wake for running identifier should ack true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("deadline timer not armed: %v", err)
	}
	clk.Advance(3 * time.Second)
	select {
	case ok := <-ackCh:
		if ok {
			t.Fatal("expired execution must ack false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ack after deadline")
	}
	if got := sched.State("sync"); got != scheduler.Expired {
		t.Fatalf("state = %v, want expired", got)
	}
}

type fullExecutor struct{}

func (fullExecutor) Execute(context.Context, scheduler.Execution, registry.WorkFunc, func(scheduler.State)) error {
	return runner.ErrPoolFull
}
func (fullExecutor) Free() int { return 1 }

func TestExecuteErrorReportsFailed(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	_ = reg.Register(registry.Definition{ID: "refresh", Kind: registry.Recurring, MinimumInterval: time.Minute})
	clk := clockwork.NewFakeClockAt(t0)
	sched := scheduler.New(reg, logx.Nop(), nil, scheduler.WithClock(clk))
	d := New(sched, fullExecutor{}, reg, nil, logx.Nop(), WithClock(clk))

	_ = sched.Submit(scheduler.Request{ID: "refresh", EarliestBegin: t0})
	acked := make(chan bool, 1)
	d.handleWake(context.Background(), trigger.Wake{Identifier: "refresh", Ack: func(ok bool) { acked <- ok }})
	if ok := <-acked; ok {
		t.Fatal("ack should be false when execution cannot start")
	}
	req, ok := sched.Pending("refresh")
	if !ok || !req.EarliestBegin.Equal(t0.Add(time.Minute)) {
		t.Fatalf("Pending = %+v, %v", req, ok)
	}
}
