package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"bgtask/internal/eventbus"
	"bgtask/internal/task/registry"
	"bgtask/internal/task/scheduler"
	logx "bgtask/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type report struct {
	exec   scheduler.Execution
	status scheduler.State
	cause  error
}

type fakeReporter struct{ ch chan report }

func newFakeReporter() *fakeReporter { return &fakeReporter{ch: make(chan report, 8)} }

func (f *fakeReporter) ReportExecution(exec scheduler.Execution, status scheduler.State, cause error) bool {
	f.ch <- report{exec: exec, status: status, cause: cause}
	return true
}

func (f *fakeReporter) next(t *testing.T) report {
	t.Helper()
	select {
	case r := <-f.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for report")
		return report{}
	}
}

func (f *fakeReporter) none(t *testing.T) {
	t.Helper()
	select {
	case r := <-f.ch:
		t.Fatalf("unexpected report: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestRunner(t *testing.T, cfg Config, rep Reporter, bus eventbus.Bus) (*Runner, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(t0)
	r, err := New(cfg, rep, logx.Nop(), bus, WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r, clk
}

func execFor(id string, budget time.Duration) scheduler.Execution {
	return scheduler.Execution{ExecID: id + "-1", ID: id, Scheduled: t0, Start: t0, Deadline: t0.Add(budget), Status: scheduler.Running}
}

func doneChan() (chan scheduler.State, func(scheduler.State)) {
	ch := make(chan scheduler.State, 2)
	return ch, func(s scheduler.State) { ch <- s }
}

func TestExecuteOutcomes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		fn      registry.WorkFunc
		status  scheduler.State
		errPart string
	}{
		{name: "completed", fn: func(context.Context) error { return nil }, status: scheduler.Completed},
		{name: "failed", fn: func(context.Context) error { return errors.New("upload refused") }, status: scheduler.Failed, errPart: "upload refused"},
		{name: "panic", fn: func(context.Context) error { panic("boom") }, status: scheduler.Failed, errPart: "panic: boom"},
		{name: "nil work", fn: nil, status: scheduler.Failed, errPart: "no work function"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rep := newFakeReporter()
			r, _ := newTestRunner(t, Config{Workers: 2}, rep, nil)
			doneCh, done := doneChan()

			if err := r.Execute(context.Background(), execFor("sync", time.Minute), tc.fn, done); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			got := rep.next(t)
			if got.status != tc.status {
				t.Fatalf("status = %v, want %v", got.status, tc.status)
			}
			if tc.errPart == "" && got.cause != nil {
				t.Fatalf("unexpected cause: %v", got.cause)
			}
			if tc.errPart != "" && (got.cause == nil || !strings.Contains(got.cause.Error(), tc.errPart)) {
				t.Fatalf("cause = %v, want it to contain %q", got.cause, tc.errPart)
			}
			if s := <-doneCh; s != tc.status {
				t.Fatalf("done(%v), want %v", s, tc.status)
			}
			rep.none(t)
		})
	}
}

func TestExecuteDeadlineCancelsWork(t *testing.T) {
	t.Parallel()
	rep := newFakeReporter()
	r, clk := newTestRunner(t, Config{Workers: 1}, rep, nil)
	doneCh, done := doneChan()
	cancelled := make(chan struct{})

	fn := func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}
	if err := r.Execute(context.Background(), execFor("refresh", 30*time.Second), fn, done); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("deadline timer not armed: %v", err)
	}
	clk.Advance(30 * time.Second)

	got := rep.next(t)
	if got.status != scheduler.Expired || !errors.Is(got.cause, ErrDeadline) {
		t.Fatalf("report = %v/%v, want expired/deadline", got.status, got.cause)
	}
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("work context was not cancelled")
	}
	if s := <-doneCh; s != scheduler.Expired {
		t.Fatalf("done(%v)", s)
	}
	rep.none(t)
}

func TestSlotFreedWhenWorkIgnoresCancellation(t *testing.T) {
	t.Parallel()
	rep := newFakeReporter()
	r, clk := newTestRunner(t, Config{Workers: 1, Stragglers: 1}, rep, nil)
	doneCh, done := doneChan()
	release := make(chan struct{})

	fn := func(context.Context) error {
		<-release
		return nil
	}
	if err := r.Execute(context.Background(), execFor("stubborn", 5*time.Second), fn, done); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if r.Free() != 0 {
		t.Fatalf("Free = %d, want 0", r.Free())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("deadline timer not armed: %v", err)
	}
	clk.Advance(5 * time.Second)

	if got := rep.next(t); got.status != scheduler.Expired {
		t.Fatalf("status = %v, want expired", got.status)
	}
	<-doneCh
	if r.Free() != 1 {
		t.Fatalf("slot not freed at deadline, Free = %d", r.Free())
	}
	if n := r.Snapshot().Stragglers; n != 1 {
		t.Fatalf("stragglers = %d, want 1", n)
	}

	// The late success must not produce a second report.
	close(release)
	rep.none(t)
	deadline := time.Now().Add(2 * time.Second)
	for r.Snapshot().Stragglers != 0 {
		if time.Now().After(deadline) {
			t.Fatal("straggler never returned")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExecutePoolFull(t *testing.T) {
	t.Parallel()
	rep := newFakeReporter()
	r, _ := newTestRunner(t, Config{Workers: 1}, rep, nil)
	block := make(chan struct{})
	defer close(block)
	fn := func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}
	if err := r.Execute(context.Background(), execFor("a", time.Minute), fn, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := r.Execute(context.Background(), execFor("b", time.Minute), fn, nil); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("err = %v, want ErrPoolFull", err)
	}
	if r.Running() != 1 {
		t.Fatalf("Running = %d", r.Running())
	}
}

func TestStopExpiresRunning(t *testing.T) {
	t.Parallel()
	rep := newFakeReporter()
	clk := clockwork.NewFakeClockAt(t0)
	r, err := New(Config{Workers: 1}, rep, logx.Nop(), nil, WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fn := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := r.Execute(context.Background(), execFor("a", time.Minute), fn, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got := rep.next(t)
	if got.status != scheduler.Expired || !errors.Is(got.cause, ErrStopped) {
		t.Fatalf("report = %v/%v", got.status, got.cause)
	}
	if err := r.Execute(context.Background(), execFor("b", time.Minute), fn, nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("Execute after Stop err = %v", err)
	}
	if r.Free() != 0 {
		t.Fatal("stopped runner must report no free slots")
	}
}

func TestEventsAndHistory(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	rep := newFakeReporter()
	r, _ := newTestRunner(t, Config{Workers: 1, HistorySize: 1}, rep, bus)

	for _, id := range []string{"first", "second"} {
		doneCh, done := doneChan()
		if err := r.Execute(context.Background(), execFor(id, time.Minute), func(context.Context) error { return nil }, done); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		rep.next(t)
		<-doneCh
	}

	var types []string
	for len(types) < 4 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("events so far: %v", types)
		}
	}
	want := []string{eventbus.TaskStarted, eventbus.TaskCompleted, eventbus.TaskStarted, eventbus.TaskCompleted}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}

	h := r.Snapshot().History
	if len(h) != 1 || h[0].ID != "second" || h[0].Status != scheduler.Completed || !h[0].Applied {
		t.Fatalf("history = %+v", h)
	}
}

func TestStaleReportWithScheduler(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	if err := reg.Register(registry.Definition{ID: "refresh", Kind: registry.Recurring, MinimumInterval: time.Minute, Budget: 10 * time.Second}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	clk := clockwork.NewFakeClockAt(t0)
	sched := scheduler.New(reg, logx.Nop(), nil, scheduler.WithClock(clk))
	r, err := New(Config{Workers: 1}, sched, logx.Nop(), nil, WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Stop(context.Background())

	_ = sched.Submit(scheduler.Request{ID: "refresh", EarliestBegin: t0})
	exec, ok := sched.Poll(t0)
	if !ok {
		t.Fatal("expected dispatch")
	}
	// Reported out of band before the runner finishes.
	sched.ReportExecution(exec, scheduler.Failed, errors.New("reset"))

	doneCh, done := doneChan()
	if err := r.Execute(context.Background(), exec, func(context.Context) error { return nil }, done); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	<-doneCh
	h := r.Snapshot().History
	if len(h) != 1 || h[0].Applied {
		t.Fatalf("history = %+v, want one unapplied item", h)
	}
	if got := sched.State("refresh"); got != scheduler.Pending {
		t.Fatalf("state = %v, want pending", got)
	}
}
