package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"bgtask/internal/task/scheduler"
	logx "bgtask/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   ScheduleKind
		source string
		every  time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: ScheduleCron, source: "cron"},
		{name: "descriptor", raw: "@every 10m", kind: ScheduleCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: ScheduleCron, source: "cron"},
		{name: "duration", raw: "10m", kind: ScheduleInterval, source: "duration", every: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: ScheduleInterval, source: "duration", every: 45 * time.Second},
		{name: "every hhmm", raw: "every:00:05", kind: ScheduleInterval, source: "hhmm", every: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: ScheduleInterval, source: "hhmm", every: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got %+v", got)
			}
			if tt.kind == ScheduleInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "-5m", "00:00", "01:75", "cron:", "interval:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestSpreadIntervalFirstRun(t *testing.T) {
	t.Parallel()
	sched, jitter := spreadInterval(10*time.Second, t0, "refresh")
	if jitter < 0 || jitter >= 10*time.Second {
		t.Fatalf("jitter = %v", jitter)
	}
	first := sched.Next(t0)
	if !first.Equal(t0.Add(10*time.Second + jitter)) {
		t.Fatalf("first = %v", first)
	}
	if next := sched.Next(first); !next.After(first) {
		t.Fatalf("next = %v", next)
	}
}

func TestSpreadIntervalDeterministicPerTask(t *testing.T) {
	t.Parallel()
	_, a := spreadInterval(time.Hour, t0, "refresh")
	_, b := spreadInterval(time.Hour, t0.Add(37*time.Minute), "refresh")
	if a != b {
		t.Fatalf("jitter differs across calls: %v vs %v", a, b)
	}
	_, other := spreadInterval(time.Hour, t0, "vacuum")
	if other == a {
		t.Fatalf("distinct tasks share jitter %v", a)
	}
}

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []scheduler.Request
	err  map[string]error
}

func (r *recordingSubmitter) Submit(req scheduler.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.err[req.ID]; err != nil {
		return err
	}
	r.reqs = append(r.reqs, req)
	return nil
}

func TestNewCronValidates(t *testing.T) {
	t.Parallel()
	sub := &recordingSubmitter{}
	_, err := NewCron([]CronEntry{
		{Identifier: "ok", Spec: "*/5 * * * *"},
		{Identifier: "", Spec: "10m"},
		{Identifier: "bad", Spec: "61 * * * *"},
		{Identifier: "worse", Spec: "nope"},
	}, time.UTC, sub, logx.Nop(), nil)
	if err == nil {
		t.Fatal("expected validation error")
	}
	c, err := NewCron([]CronEntry{{Identifier: " refresh ", Spec: "10m"}, {Identifier: "sync", Spec: "@hourly"}}, time.UTC, sub, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d", c.Len())
	}
	c.Start(context.Background())
	c.Stop(context.Background())
}

func TestCronStopsWhenContextEnds(t *testing.T) {
	t.Parallel()
	c, err := NewCron([]CronEntry{{Identifier: "refresh", Spec: "10m"}}, time.UTC, &recordingSubmitter{}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		running := c.c != nil
		c.mu.Unlock()
		if !running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cron still running after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Stop after the context already stopped it is a no-op.
	c.Stop(context.Background())
}

func TestCronFireSubmitsNow(t *testing.T) {
	t.Parallel()
	sub := &recordingSubmitter{err: map[string]error{"busy": fmt.Errorf("%w: busy", scheduler.ErrAlreadyRunning)}}
	clk := clockwork.NewFakeClockAt(t0)
	c, err := NewCron(nil, time.UTC, sub, logx.Nop(), clk)
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	c.fire(CronEntry{Identifier: "refresh"})
	c.fire(CronEntry{Identifier: "busy"})
	if len(sub.reqs) != 1 || sub.reqs[0].ID != "refresh" || !sub.reqs[0].EarliestBegin.Equal(t0) {
		t.Fatalf("requests = %+v", sub.reqs)
	}
}

func TestLifecycleBackground(t *testing.T) {
	t.Parallel()
	sub := &recordingSubmitter{err: map[string]error{"ghost": errors.New("unknown task")}}
	clk := clockwork.NewFakeClockAt(t0)
	lc := NewLifecycle([]BackgroundEntry{
		{Identifier: "com.example.backgroundTest.background_refresh", Delay: 5 * time.Minute},
		{Identifier: "ghost", Delay: time.Minute},
	}, sub, logx.Nop(), nil, clk)

	if n := lc.Handle(Foreground); n != 0 {
		t.Fatalf("foreground submitted %d", n)
	}
	if n := lc.Handle(Background); n != 1 {
		t.Fatalf("background submitted %d, want 1", n)
	}
	want := scheduler.Request{ID: "com.example.backgroundTest.background_refresh", EarliestBegin: t0.Add(5 * time.Minute)}
	if len(sub.reqs) != 1 || sub.reqs[0].ID != want.ID || !sub.reqs[0].EarliestBegin.Equal(want.EarliestBegin) {
		t.Fatalf("requests = %+v", sub.reqs)
	}
}

func TestParseLifecycleEvent(t *testing.T) {
	t.Parallel()
	if ev, err := ParseLifecycleEvent(" Background "); err != nil || ev != Background {
		t.Fatalf("got %v, %v", ev, err)
	}
	if _, err := ParseLifecycleEvent("suspended"); err == nil {
		t.Fatal("expected error")
	}
}

func TestLimiter(t *testing.T) {
	t.Parallel()
	var nilLim *Limiter
	if !nilLim.Allow("x") {
		t.Fatal("nil limiter must allow")
	}
	if NewLimiter(0, 1) != nil {
		t.Fatal("zero interval disables limiting")
	}
	l := NewLimiter(time.Minute, 1)
	if !l.AllowAt("a", t0) || l.AllowAt("a", t0.Add(time.Second)) {
		t.Fatal("second wake within interval should be limited")
	}
	if !l.AllowAt("b", t0) {
		t.Fatal("limits are per identifier")
	}
	if !l.AllowAt("a", t0.Add(time.Minute+time.Second)) {
		t.Fatal("token should refill after interval")
	}
}

func TestDecodeWake(t *testing.T) {
	t.Parallel()
	w, err := decodeWake([]byte(`{"identifier":" refresh ","deadline":"2026-03-01T12:00:30Z"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Identifier != "refresh" || !w.Deadline.Equal(t0.Add(30*time.Second)) || w.Source != "nats" {
		t.Fatalf("wake = %+v", w)
	}
	if w, err := decodeWake(nil); err != nil || w.Identifier != "" {
		t.Fatalf("empty body = %+v, %v", w, err)
	}
	for _, bad := range []string{`{`, `{"deadline":"2026-03-01T12:00:30Z"}`, `{"identifier":1}`} {
		if _, err := decodeWake([]byte(bad)); err == nil {
			t.Fatalf("decodeWake(%s): expected error", bad)
		}
	}
}

func TestNATSHandleRepliesWithAck(t *testing.T) {
	t.Parallel()
	out := make(chan Wake, 1)
	n := NewNATS(NATSConfig{}, out, NewLimiter(time.Hour, 1), logx.Nop())

	replies := make(chan wakeReply, 4)
	reply := func(b []byte) error {
		var r wakeReply
		if err := json.Unmarshal(b, &r); err != nil {
			return err
		}
		replies <- r
		return nil
	}

	n.handle(context.Background(), []byte(`{"identifier":"refresh"}`), reply)
	w := <-out
	if w.Identifier != "refresh" {
		t.Fatalf("wake = %+v", w)
	}
	w.Done(true)
	w.Done(false)
	if r := <-replies; !r.OK {
		t.Fatalf("reply = %+v", r)
	}
	select {
	case r := <-replies:
		t.Fatalf("second reply %+v", r)
	default:
	}

	// Same identifier again within the limit window.
	n.handle(context.Background(), []byte(`{"identifier":"refresh"}`), reply)
	if r := <-replies; r.OK || r.Error != "rate limited" {
		t.Fatalf("reply = %+v", r)
	}

	n.handle(context.Background(), []byte(`garbage`), reply)
	if r := <-replies; r.OK || r.Error == "" {
		t.Fatalf("reply = %+v", r)
	}
}

func TestSendAcksFalseWhenCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	acked := make(chan bool, 1)
	if Send(ctx, make(chan Wake), Wake{Identifier: "x", Ack: func(ok bool) { acked <- ok }}) {
		t.Fatal("send should fail on cancelled ctx")
	}
	if ok := <-acked; ok {
		t.Fatal("ack should be false")
	}
}
