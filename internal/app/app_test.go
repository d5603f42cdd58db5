package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bgtask/internal/eventbus"
	"bgtask/internal/notify"
	"bgtask/internal/trigger"
)

const appYAML = `
logging:
  level: error
  console: false
tasks:
  - id: touch
    kind: one-shot
    budget: 5s
    submit_on_start: true
    action:
      type: exec
      command: ["true"]
  - id: later
    kind: one-shot
    budget: 5s
    action:
      type: exec
      command: ["true"]
triggers:
  on_background:
    - task: later
      delay: 1h
storage:
  driver: file
  path: STATE
`

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	state := filepath.Join(dir, "state", "bgtask")
	path := filepath.Join(dir, "bgtask.yaml")
	if err := os.WriteFile(path, []byte(strings.Replace(appYAML, "STATE", state, 1)), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := New(path, WithNotifier(notify.Denied{Reason: "test"}, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, state
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func TestAppRunsSubmitOnStartTask(t *testing.T) {
	a, state := newTestApp(t)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		for _, ts := range a.Status().Tasks {
			if ts.ID == "touch" && ts.Runs == 1 && ts.LastStatus == "completed" {
				return true
			}
		}
		return false
	})
	if got := a.Status().Permission; got != "denied: test" {
		t.Fatalf("permission = %q", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	b, err := os.ReadFile(state + ".outcomes.jsonl")
	if err != nil {
		t.Fatalf("read outcomes: %v", err)
	}
	if !strings.Contains(string(b), `"task":"touch"`) || !strings.Contains(string(b), `"status":"completed"`) {
		t.Fatalf("outcome log missing completion: %s", b)
	}
}

func TestAppWake(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopSIGINT)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := a.Wake(ctx, "missing", time.Time{})
	if err != nil || ok {
		t.Fatalf("Wake(missing) = %v, %v; want false, nil", ok, err)
	}
	// Nothing pending: acknowledged, nothing to run.
	ok, err = a.Wake(ctx, "later", time.Time{})
	if err != nil || !ok {
		t.Fatalf("Wake(later) = %v, %v; want true, nil", ok, err)
	}
	ok, err = a.Wake(ctx, "", time.Time{})
	if err != nil || !ok {
		t.Fatalf("Wake(all) = %v, %v; want true, nil", ok, err)
	}
}

func TestAppLifecycleSubmits(t *testing.T) {
	a, _ := newTestApp(t)
	defer func() { _ = a.logs.Close(); _ = a.store.Close() }()

	if n := a.Lifecycle(trigger.Background); n != 1 {
		t.Fatalf("Lifecycle(background) submitted %d, want 1", n)
	}
	req, ok := a.Scheduler().Pending("later")
	if !ok {
		t.Fatalf("later not pending")
	}
	if until := time.Until(req.EarliestBegin); until < 59*time.Minute {
		t.Fatalf("earliest begin too soon: %s", until)
	}
	if n := a.Lifecycle(trigger.Foreground); n != 0 {
		t.Fatalf("Lifecycle(foreground) submitted %d, want 0", n)
	}
}

func TestOutcomeOf(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name string
		ev   eventbus.Event
		ok   bool
		want string
	}{
		{"completed", eventbus.Event{Type: eventbus.TaskCompleted, Data: eventbus.TaskEvent{ID: "a", Status: "completed", Start: start, Duration: 1500 * time.Millisecond}}, true, "completed"},
		{"failed", eventbus.Event{Type: eventbus.TaskFailed, Data: eventbus.TaskEvent{ID: "a", Status: "failed", Error: "boom"}}, true, "failed"},
		{"started ignored", eventbus.Event{Type: eventbus.TaskStarted, Data: eventbus.TaskEvent{ID: "a"}}, false, ""},
		{"bad payload", eventbus.Event{Type: eventbus.TaskExpired, Data: "a"}, false, ""},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			o, ok := outcomeOf(tc.ev)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && o.Status != tc.want {
				t.Fatalf("status = %q, want %q", o.Status, tc.want)
			}
			if tc.name == "completed" && (o.Duration != 1500 || !o.Start.Equal(start)) {
				t.Fatalf("outcome = %+v", o)
			}
		})
	}
}
