package app

import (
	"time"

	"bgtask/internal/notify"
	"bgtask/internal/runtime/supervisor"
	"bgtask/internal/task/runner"
	"bgtask/internal/task/scheduler"
)

// Status is the JSON body of GET /status.
type Status struct {
	Started    time.Time           `json:"started"`
	Uptime     string              `json:"uptime"`
	Tasks      []TaskStatus        `json:"tasks"`
	Runner     RunnerStatus        `json:"runner"`
	Permission string              `json:"notifications"`
	Goroutines supervisor.Counters `json:"goroutines"`
}

type TaskStatus struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	State      string     `json:"state"`
	Pending    *time.Time `json:"pending,omitempty"`
	ExecID     string     `json:"exec_id,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	Runs       uint64     `json:"runs"`
	Failures   int        `json:"failures,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LastEnd    *time.Time `json:"last_end,omitempty"`
}

type RunnerStatus struct {
	Workers    int `json:"workers"`
	Running    int `json:"running"`
	Stragglers int `json:"stragglers"`
	History    int `json:"history"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Status builds a point-in-time view of the daemon.
func (a *App) Status() Status {
	st := Status{Started: a.started, Uptime: time.Since(a.started).Round(time.Second).String()}
	for _, ts := range a.sched.Snapshot() {
		t := TaskStatus{
			ID:        ts.ID,
			Kind:      ts.Kind.String(),
			State:     ts.State.String(),
			Runs:      ts.Runs,
			Failures:  ts.Failures,
			LastError: ts.LastError,
			LastEnd:   timePtr(ts.LastEnd),
		}
		if ts.Runs > 0 {
			t.LastStatus = ts.LastStatus.String()
		}
		if ts.State == scheduler.Pending {
			t.Pending = timePtr(ts.Pending)
		}
		if ts.Running != nil {
			t.ExecID = ts.Running.ExecID
			t.Deadline = timePtr(ts.Running.Deadline)
		}
		st.Tasks = append(st.Tasks, t)
	}
	var rs runner.Snapshot
	if a.runner != nil {
		rs = a.runner.Snapshot()
	}
	st.Runner = RunnerStatus{Workers: rs.Workers, Running: rs.Running, Stragglers: rs.Stragglers, History: len(rs.History)}
	grant := notify.Grant{Reason: "not requested"}
	if a.notif != nil {
		grant = a.notif.Grant()
	}
	st.Permission = grant.String()
	if a.sup != nil {
		st.Goroutines = a.sup.Counters()
	}
	return st
}
