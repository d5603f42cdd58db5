package eventbus

import "time"

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	ID       string        `json:"id"`
	ExecID   string        `json:"exec_id,omitempty"`
	Status   string        `json:"status,omitempty"`
	Start    time.Time     `json:"start,omitempty"`
	Deadline time.Time     `json:"deadline,omitempty"`
	Next     time.Time     `json:"next,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}
