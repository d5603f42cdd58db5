// Package metrics holds the Prometheus collectors for the scheduler and runner.
//
// All methods are nil-safe so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bgtask"

type Metrics struct {
	Submitted  *prometheus.CounterVec
	Rejected   *prometheus.CounterVec
	Dispatched *prometheus.CounterVec
	Outcomes   *prometheus.CounterVec
	Wakes      *prometheus.CounterVec
	Pending    prometheus.Gauge
	Running    prometheus.Gauge
	Duration   *prometheus.HistogramVec
	StartDelay prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "submitted_total",
			Help:      "Accepted task requests by identifier",
		}, []string{"task"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "rejected_total",
			Help:      "Rejected task requests by identifier and reason",
		}, []string{"task", "reason"}),
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Requests moved from pending to running",
		}, []string{"task"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "outcomes_total",
			Help:      "Terminal execution outcomes by identifier and status",
		}, []string{"task", "status"}),
		Wakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "wakes_total",
			Help:      "Wake events by source",
		}, []string{"source"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pending",
			Help:      "Identifiers with a pending request",
		}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "running",
			Help:      "Identifiers with a running execution",
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "execution_seconds",
			Help:      "Execution wall time in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		StartDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "start_delay_seconds",
			Help:      "Delay between earliest begin time and dispatch",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}
	reg.MustRegister(
		m.Submitted,
		m.Rejected,
		m.Dispatched,
		m.Outcomes,
		m.Wakes,
		m.Pending,
		m.Running,
		m.Duration,
		m.StartDelay,
	)
	return m
}

func (m *Metrics) ObserveSubmit(task string) {
	if m == nil {
		return
	}
	m.Submitted.WithLabelValues(task).Inc()
}

func (m *Metrics) ObserveReject(task, reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(task, reason).Inc()
}

func (m *Metrics) ObserveDispatch(task string, startDelay time.Duration) {
	if m == nil {
		return
	}
	m.Dispatched.WithLabelValues(task).Inc()
	if startDelay < 0 {
		startDelay = 0
	}
	m.StartDelay.Observe(startDelay.Seconds())
}

func (m *Metrics) ObserveOutcome(task, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(task, status).Inc()
	m.Duration.WithLabelValues(task).Observe(dur.Seconds())
}

func (m *Metrics) ObserveWake(source string) {
	if m == nil {
		return
	}
	m.Wakes.WithLabelValues(source).Inc()
}

func (m *Metrics) SetStates(pending, running int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(pending))
	m.Running.Set(float64(running))
}
