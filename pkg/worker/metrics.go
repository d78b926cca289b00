package worker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/stepflow/pkg/api"
)

const namespace = "stepflow"

// Metrics is an api.Observer exporting task activity to Prometheus.
type Metrics struct {
	polls             *prometheus.CounterVec
	tasksStarted      *prometheus.CounterVec
	tasksCompleted    *prometheus.CounterVec
	tasksFailed       *prometheus.CounterVec
	tasksAborted      *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	tasksInFlight     prometheus.Gauge
	heartbeatFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// uses a private registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Total number of poll cycles that returned messages",
			},
			[]string{"flow"},
		),
		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_started_total",
				Help:      "Total number of tasks handed to a handler",
			},
			[]string{"flow", "step"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of tasks whose handler succeeded",
			},
			[]string{"flow", "step"},
		),
		tasksFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_failed_total",
				Help:      "Total number of tasks whose handler failed",
			},
			[]string{"flow", "step"},
		),
		tasksAborted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_aborted_total",
				Help:      "Total number of tasks abandoned on shutdown",
			},
			[]string{"flow", "step"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Histogram of handler duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"flow", "step", "status"}, // status: success, error
		),
		tasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_flight",
				Help:      "Number of tasks currently running",
			},
		),
		heartbeatFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeat_failures_total",
				Help:      "Total number of heartbeats the Store rejected",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.polls, m.tasksStarted, m.tasksCompleted, m.tasksFailed,
		m.tasksAborted, m.taskDuration, m.tasksInFlight, m.heartbeatFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

var _ api.Observer = (*Metrics)(nil)

func (m *Metrics) OnPoll(ctx context.Context, flowSlug string, messages, tasks int) {
	if messages > 0 {
		m.polls.WithLabelValues(flowSlug).Inc()
	}
}

func (m *Metrics) OnTaskStart(ctx context.Context, rec api.StepTaskRecord) {
	m.tasksStarted.WithLabelValues(rec.FlowSlug, rec.StepSlug).Inc()
	m.tasksInFlight.Inc()
}

func (m *Metrics) OnTaskCompleted(ctx context.Context, rec api.StepTaskRecord, d time.Duration) {
	m.tasksCompleted.WithLabelValues(rec.FlowSlug, rec.StepSlug).Inc()
	m.taskDuration.WithLabelValues(rec.FlowSlug, rec.StepSlug, "success").Observe(d.Seconds())
	m.tasksInFlight.Dec()
}

func (m *Metrics) OnTaskFailed(ctx context.Context, rec api.StepTaskRecord, err error, d time.Duration) {
	m.tasksFailed.WithLabelValues(rec.FlowSlug, rec.StepSlug).Inc()
	m.taskDuration.WithLabelValues(rec.FlowSlug, rec.StepSlug, "error").Observe(d.Seconds())
	m.tasksInFlight.Dec()
}

func (m *Metrics) OnTaskAborted(ctx context.Context, rec api.StepTaskRecord) {
	m.tasksAborted.WithLabelValues(rec.FlowSlug, rec.StepSlug).Inc()
	m.tasksInFlight.Dec()
}

func (m *Metrics) OnHeartbeat(ctx context.Context, workerID string, err error) {
	if err != nil {
		m.heartbeatFailures.Inc()
	}
}
