package api

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Observer receives callbacks from the worker for logging and metrics.
//
// Implementations should be fast and non-blocking; they run on the task's
// goroutine and delay its completion report.
type Observer interface {
	// OnPoll is called after each poll cycle with the number of messages
	// read in phase one and tasks claimed in phase two.
	OnPoll(ctx context.Context, flowSlug string, messages, tasks int)

	// OnTaskStart is called before the handler runs.
	OnTaskStart(ctx context.Context, rec StepTaskRecord)

	// OnTaskCompleted is called after the completion report succeeded. It is
	// not called when the report still failed after its retries.
	OnTaskCompleted(ctx context.Context, rec StepTaskRecord, d time.Duration)

	// OnTaskFailed is called after a handler failure was reported
	// successfully. err carries the redacted message.
	OnTaskFailed(ctx context.Context, rec StepTaskRecord, err error, d time.Duration)

	// OnTaskAborted is called when a handler was cancelled by shutdown and
	// its task left for the visibility timeout to recover.
	OnTaskAborted(ctx context.Context, rec StepTaskRecord)

	// OnHeartbeat is called after every heartbeat attempt.
	OnHeartbeat(ctx context.Context, workerID string, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnPoll(ctx context.Context, flowSlug string, messages, tasks int)  {}
func (NoopObserver) OnTaskStart(ctx context.Context, rec StepTaskRecord)                {}
func (NoopObserver) OnTaskCompleted(ctx context.Context, rec StepTaskRecord, d time.Duration) {
}
func (NoopObserver) OnTaskFailed(ctx context.Context, rec StepTaskRecord, err error, d time.Duration) {
}
func (NoopObserver) OnTaskAborted(ctx context.Context, rec StepTaskRecord)          {}
func (NoopObserver) OnHeartbeat(ctx context.Context, workerID string, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnPoll(ctx context.Context, flowSlug string, messages, tasks int) {
	for _, o := range c.observers {
		o.OnPoll(ctx, flowSlug, messages, tasks)
	}
}

func (c *CompositeObserver) OnTaskStart(ctx context.Context, rec StepTaskRecord) {
	for _, o := range c.observers {
		o.OnTaskStart(ctx, rec)
	}
}

func (c *CompositeObserver) OnTaskCompleted(ctx context.Context, rec StepTaskRecord, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskCompleted(ctx, rec, d)
	}
}

func (c *CompositeObserver) OnTaskFailed(ctx context.Context, rec StepTaskRecord, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskFailed(ctx, rec, err, d)
	}
}

func (c *CompositeObserver) OnTaskAborted(ctx context.Context, rec StepTaskRecord) {
	for _, o := range c.observers {
		o.OnTaskAborted(ctx, rec)
	}
}

func (c *CompositeObserver) OnHeartbeat(ctx context.Context, workerID string, err error) {
	for _, o := range c.observers {
		o.OnHeartbeat(ctx, workerID, err)
	}
}

// LoggingObserver writes structured logs using zap.
type LoggingObserver struct {
	Logger *zap.Logger
}

// NewLoggingObserver creates an Observer that logs task lifecycle events. If
// logger is nil, zap.L() is used.
func NewLoggingObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.L()
	}
	return &LoggingObserver{Logger: logger}
}

func taskFields(rec StepTaskRecord) []zap.Field {
	return []zap.Field{
		zap.String("flow", rec.FlowSlug),
		zap.String("run_id", rec.RunID),
		zap.String("step", rec.StepSlug),
		zap.Int("task_index", rec.TaskIndex),
		zap.Int64("msg_id", rec.MsgID),
	}
}

func (o *LoggingObserver) OnPoll(ctx context.Context, flowSlug string, messages, tasks int) {
	if messages == 0 {
		return
	}
	o.Logger.Debug("poll",
		zap.String("flow", flowSlug),
		zap.Int("messages", messages),
		zap.Int("tasks", tasks),
	)
}

func (o *LoggingObserver) OnTaskStart(ctx context.Context, rec StepTaskRecord) {
	o.Logger.Debug("task_start", taskFields(rec)...)
}

func (o *LoggingObserver) OnTaskCompleted(ctx context.Context, rec StepTaskRecord, d time.Duration) {
	o.Logger.Debug("task_completed", append(taskFields(rec), zap.Duration("duration", d))...)
}

func (o *LoggingObserver) OnTaskFailed(ctx context.Context, rec StepTaskRecord, err error, d time.Duration) {
	o.Logger.Error("task_failed", append(taskFields(rec), zap.Duration("duration", d), zap.Error(err))...)
}

func (o *LoggingObserver) OnTaskAborted(ctx context.Context, rec StepTaskRecord) {
	o.Logger.Debug("task_aborted", taskFields(rec)...)
}

func (o *LoggingObserver) OnHeartbeat(ctx context.Context, workerID string, err error) {
	if err != nil {
		o.Logger.Warn("heartbeat_failed", zap.String("worker_id", workerID), zap.Error(err))
	}
}

// BasicMetrics collects simple counters and aggregate task durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	tasksStarted      atomic.Int64
	tasksCompleted    atomic.Int64
	tasksFailed       atomic.Int64
	tasksAborted      atomic.Int64
	heartbeatFailures atomic.Int64
	totalTaskDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TasksStarted   int64
	TasksCompleted int64
	TasksFailed    int64
	TasksAborted   int64
	InFlight       int64

	HeartbeatFailures int64
	AvgTaskDuration   time.Duration
}

func (m *BasicMetrics) OnTaskStart(ctx context.Context, rec StepTaskRecord) {
	m.tasksStarted.Add(1)
}

func (m *BasicMetrics) OnTaskCompleted(ctx context.Context, rec StepTaskRecord, d time.Duration) {
	m.tasksCompleted.Add(1)
	m.totalTaskDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnTaskFailed(ctx context.Context, rec StepTaskRecord, err error, d time.Duration) {
	m.tasksFailed.Add(1)
}

func (m *BasicMetrics) OnTaskAborted(ctx context.Context, rec StepTaskRecord) {
	m.tasksAborted.Add(1)
}

func (m *BasicMetrics) OnHeartbeat(ctx context.Context, workerID string, err error) {
	if err != nil {
		m.heartbeatFailures.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.tasksStarted.Load()
	completed := m.tasksCompleted.Load()
	failed := m.tasksFailed.Load()
	aborted := m.tasksAborted.Load()

	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(m.totalTaskDuration.Load() / completed)
	}

	return BasicMetricsSnapshot{
		TasksStarted:      started,
		TasksCompleted:    completed,
		TasksFailed:       failed,
		TasksAborted:      aborted,
		InFlight:          started - completed - failed - aborted,
		HeartbeatFailures: m.heartbeatFailures.Load(),
		AvgTaskDuration:   avg,
	}
}
