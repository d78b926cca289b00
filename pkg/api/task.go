package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Message is a queue message returned by the first polling phase. It only
// identifies work; the task itself is obtained by StartTasks.
type Message struct {
	MsgID      int64           `json:"msg_id"`
	ReadCount  int             `json:"read_ct"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	VisibleAt  time.Time       `json:"vt"`
	Payload    json.RawMessage `json:"message"`
}

// ReadOptions parameterize the first polling phase.
type ReadOptions struct {
	// VisibilityTimeout hides returned messages from other readers.
	VisibilityTimeout time.Duration
	BatchSize         int
	// MaxPollSeconds bounds how long the read blocks waiting for messages.
	MaxPollSeconds int
	// PollInterval is the re-check cadence while blocked.
	PollInterval time.Duration
}

// StepTaskRecord is one claimed unit of work.
type StepTaskRecord struct {
	FlowSlug  string          `json:"flow_slug"`
	RunID     string          `json:"run_id"`
	StepSlug  string          `json:"step_slug"`
	TaskIndex int             `json:"task_index"`
	Input     json.RawMessage `json:"input"`
	MsgID     int64           `json:"msg_id"`
	// FlowInput is set only when the Store inlined the run input, which it
	// does for root single steps.
	FlowInput json.RawMessage `json:"flow_input,omitempty"`
}

// TaskInfo describes the task a handler is running.
type TaskInfo struct {
	WorkerID string
	Record   StepTaskRecord
	Step     StepDefinition
}

type (
	taskInfoKey  struct{}
	flowInputKey struct{}
	resourceKey  struct{ name string }
)

// ErrNoTaskContext is returned by context accessors used outside a handler.
var ErrNoTaskContext = errors.New("stepflow: context does not belong to a running task")

// WithTaskInfo attaches info to ctx.
func WithTaskInfo(ctx context.Context, info TaskInfo) context.Context {
	return context.WithValue(ctx, taskInfoKey{}, info)
}

// TaskInfoFrom returns the task a handler is running.
func TaskInfoFrom(ctx context.Context) (TaskInfo, bool) {
	info, ok := ctx.Value(taskInfoKey{}).(TaskInfo)
	return info, ok
}

// FlowInputFunc resolves the run input of the current task.
type FlowInputFunc func(ctx context.Context) (json.RawMessage, error)

// WithFlowInput attaches the run input accessor to ctx.
func WithFlowInput(ctx context.Context, fn FlowInputFunc) context.Context {
	return context.WithValue(ctx, flowInputKey{}, fn)
}

// FlowInput returns the original input of the run the current task belongs
// to. Dependent and map steps do not receive the run input in their handler
// input; this accessor serves it from the worker's per-run cache, fetching
// it from the Store at most once per run.
func FlowInput(ctx context.Context) (json.RawMessage, error) {
	fn, ok := ctx.Value(flowInputKey{}).(FlowInputFunc)
	if !ok {
		return nil, ErrNoTaskContext
	}
	return fn(ctx)
}

// ResourceHandlerPool names the database pool reserved for handler I/O.
const ResourceHandlerPool = "handler_pool"

// WithResource attaches a named resource, such as a connection pool, to ctx.
func WithResource(ctx context.Context, name string, v any) context.Context {
	return context.WithValue(ctx, resourceKey{name}, v)
}

// Resource returns the named resource if it is present and of type T.
func Resource[T any](ctx context.Context, name string) (T, bool) {
	v, ok := ctx.Value(resourceKey{name}).(T)
	return v, ok
}
