package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrTaskNotClaimed is returned by CompleteTask and FailTask when the task
// is not currently started, for example because its visibility timeout
// expired and another worker reclaimed it. Reporting again cannot succeed.
var ErrTaskNotClaimed = errors.New("stepflow: task is not claimed")

// RunInputSource fetches the input a run was started with.
type RunInputSource interface {
	GetRunInput(ctx context.Context, runID string) (json.RawMessage, error)
}

// Store is the durable orchestrator a worker talks to. It owns every run,
// step and task state transition; the worker only claims tasks and reports
// their outcome.
type Store interface {
	RunInputSource

	// ApplyCommands registers a compiled flow. Applying the same commands
	// again is a no-op.
	ApplyCommands(ctx context.Context, flowSlug string, cmds []Command) error

	// GetPersistedShape returns the shape the Store holds for flowSlug, or a
	// *NotFoundError when the flow was never registered.
	GetPersistedShape(ctx context.Context, flowSlug string) (*FlowShape, error)

	// ReplaceFlow drops the registered flow and registers cmds in its place.
	// Used only in development mode to follow local edits.
	ReplaceFlow(ctx context.Context, flowSlug string, cmds []Command) error

	// ReadMessages is polling phase one. It may return fewer than
	// opts.BatchSize messages and blocks at most opts.MaxPollSeconds.
	ReadMessages(ctx context.Context, queue string, opts ReadOptions) ([]Message, error)

	// StartTasks is polling phase two. It claims the tasks behind msgIDs and
	// returns only those it could lock; ids claimed elsewhere are dropped.
	StartTasks(ctx context.Context, flowSlug string, msgIDs []int64, workerID string) ([]StepTaskRecord, error)

	CompleteTask(ctx context.Context, rec StepTaskRecord, output any) error
	FailTask(ctx context.Context, rec StepTaskRecord, errorMessage string) error

	// SendHeartbeat records that workerID, serving queue, is alive.
	SendHeartbeat(ctx context.Context, workerID, queue string) error
}

// RunStatus is the state of a run as tracked by the Store.
type RunStatus string

const (
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StepStatus is the state of one step within a run.
type StepStatus string

const (
	StepCreated   StepStatus = "created"
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepState is a step's status and output within a run.
type StepState struct {
	Slug       string          `json:"slug"`
	Status     StepStatus      `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	SkipReason string          `json:"skip_reason,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Run is a snapshot of one flow execution.
type Run struct {
	RunID       string               `json:"run_id"`
	FlowSlug    string               `json:"flow_slug"`
	Status      RunStatus            `json:"status"`
	Input       json.RawMessage      `json:"input"`
	Output      json.RawMessage      `json:"output,omitempty"`
	Steps       map[string]StepState `json:"steps"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	FailedAt    *time.Time           `json:"failed_at,omitempty"`
}

// Starter starts runs and reads their state. Clients use it; workers do not.
type Starter interface {
	// StartFlow starts a run of flowSlug. An empty runID lets the Store
	// pick one.
	StartFlow(ctx context.Context, flowSlug string, input any, runID string) (string, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
}

// TxStore is implemented by Stores that can hold task claims open inside an
// explicit transaction.
type TxStore interface {
	Begin(ctx context.Context) (StoreTx, error)
}

// StoreTx is an open transaction. Tasks it claims stay locked to it until
// Commit or Rollback.
type StoreTx interface {
	StartTasks(ctx context.Context, flowSlug string, msgIDs []int64, workerID string) ([]StepTaskRecord, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
