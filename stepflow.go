package stepflow

import (
	"context"
	"database/sql"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/postgres"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Flow           = api.Flow
	StepFunc       = api.StepFunc
	StepConfig     = api.StepConfig
	StepOptions    = api.StepOptions
	RuntimeOptions = api.RuntimeOptions
	SkipPolicy     = api.SkipPolicy
	Store          = api.Store
	Starter        = api.Starter
	Run            = api.Run
	StepState      = api.StepState
	RunStatus      = api.RunStatus
	StepStatus     = api.StepStatus
	FlowShape      = api.FlowShape
	Observer       = api.Observer
	TaskInfo       = api.TaskInfo
	BasicMetrics   = api.BasicMetrics
)

// Re-export status and policy values for convenience.

const (
	RunStarted   = api.RunStarted
	RunCompleted = api.RunCompleted
	RunFailed    = api.RunFailed

	StepCreated   = api.StepCreated
	StepStarted   = api.StepStarted
	StepCompleted = api.StepCompleted
	StepFailed    = api.StepFailed
	StepSkipped   = api.StepSkipped

	PolicyFail        = api.PolicyFail
	PolicySkip        = api.PolicySkip
	PolicySkipCascade = api.PolicySkipCascade
)

var (
	NewFlow            = api.NewFlow
	MustFlow           = api.MustFlow
	Compile            = api.Compile
	CompileSQL         = api.CompileSQL
	ExtractShape       = api.ExtractShape
	NewLoggingObserver = api.NewLoggingObserver
	FlowInput          = api.FlowInput
	TaskInfoFrom       = api.TaskInfoFrom
	Int                = api.Int
)

// TypedStep wraps a strongly-typed handler into a StepFunc. See api.TypedStep.
func TypedStep[I, O any](fn func(context.Context, I) (O, error)) StepFunc {
	return api.TypedStep(fn)
}

// Store constructors. These wrap the internal packages so external callers
// never need to import them.

// MemoryStore is the non-durable Store used by LocalRunner and tests.
type MemoryStore = persistence.MemoryStore

// NewMemoryStore returns an empty in-process Store.
func NewMemoryStore() *MemoryStore {
	return persistence.NewMemoryStore()
}

// SQLiteStore persists flows, runs and queues in a SQLite database.
type SQLiteStore = persistence.SQLiteStore

// NewSQLiteStore returns a SQLiteStore on db. The caller imports a driver
// (e.g. modernc.org/sqlite) and owns db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	return persistence.NewSQLiteStore(db)
}

// OpenPostgresStore connects to a database with the pgflow schema installed.
func OpenPostgresStore(ctx context.Context, connString string, opts postgres.Options) (*postgres.Store, error) {
	return postgres.Open(ctx, connString, opts)
}

// Register compiles flow and applies it to store unless a flow with the
// same slug already exists there.
func Register(ctx context.Context, store Store, flow *Flow) error {
	cmds, err := api.Compile(flow)
	if err != nil {
		return err
	}
	return store.ApplyCommands(ctx, flow.Slug(), cmds)
}
