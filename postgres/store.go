// Package postgres provides an api.Store backed by a PostgreSQL database with
// the pgflow and pgmq extensions installed. All orchestration happens inside
// the database; the Store only calls the pgflow SQL functions.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// DefaultFunctionName is recorded in pgflow.workers when Options leaves it
// empty.
const DefaultFunctionName = "stepflow-worker"

// Options configures Open.
type Options struct {
	// MaxConns sizes the pool used for polling and reporting.
	MaxConns int32
	// HandlerPoolSize sizes the pool handed to step handlers. Zero disables
	// the handler pool.
	HandlerPoolSize int32
	// FunctionName identifies the worker deployment in pgflow.workers.
	FunctionName string
	Logger       *zap.Logger
}

// Store is an api.Store on pgflow. Polling and reporting use the queue pool;
// a separate handler pool is kept for handler I/O so that slow handlers
// cannot starve the worker of connections.
type Store struct {
	queue        *pgxpool.Pool
	handlers     *pgxpool.Pool
	functionName string
	logger       *zap.Logger
}

var (
	_ api.Store   = (*Store)(nil)
	_ api.Starter = (*Store)(nil)
	_ api.TxStore = (*Store)(nil)
)

// Open connects both pools to connString.
func Open(ctx context.Context, connString string, opts Options) (*Store, error) {
	queue, err := newPool(ctx, connString, opts.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("open queue pool: %w", err)
	}

	var handlers *pgxpool.Pool
	if opts.HandlerPoolSize > 0 {
		handlers, err = newPool(ctx, connString, opts.HandlerPoolSize)
		if err != nil {
			queue.Close()
			return nil, fmt.Errorf("open handler pool: %w", err)
		}
	}
	return New(queue, handlers, opts), nil
}

func newPool(ctx context.Context, connString string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// New wraps existing pools. handlers may be nil.
func New(queue, handlers *pgxpool.Pool, opts Options) *Store {
	if opts.FunctionName == "" {
		opts.FunctionName = DefaultFunctionName
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		queue:        queue,
		handlers:     handlers,
		functionName: opts.FunctionName,
		logger:       opts.Logger,
	}
}

// HandlerPool returns the pool reserved for handlers, or nil.
func (s *Store) HandlerPool() *pgxpool.Pool { return s.handlers }

// Close closes both pools.
func (s *Store) Close() {
	s.queue.Close()
	if s.handlers != nil {
		s.handlers.Close()
	}
}

// ApplyCommands runs the compiled statements in one transaction unless the
// flow already exists.
func (s *Store) ApplyCommands(ctx context.Context, flowSlug string, cmds []api.Command) error {
	return pgx.BeginFunc(ctx, s.queue, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pgflow.flows WHERE flow_slug = $1)`, flowSlug,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check flow %s: %w", flowSlug, err)
		}
		if exists {
			return nil
		}
		return execCommands(ctx, tx, cmds)
	})
}

// ReplaceFlow deletes the flow with all of its runs and registers cmds.
func (s *Store) ReplaceFlow(ctx context.Context, flowSlug string, cmds []api.Command) error {
	return pgx.BeginFunc(ctx, s.queue, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pgflow.flows WHERE flow_slug = $1)`, flowSlug,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check flow %s: %w", flowSlug, err)
		}
		if exists {
			if _, err := tx.Exec(ctx, `SELECT pgflow.delete_flow_and_data($1)`, flowSlug); err != nil {
				return fmt.Errorf("delete flow %s: %w", flowSlug, err)
			}
		}
		return execCommands(ctx, tx, cmds)
	})
}

func execCommands(ctx context.Context, tx pgx.Tx, cmds []api.Command) error {
	for _, c := range cmds {
		if _, err := tx.Exec(ctx, c.SQL); err != nil {
			return fmt.Errorf("%s %s: %w", c.Kind, c.StepSlug, err)
		}
	}
	return nil
}

// GetPersistedShape rebuilds the shape from pgflow.flows, pgflow.steps and
// pgflow.deps.
func (s *Store) GetPersistedShape(ctx context.Context, flowSlug string) (*api.FlowShape, error) {
	var maxAttempts, baseDelay, timeout int
	err := s.queue.QueryRow(ctx, `
		SELECT opt_max_attempts, opt_base_delay, opt_timeout
		FROM pgflow.flows
		WHERE flow_slug = $1
	`, flowSlug).Scan(&maxAttempts, &baseDelay, &timeout)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &api.NotFoundError{Kind: "flow", Key: flowSlug}
	}
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", flowSlug, err)
	}
	shape := &api.FlowShape{
		Slug:    flowSlug,
		Options: api.RuntimeOptions{MaxAttempts: &maxAttempts, BaseDelay: &baseDelay, Timeout: &timeout},
	}

	rows, err := s.queue.Query(ctx, `
		SELECT step_slug, step_type, opt_max_attempts, opt_base_delay, opt_timeout, opt_start_delay
		FROM pgflow.steps
		WHERE flow_slug = $1
		ORDER BY step_index
	`, flowSlug)
	if err != nil {
		return nil, fmt.Errorf("load steps of %s: %w", flowSlug, err)
	}
	steps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (api.StepShape, error) {
		var st api.StepShape
		err := row.Scan(&st.Slug, &st.StepType,
			&st.Options.MaxAttempts, &st.Options.BaseDelay, &st.Options.Timeout, &st.Options.StartDelay)
		st.Dependencies = []string{}
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("load steps of %s: %w", flowSlug, err)
	}

	rows, err = s.queue.Query(ctx, `SELECT step_slug, dep_slug FROM pgflow.deps WHERE flow_slug = $1`, flowSlug)
	if err != nil {
		return nil, fmt.Errorf("load deps of %s: %w", flowSlug, err)
	}
	deps := make(map[string][]string)
	var step, dep string
	_, err = pgx.ForEachRow(rows, []any{&step, &dep}, func() error {
		deps[step] = append(deps[step], dep)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load deps of %s: %w", flowSlug, err)
	}

	for i := range steps {
		if d := deps[steps[i].Slug]; len(d) > 0 {
			sort.Strings(d)
			steps[i].Dependencies = d
		}
	}
	shape.Steps = steps
	return shape, nil
}

// ReadMessages calls pgmq.read_with_poll on the flow's queue.
func (s *Store) ReadMessages(ctx context.Context, queue string, opts api.ReadOptions) ([]api.Message, error) {
	vt := int(opts.VisibilityTimeout / time.Second)
	if vt < 1 {
		vt = 1
	}
	rows, err := s.queue.Query(ctx, `
		SELECT msg_id, read_ct, enqueued_at, vt, message
		FROM pgmq.read_with_poll(
			queue_name => $1,
			vt => $2,
			qty => $3,
			max_poll_seconds => $4,
			poll_interval_ms => $5
		)
	`, queue, vt, opts.BatchSize, opts.MaxPollSeconds, int(opts.PollInterval/time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("read queue %s: %w", queue, err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (api.Message, error) {
		var m api.Message
		var payload []byte
		err := row.Scan(&m.MsgID, &m.ReadCount, &m.EnqueuedAt, &m.VisibleAt, &payload)
		m.Payload = payload
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("read queue %s: %w", queue, err)
	}
	return msgs, nil
}

// querier is what StartTasks needs from a pool or a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// StartTasks calls pgflow.start_tasks, which locks each task row and skips
// those another session holds.
func (s *Store) StartTasks(ctx context.Context, flowSlug string, msgIDs []int64, workerID string) ([]api.StepTaskRecord, error) {
	return startTasks(ctx, s.queue, flowSlug, msgIDs, workerID)
}

func startTasks(ctx context.Context, q querier, flowSlug string, msgIDs []int64, workerID string) ([]api.StepTaskRecord, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	rows, err := q.Query(ctx, `
		SELECT flow_slug, run_id::text, step_slug, input, msg_id, task_index, flow_input
		FROM pgflow.start_tasks(
			flow_slug => $1,
			msg_ids => $2::bigint[],
			worker_id => $3::uuid
		)
	`, flowSlug, msgIDs, workerID)
	if err != nil {
		return nil, fmt.Errorf("start tasks of %s: %w", flowSlug, err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (api.StepTaskRecord, error) {
		var rec api.StepTaskRecord
		var input, flowInput []byte
		err := row.Scan(&rec.FlowSlug, &rec.RunID, &rec.StepSlug, &input, &rec.MsgID, &rec.TaskIndex, &flowInput)
		rec.Input = input
		if len(flowInput) > 0 {
			rec.FlowInput = flowInput
		}
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("start tasks of %s: %w", flowSlug, err)
	}
	return recs, nil
}

// CompleteTask calls pgflow.complete_task. A task that was not started
// comes back unchanged, which is reported as api.ErrTaskNotClaimed.
func (s *Store) CompleteTask(ctx context.Context, rec api.StepTaskRecord, output any) error {
	raw, err := persistence.EncodeJSON(output)
	if err != nil {
		return err
	}
	var status string
	err = s.queue.QueryRow(ctx, `
		SELECT status
		FROM pgflow.complete_task(
			run_id => $1::uuid,
			step_slug => $2::text,
			task_index => $3::int,
			output => $4::jsonb
		)
	`, rec.RunID, rec.StepSlug, rec.TaskIndex, string(raw)).Scan(&status)
	return reportResult(rec, "complete", status, err, "completed")
}

// FailTask calls pgflow.fail_task, which requeues the task with its retry
// delay or fails it once attempts are exhausted.
func (s *Store) FailTask(ctx context.Context, rec api.StepTaskRecord, errorMessage string) error {
	var status string
	err := s.queue.QueryRow(ctx, `
		SELECT status
		FROM pgflow.fail_task(
			run_id => $1::uuid,
			step_slug => $2::text,
			task_index => $3::int,
			error_message => $4::text
		)
	`, rec.RunID, rec.StepSlug, rec.TaskIndex, errorMessage).Scan(&status)
	return reportResult(rec, "fail", status, err, "queued", "failed")
}

func reportResult(rec api.StepTaskRecord, op, status string, err error, want ...string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s[%d]", api.ErrTaskNotClaimed, rec.RunID, rec.StepSlug, rec.TaskIndex)
	}
	if err != nil {
		return fmt.Errorf("%s task %s[%d]: %w", op, rec.StepSlug, rec.TaskIndex, err)
	}
	for _, w := range want {
		if status == w {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s[%d] is %s", api.ErrTaskNotClaimed, rec.RunID, rec.StepSlug, rec.TaskIndex, status)
}

// GetRunInput reads the input a run was started with.
func (s *Store) GetRunInput(ctx context.Context, runID string) (json.RawMessage, error) {
	var input []byte
	err := s.queue.QueryRow(ctx, `SELECT input FROM pgflow.runs WHERE run_id = $1::uuid`, runID).Scan(&input)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &api.NotFoundError{Kind: "run", Key: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("load input of run %s: %w", runID, err)
	}
	return input, nil
}

// SendHeartbeat upserts the worker row. workerID must be a UUID.
func (s *Store) SendHeartbeat(ctx context.Context, workerID, queue string) error {
	_, err := s.queue.Exec(ctx, `
		INSERT INTO pgflow.workers (worker_id, queue_name, function_name, last_heartbeat_at)
		VALUES ($1::uuid, $2, $3, now())
		ON CONFLICT (worker_id) DO UPDATE
		SET last_heartbeat_at = now(), queue_name = EXCLUDED.queue_name
	`, workerID, queue, s.functionName)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", workerID, err)
	}
	return nil
}

// StartFlow calls pgflow.start_flow. An empty runID lets the database pick.
func (s *Store) StartFlow(ctx context.Context, flowSlug string, input any, runID string) (string, error) {
	raw, err := persistence.EncodeJSON(input)
	if err != nil {
		return "", err
	}
	var id *string
	if runID != "" {
		id = &runID
	}
	var started string
	err = s.queue.QueryRow(ctx, `
		SELECT run_id::text
		FROM pgflow.start_flow(
			flow_slug => $1::text,
			input => $2::jsonb,
			run_id => $3::uuid
		)
	`, flowSlug, string(raw), id).Scan(&started)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &api.NotFoundError{Kind: "flow", Key: flowSlug}
	}
	if err != nil {
		return "", fmt.Errorf("start flow %s: %w", flowSlug, err)
	}
	return started, nil
}

// GetRun reads a run with its step states. A completed step's output is its
// single task output, or the ordered array of task outputs for map steps.
func (s *Store) GetRun(ctx context.Context, runID string) (*api.Run, error) {
	run := &api.Run{RunID: runID, Steps: make(map[string]api.StepState)}
	var input, output []byte
	err := s.queue.QueryRow(ctx, `
		SELECT flow_slug, status, input, output, started_at, completed_at, failed_at
		FROM pgflow.runs
		WHERE run_id = $1::uuid
	`, runID).Scan(&run.FlowSlug, &run.Status, &input, &output, &run.StartedAt, &run.CompletedAt, &run.FailedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", persistence.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	run.Input, run.Output = input, output

	rows, err := s.queue.Query(ctx, `
		SELECT ss.step_slug, ss.status, coalesce(ss.error_message, ''),
			CASE
				WHEN ss.status <> 'completed' THEN NULL
				WHEN st.step_type = 'map' THEN (
					SELECT coalesce(jsonb_agg(t.output ORDER BY t.task_index), '[]'::jsonb)
					FROM pgflow.step_tasks t
					WHERE t.run_id = ss.run_id AND t.step_slug = ss.step_slug
				)
				ELSE (
					SELECT t.output
					FROM pgflow.step_tasks t
					WHERE t.run_id = ss.run_id AND t.step_slug = ss.step_slug AND t.task_index = 0
				)
			END
		FROM pgflow.step_states ss
		JOIN pgflow.steps st ON st.flow_slug = ss.flow_slug AND st.step_slug = ss.step_slug
		WHERE ss.run_id = $1::uuid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load steps of run %s: %w", runID, err)
	}
	var (
		state    api.StepState
		stepOut  []byte
		errorMsg string
	)
	_, err = pgx.ForEachRow(rows, []any{&state.Slug, &state.Status, &errorMsg, &stepOut}, func() error {
		run.Steps[state.Slug] = api.StepState{
			Slug:   state.Slug,
			Status: state.Status,
			Output: append(json.RawMessage(nil), stepOut...),
			Error:  errorMsg,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load steps of run %s: %w", runID, err)
	}
	return run, nil
}

// Begin opens a transaction whose StartTasks claims stay locked until
// Commit or Rollback.
func (s *Store) Begin(ctx context.Context) (api.StoreTx, error) {
	tx, err := s.queue.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &storeTx{tx: tx}, nil
}

type storeTx struct {
	tx pgx.Tx
}

func (t *storeTx) StartTasks(ctx context.Context, flowSlug string, msgIDs []int64, workerID string) ([]api.StepTaskRecord, error) {
	return startTasks(ctx, t.tx, flowSlug, msgIDs, workerID)
}

func (t *storeTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return persistence.ErrTxDone
		}
		return err
	}
	return nil
}

func (t *storeTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return persistence.ErrTxDone
		}
		return err
	}
	return nil
}
