package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/orchestrator"
	"github.com/petrijr/stepflow/pkg/api"
)

// SQLiteStore is an api.Store backed by SQLite. Run state is kept as one
// JSON document per run and every transition happens inside a single
// database transaction.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// SQLite allows one writer at a time. In-memory databases need
// db.SetMaxOpenConns(1); file databases should set a busy timeout, for
// example "file:flows.db?_pragma=busy_timeout(5000)".
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Ensure SQLiteStore implements the interfaces.
var (
	_ api.Store   = (*SQLiteStore)(nil)
	_ api.Starter = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flows (
			flow_slug TEXT PRIMARY KEY,
			definition TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			flow_slug TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			msg_id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			run_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			read_ct INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL,
			visible_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS messages_queue_visible ON messages (queue, visible_at);
		CREATE TABLE IF NOT EXISTS workers (
			worker_id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			last_heartbeat_at INTEGER NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ApplyCommands(ctx context.Context, flowSlug string, cmds []api.Command) error {
	def, err := orchestrator.FromCommands(flowSlug, cmds)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO flows (flow_slug, definition, created_at)
		VALUES (?, ?, ?)`,
		flowSlug, string(raw), s.now().UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ReplaceFlow(ctx context.Context, flowSlug string, cmds []api.Command) error {
	def, err := orchestrator.FromCommands(flowSlug, cmds)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM messages WHERE queue = ?`,
			`DELETE FROM runs WHERE flow_slug = ?`,
			`DELETE FROM flows WHERE flow_slug = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, flowSlug); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO flows (flow_slug, definition, created_at)
			VALUES (?, ?, ?)`,
			flowSlug, string(raw), s.now().UnixNano(),
		)
		return err
	})
}

func (s *SQLiteStore) GetPersistedShape(ctx context.Context, flowSlug string) (*api.FlowShape, error) {
	def, err := loadFlow(ctx, s.db, flowSlug)
	if err != nil {
		return nil, err
	}
	return def.Shape(), nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadFlow(ctx context.Context, q queryer, flowSlug string) (*orchestrator.FlowDef, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT definition FROM flows WHERE flow_slug = ?`, flowSlug).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &api.NotFoundError{Kind: "flow", Key: flowSlug}
		}
		return nil, err
	}
	var def orchestrator.FlowDef
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, fmt.Errorf("decode flow %s: %w", flowSlug, err)
	}
	return &def, nil
}

func loadRun(ctx context.Context, q queryer, runID string) (*orchestrator.Run, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT state FROM runs WHERE run_id = ?`, runID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	var run orchestrator.Run
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, nil
}

func saveRun(ctx context.Context, tx *sql.Tx, run *orchestrator.Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, flow_slug, status, state) VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET status = excluded.status, state = excluded.state`,
		run.RunID, run.FlowSlug, string(run.Status), string(raw),
	)
	return err
}

// dispatch enqueues messages for dispatches, or clears the run's queue
// when it is no longer active.
func dispatch(ctx context.Context, tx *sql.Tx, run *orchestrator.Run, dispatches []orchestrator.Dispatch, now time.Time) error {
	if !run.Active() {
		_, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE run_id = ?`, run.RunID)
		return err
	}
	for _, d := range dispatches {
		payload := messagePayload{
			FlowSlug:  run.FlowSlug,
			RunID:     run.RunID,
			StepSlug:  d.StepSlug,
			TaskIndex: d.TaskIndex,
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (queue, run_id, payload, enqueued_at, visible_at)
			VALUES (?, ?, ?, ?, ?)`,
			run.FlowSlug, run.RunID, string(payload.encode()), now.UnixNano(), now.Add(d.Delay).UnixNano(),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if sr := run.Steps[d.StepSlug]; sr != nil && d.TaskIndex < len(sr.Tasks) {
			sr.Tasks[d.TaskIndex].MsgID = id
		}
	}
	return nil
}

func (s *SQLiteStore) StartFlow(ctx context.Context, flowSlug string, input any, runID string) (string, error) {
	raw, err := EncodeJSON(input)
	if err != nil {
		return "", err
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		def, err := loadFlow(ctx, tx, flowSlug)
		if err != nil {
			return err
		}
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE run_id = ?`, runID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("run %s already exists", runID)
		}

		now := s.now()
		run, dispatches, err := orchestrator.Start(def, runID, raw, now)
		if err != nil {
			return err
		}
		if err := dispatch(ctx, tx, run, dispatches, now); err != nil {
			return err
		}
		return saveRun(ctx, tx, run)
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*api.Run, error) {
	run, err := loadRun(ctx, s.db, runID)
	if err != nil {
		return nil, err
	}
	return run.Snapshot(), nil
}

func (s *SQLiteStore) GetRunInput(ctx context.Context, runID string) (json.RawMessage, error) {
	run, err := loadRun(ctx, s.db, runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, &api.NotFoundError{Kind: "run", Key: runID}
		}
		return nil, err
	}
	return run.Input, nil
}

func (s *SQLiteStore) ReadMessages(ctx context.Context, queue string, opts api.ReadOptions) ([]api.Message, error) {
	deadline := s.now().Add(time.Duration(opts.MaxPollSeconds) * time.Second)
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	for {
		msgs, err := s.readVisible(ctx, queue, opts)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || !s.now().Before(deadline) {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (s *SQLiteStore) readVisible(ctx context.Context, queue string, opts api.ReadOptions) ([]api.Message, error) {
	limit := opts.BatchSize
	if limit <= 0 {
		limit = -1
	}
	var out []api.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		rows, err := tx.QueryContext(ctx, `
			SELECT msg_id, payload, read_ct, enqueued_at
			FROM messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY msg_id
			LIMIT ?`,
			queue, now.UnixNano(), limit,
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var (
				m          api.Message
				payload    string
				enqueuedAt int64
			)
			if err := rows.Scan(&m.MsgID, &payload, &m.ReadCount, &enqueuedAt); err != nil {
				_ = rows.Close()
				return err
			}
			m.Payload = json.RawMessage(payload)
			m.ReadCount++
			m.EnqueuedAt = time.Unix(0, enqueuedAt)
			m.VisibleAt = now.Add(opts.VisibilityTimeout)
			out = append(out, m)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, m := range out {
			_, err := tx.ExecContext(ctx, `
				UPDATE messages SET read_ct = read_ct + 1, visible_at = ? WHERE msg_id = ?`,
				m.VisibleAt.UnixNano(), m.MsgID,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) StartTasks(ctx context.Context, flowSlug string, msgIDs []int64, workerID string) ([]api.StepTaskRecord, error) {
	var out []api.StepTaskRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		def, err := loadFlow(ctx, tx, flowSlug)
		if err != nil {
			return err
		}
		now := s.now()
		for _, id := range msgIDs {
			var raw string
			err := tx.QueryRowContext(ctx, `SELECT payload FROM messages WHERE msg_id = ? AND queue = ?`, id, flowSlug).Scan(&raw)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			var p messagePayload
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				return fmt.Errorf("decode message %d: %w", id, err)
			}

			run, err := loadRun(ctx, tx, p.RunID)
			if errors.Is(err, ErrRunNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			lease := run.TaskTimeout(def, p.StepSlug)
			if err := run.StartTask(p.StepSlug, p.TaskIndex, now, lease); err != nil {
				continue
			}
			input, flowInput, err := run.TaskInput(def, p.StepSlug, p.TaskIndex)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `UPDATE messages SET visible_at = ? WHERE msg_id = ?`,
				now.Add(lease).UnixNano(), id)
			if err != nil {
				return err
			}
			if err := saveRun(ctx, tx, run); err != nil {
				return err
			}

			out = append(out, api.StepTaskRecord{
				FlowSlug:  flowSlug,
				RunID:     p.RunID,
				StepSlug:  p.StepSlug,
				TaskIndex: p.TaskIndex,
				Input:     input,
				MsgID:     id,
				FlowInput: flowInput,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, rec api.StepTaskRecord, output any) error {
	raw, err := encodeOutput(output)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		run, def, err := loadTaskRun(ctx, tx, rec)
		if err != nil {
			return err
		}
		now := s.now()
		dispatches, err := run.Complete(def, rec.StepSlug, rec.TaskIndex, raw, now)
		if err != nil {
			return reportError(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE msg_id = ?`, rec.MsgID); err != nil {
			return err
		}
		if err := dispatch(ctx, tx, run, dispatches, now); err != nil {
			return err
		}
		return saveRun(ctx, tx, run)
	})
}

func (s *SQLiteStore) FailTask(ctx context.Context, rec api.StepTaskRecord, errorMessage string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		run, def, err := loadTaskRun(ctx, tx, rec)
		if err != nil {
			return err
		}
		now := s.now()
		outcome, err := run.Fail(def, rec.StepSlug, rec.TaskIndex, errorMessage, now)
		if err != nil {
			return reportError(err)
		}
		if outcome.Retry {
			_, err = tx.ExecContext(ctx, `UPDATE messages SET visible_at = ? WHERE msg_id = ?`,
				now.Add(outcome.RetryDelay).UnixNano(), rec.MsgID)
		} else {
			_, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE msg_id = ?`, rec.MsgID)
		}
		if err != nil {
			return err
		}
		if err := dispatch(ctx, tx, run, outcome.Dispatches, now); err != nil {
			return err
		}
		return saveRun(ctx, tx, run)
	})
}

func loadTaskRun(ctx context.Context, tx *sql.Tx, rec api.StepTaskRecord) (*orchestrator.Run, *orchestrator.FlowDef, error) {
	run, err := loadRun(ctx, tx, rec.RunID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, nil, &api.NotFoundError{Kind: "run", Key: rec.RunID}
		}
		return nil, nil, err
	}
	def, err := loadFlow(ctx, tx, run.FlowSlug)
	if err != nil {
		return nil, nil, err
	}
	return run, def, nil
}

func (s *SQLiteStore) SendHeartbeat(ctx context.Context, workerID, queue string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, queue, last_heartbeat_at) VALUES (?, ?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET queue = excluded.queue, last_heartbeat_at = excluded.last_heartbeat_at`,
		workerID, queue, s.now().UnixNano(),
	)
	return err
}

// Worker returns the last heartbeat recorded for workerID.
func (s *SQLiteStore) Worker(ctx context.Context, workerID string) (WorkerRecord, bool, error) {
	var (
		rec WorkerRecord
		at  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT worker_id, queue, last_heartbeat_at FROM workers WHERE worker_id = ?`,
		workerID,
	).Scan(&rec.WorkerID, &rec.Queue, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkerRecord{}, false, nil
	}
	if err != nil {
		return WorkerRecord{}, false, err
	}
	rec.LastHeartbeat = time.Unix(0, at)
	return rec, true, nil
}

// QueueLen returns the number of messages in a queue, visible or not.
func (s *SQLiteStore) QueueLen(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE queue = ?`, queue).Scan(&n)
	return n, err
}
