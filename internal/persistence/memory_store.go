package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/orchestrator"
	"github.com/petrijr/stepflow/pkg/api"
)

type memMessage struct {
	id         int64
	queue      string
	payload    messagePayload
	readCount  int
	enqueuedAt time.Time
	visibleAt  time.Time
}

type taskKey struct {
	runID string
	step  string
	index int
}

// WorkerRecord is the last heartbeat seen from a worker.
type WorkerRecord struct {
	WorkerID      string
	Queue         string
	LastHeartbeat time.Time
}

// MemoryStore is a goroutine-safe api.Store that keeps flows, runs and
// queues in memory. Task claims made inside a transaction stay locked to it
// until commit or rollback, so concurrent claimers skip them the way
// SELECT ... FOR UPDATE SKIP LOCKED does.
type MemoryStore struct {
	mu       sync.Mutex
	flows    map[string]*orchestrator.FlowDef
	runs     map[string]*orchestrator.Run
	messages map[int64]*memMessage
	locks    map[taskKey]*MemoryTx
	workers  map[string]WorkerRecord
	nextID   int64
	now      func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		flows:    make(map[string]*orchestrator.FlowDef),
		runs:     make(map[string]*orchestrator.Run),
		messages: make(map[int64]*memMessage),
		locks:    make(map[taskKey]*MemoryTx),
		workers:  make(map[string]WorkerRecord),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ensure MemoryStore implements the interfaces.
var (
	_ api.Store   = (*MemoryStore)(nil)
	_ api.Starter = (*MemoryStore)(nil)
	_ api.TxStore = (*MemoryStore)(nil)
)

func (s *MemoryStore) ApplyCommands(ctx context.Context, flowSlug string, cmds []api.Command) error {
	def, err := orchestrator.FromCommands(flowSlug, cmds)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flows[flowSlug]; exists {
		return nil
	}
	s.flows[flowSlug] = def
	return nil
}

func (s *MemoryStore) ReplaceFlow(ctx context.Context, flowSlug string, cmds []api.Command) error {
	def, err := orchestrator.FromCommands(flowSlug, cmds)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Runs of the old definition go with it.
	for id, run := range s.runs {
		if run.FlowSlug == flowSlug {
			delete(s.runs, id)
		}
	}
	for id, m := range s.messages {
		if m.queue == flowSlug {
			delete(s.messages, id)
		}
	}
	s.flows[flowSlug] = def
	return nil
}

func (s *MemoryStore) GetPersistedShape(ctx context.Context, flowSlug string) (*api.FlowShape, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.flows[flowSlug]
	if !ok {
		return nil, &api.NotFoundError{Kind: "flow", Key: flowSlug}
	}
	return def.Shape(), nil
}

func (s *MemoryStore) StartFlow(ctx context.Context, flowSlug string, input any, runID string) (string, error) {
	raw, err := EncodeJSON(input)
	if err != nil {
		return "", err
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.flows[flowSlug]
	if !ok {
		return "", &api.NotFoundError{Kind: "flow", Key: flowSlug}
	}
	if _, dup := s.runs[runID]; dup {
		return "", fmt.Errorf("run %s already exists", runID)
	}
	now := s.now()
	run, dispatches, err := orchestrator.Start(def, runID, raw, now)
	if err != nil {
		return "", err
	}
	s.runs[runID] = run
	s.dispatchLocked(run, dispatches, now)
	return runID, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*api.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run.Snapshot(), nil
}

func (s *MemoryStore) GetRunInput(ctx context.Context, runID string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, &api.NotFoundError{Kind: "run", Key: runID}
	}
	return run.Input, nil
}

func (s *MemoryStore) ReadMessages(ctx context.Context, queue string, opts api.ReadOptions) ([]api.Message, error) {
	deadline := s.now().Add(time.Duration(opts.MaxPollSeconds) * time.Second)
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		if msgs := s.readVisible(queue, opts); len(msgs) > 0 {
			return msgs, nil
		}
		if !s.now().Before(deadline) {
			return nil, nil
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *MemoryStore) readVisible(queue string, opts api.ReadOptions) []api.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var ids []int64
	for id, m := range s.messages {
		if m.queue == queue && !m.visibleAt.After(now) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if opts.BatchSize > 0 && len(ids) > opts.BatchSize {
		ids = ids[:opts.BatchSize]
	}

	out := make([]api.Message, 0, len(ids))
	for _, id := range ids {
		m := s.messages[id]
		m.readCount++
		m.visibleAt = now.Add(opts.VisibilityTimeout)
		out = append(out, api.Message{
			MsgID:      m.id,
			ReadCount:  m.readCount,
			EnqueuedAt: m.enqueuedAt,
			VisibleAt:  m.visibleAt,
			Payload:    m.payload.encode(),
		})
	}
	return out
}

func (s *MemoryStore) StartTasks(ctx context.Context, flowSlug string, msgIDs []int64, workerID string) ([]api.StepTaskRecord, error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := tx.StartTasks(ctx, flowSlug, msgIDs, workerID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *MemoryStore) CompleteTask(ctx context.Context, rec api.StepTaskRecord, output any) error {
	raw, err := encodeOutput(output)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	run, def, err := s.runLocked(rec)
	if err != nil {
		return err
	}
	now := s.now()
	dispatches, err := run.Complete(def, rec.StepSlug, rec.TaskIndex, raw, now)
	if err != nil {
		return reportError(err)
	}
	delete(s.messages, rec.MsgID)
	s.dispatchLocked(run, dispatches, now)
	return nil
}

func (s *MemoryStore) FailTask(ctx context.Context, rec api.StepTaskRecord, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, def, err := s.runLocked(rec)
	if err != nil {
		return err
	}
	now := s.now()
	outcome, err := run.Fail(def, rec.StepSlug, rec.TaskIndex, errorMessage, now)
	if err != nil {
		return reportError(err)
	}
	if m, ok := s.messages[rec.MsgID]; ok && outcome.Retry {
		m.visibleAt = now.Add(outcome.RetryDelay)
	} else {
		delete(s.messages, rec.MsgID)
	}
	s.dispatchLocked(run, outcome.Dispatches, now)
	return nil
}

func (s *MemoryStore) SendHeartbeat(ctx context.Context, workerID, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workers[workerID] = WorkerRecord{WorkerID: workerID, Queue: queue, LastHeartbeat: s.now()}
	return nil
}

// Worker returns the last heartbeat recorded for workerID.
func (s *MemoryStore) Worker(workerID string) (WorkerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	return w, ok
}

// QueueLen returns the number of messages in a queue, visible or not.
func (s *MemoryStore) QueueLen(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.messages {
		if m.queue == queue {
			n++
		}
	}
	return n
}

// Begin opens a transaction whose task claims are invisible to other
// claimers until it ends.
func (s *MemoryStore) Begin(ctx context.Context) (api.StoreTx, error) {
	return &MemoryTx{store: s}, nil
}

func (s *MemoryStore) runLocked(rec api.StepTaskRecord) (*orchestrator.Run, *orchestrator.FlowDef, error) {
	run, ok := s.runs[rec.RunID]
	if !ok {
		return nil, nil, &api.NotFoundError{Kind: "run", Key: rec.RunID}
	}
	def, ok := s.flows[run.FlowSlug]
	if !ok {
		return nil, nil, &api.NotFoundError{Kind: "flow", Key: run.FlowSlug}
	}
	return run, def, nil
}

func (s *MemoryStore) dispatchLocked(run *orchestrator.Run, dispatches []orchestrator.Dispatch, now time.Time) {
	if !run.Active() {
		for id, m := range s.messages {
			if m.payload.RunID == run.RunID {
				delete(s.messages, id)
			}
		}
		return
	}
	for _, d := range dispatches {
		s.nextID++
		m := &memMessage{
			id:    s.nextID,
			queue: run.FlowSlug,
			payload: messagePayload{
				FlowSlug:  run.FlowSlug,
				RunID:     run.RunID,
				StepSlug:  d.StepSlug,
				TaskIndex: d.TaskIndex,
			},
			enqueuedAt: now,
			visibleAt:  now.Add(d.Delay),
		}
		s.messages[m.id] = m
		if sr := run.Steps[d.StepSlug]; sr != nil && d.TaskIndex < len(sr.Tasks) {
			sr.Tasks[d.TaskIndex].MsgID = m.id
		}
	}
}

// MemoryTx is an open MemoryStore transaction.
type MemoryTx struct {
	store *MemoryStore
	held  []taskKey
	undo  []func()
	done  bool
}

func (tx *MemoryTx) StartTasks(ctx context.Context, flowSlug string, msgIDs []int64, workerID string) ([]api.StepTaskRecord, error) {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.done {
		return nil, ErrTxDone
	}
	def, ok := s.flows[flowSlug]
	if !ok {
		return nil, &api.NotFoundError{Kind: "flow", Key: flowSlug}
	}

	now := s.now()
	var out []api.StepTaskRecord
	for _, id := range msgIDs {
		m, ok := s.messages[id]
		if !ok || m.queue != flowSlug {
			continue
		}
		key := taskKey{runID: m.payload.RunID, step: m.payload.StepSlug, index: m.payload.TaskIndex}
		if holder, locked := s.locks[key]; locked && holder != tx {
			continue
		}
		run, ok := s.runs[key.runID]
		if !ok {
			continue
		}
		sr := run.Steps[key.step]
		if sr == nil || key.index < 0 || key.index >= len(sr.Tasks) {
			continue
		}
		task := sr.Tasks[key.index]
		prevTask, prevVisible := *task, m.visibleAt
		lease := run.TaskTimeout(def, key.step)
		if err := run.StartTask(key.step, key.index, now, lease); err != nil {
			if !run.Active() {
				delete(s.messages, id)
			}
			continue
		}
		m.visibleAt = now.Add(lease)
		s.locks[key] = tx
		tx.held = append(tx.held, key)
		tx.undo = append(tx.undo, func() {
			*task = prevTask
			m.visibleAt = prevVisible
		})

		input, flowInput, err := run.TaskInput(def, key.step, key.index)
		if err != nil {
			return nil, err
		}

		out = append(out, api.StepTaskRecord{
			FlowSlug:  flowSlug,
			RunID:     key.runID,
			StepSlug:  key.step,
			TaskIndex: key.index,
			Input:     input,
			MsgID:     id,
			FlowInput: flowInput,
		})
	}
	return out, nil
}

func (tx *MemoryTx) Commit(ctx context.Context) error {
	return tx.finish(false)
}

func (tx *MemoryTx) Rollback(ctx context.Context) error {
	return tx.finish(true)
}

func (tx *MemoryTx) finish(rollback bool) error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if rollback {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
	}
	for _, k := range tx.held {
		delete(s.locks, k)
	}
	return nil
}
