package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

type contractStore interface {
	api.Store
	api.Starter
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func noop(ctx context.Context, input json.RawMessage) (any, error) { return nil, nil }

var readNow = api.ReadOptions{VisibilityTimeout: 30 * time.Second, BatchSize: 10}

func register(t *testing.T, s api.Store, f *api.Flow) {
	t.Helper()
	cmds, err := api.Compile(f)
	require.NoError(t, err)
	require.NoError(t, s.ApplyCommands(context.Background(), f.Slug(), cmds))
}

// claimAll reads every visible message of queue and starts its task.
func claimAll(t *testing.T, s api.Store, queue string) []api.StepTaskRecord {
	t.Helper()
	ctx := context.Background()
	msgs, err := s.ReadMessages(ctx, queue, readNow)
	require.NoError(t, err)
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MsgID
	}
	recs, err := s.StartTasks(ctx, queue, ids, "worker-1")
	require.NoError(t, err)
	return recs
}

func runStoreContract(t *testing.T, newStore func(t *testing.T, clock *fakeClock) contractStore) {
	ctx := context.Background()

	seqFlow := func() *api.Flow {
		return api.MustFlow("seq", api.RuntimeOptions{}).
			MustStep(api.StepConfig{Slug: "inc"}, noop).
			MustStep(api.StepConfig{Slug: "double", DependsOn: []string{"inc"}}, noop)
	}

	t.Run("sequential run", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		register(t, s, seqFlow())

		runID, err := s.StartFlow(ctx, "seq", 5, "")
		require.NoError(t, err)
		require.NotEmpty(t, runID)

		recs := claimAll(t, s, "seq")
		require.Len(t, recs, 1)
		assert.Equal(t, "inc", recs[0].StepSlug)
		assert.JSONEq(t, `{"run":5}`, string(recs[0].Input))
		assert.JSONEq(t, `5`, string(recs[0].FlowInput))
		require.NoError(t, s.CompleteTask(ctx, recs[0], 6))

		recs = claimAll(t, s, "seq")
		require.Len(t, recs, 1)
		assert.Equal(t, "double", recs[0].StepSlug)
		assert.JSONEq(t, `{"inc":6}`, string(recs[0].Input))
		assert.Empty(t, recs[0].FlowInput)
		require.NoError(t, s.CompleteTask(ctx, recs[0], 12))

		run, err := s.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, api.RunCompleted, run.Status)
		assert.JSONEq(t, `{"double":12}`, string(run.Output))
		assert.Empty(t, claimAll(t, s, "seq"))
	})

	t.Run("run input", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		register(t, s, seqFlow())

		runID, err := s.StartFlow(ctx, "seq", map[string]any{"user": "u1"}, "run-42")
		require.NoError(t, err)
		assert.Equal(t, "run-42", runID)

		input, err := s.GetRunInput(ctx, runID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"user":"u1"}`, string(input))

		_, err = s.GetRunInput(ctx, "missing")
		assert.True(t, api.IsNotFound(err))
	})

	t.Run("retry then exhaust", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		register(t, s, api.MustFlow("flaky", api.RuntimeOptions{}).
			MustStep(api.StepConfig{Slug: "call", Options: api.StepOptions{
				RuntimeOptions: api.RuntimeOptions{MaxAttempts: api.Int(2), BaseDelay: api.Int(1)},
			}}, noop))

		runID, err := s.StartFlow(ctx, "flaky", nil, "")
		require.NoError(t, err)

		recs := claimAll(t, s, "flaky")
		require.Len(t, recs, 1)
		require.NoError(t, s.FailTask(ctx, recs[0], "boom"))

		assert.Empty(t, claimAll(t, s, "flaky"), "retry must wait for its delay")
		clock.Advance(time.Second)

		recs = claimAll(t, s, "flaky")
		require.Len(t, recs, 1)
		require.NoError(t, s.FailTask(ctx, recs[0], "boom again"))

		run, err := s.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, api.RunFailed, run.Status)
		assert.Equal(t, api.StepFailed, run.Steps["call"].Status)
		assert.Equal(t, "boom again", run.Steps["call"].Error)
		clock.Advance(time.Hour)
		assert.Empty(t, claimAll(t, s, "flaky"))
	})

	t.Run("single attempt fails the run", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		register(t, s, api.MustFlow("once", api.RuntimeOptions{MaxAttempts: api.Int(1)}).
			MustStep(api.StepConfig{Slug: "a"}, noop).
			MustStep(api.StepConfig{Slug: "b"}, noop))

		runID, err := s.StartFlow(ctx, "once", nil, "")
		require.NoError(t, err)

		recs := claimAll(t, s, "once")
		require.Len(t, recs, 2)
		require.NoError(t, s.FailTask(ctx, recs[0], "nope"))

		run, err := s.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, api.RunFailed, run.Status)
		assert.NotNil(t, run.FailedAt)

		// The sibling finishing late does not revive the run.
		require.NoError(t, s.CompleteTask(ctx, recs[1], "late"))
		run, err = s.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, api.RunFailed, run.Status)
	})

	t.Run("map fan-out", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		register(t, s, api.MustFlow("fan", api.RuntimeOptions{}).
			MustMap(api.StepConfig{Slug: "double"}, noop).
			MustStep(api.StepConfig{Slug: "sum", DependsOn: []string{"double"}}, noop))

		runID, err := s.StartFlow(ctx, "fan", []int{1, 2, 3}, "")
		require.NoError(t, err)

		recs := claimAll(t, s, "fan")
		require.Len(t, recs, 3)
		for _, rec := range recs {
			var n int
			require.NoError(t, json.Unmarshal(rec.Input, &n))
			require.NoError(t, s.CompleteTask(ctx, rec, n*2))
		}

		recs = claimAll(t, s, "fan")
		require.Len(t, recs, 1)
		assert.JSONEq(t, `{"double":[2,4,6]}`, string(recs[0].Input))
		require.NoError(t, s.CompleteTask(ctx, recs[0], 12))

		run, err := s.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, api.RunCompleted, run.Status)
		assert.JSONEq(t, `{"sum":12}`, string(run.Output))
	})

	t.Run("start delay", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		register(t, s, api.MustFlow("later", api.RuntimeOptions{}).
			MustStep(api.StepConfig{Slug: "a", Options: api.StepOptions{StartDelay: api.Int(10)}}, noop))

		_, err := s.StartFlow(ctx, "later", nil, "")
		require.NoError(t, err)
		assert.Empty(t, claimAll(t, s, "later"))
		clock.Advance(10 * time.Second)
		assert.Len(t, claimAll(t, s, "later"), 1)
	})

	t.Run("reporting twice", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		register(t, s, seqFlow())
		_, err := s.StartFlow(ctx, "seq", 1, "")
		require.NoError(t, err)

		recs := claimAll(t, s, "seq")
		require.Len(t, recs, 1)
		require.NoError(t, s.CompleteTask(ctx, recs[0], 2))

		err = s.CompleteTask(ctx, recs[0], 2)
		assert.True(t, errors.Is(err, api.ErrTaskNotClaimed), "got %v", err)
		err = s.FailTask(ctx, recs[0], "x")
		assert.True(t, errors.Is(err, api.ErrTaskNotClaimed), "got %v", err)
	})

	t.Run("abandoned task is reclaimed after its timeout", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		register(t, s, api.MustFlow("abandon", api.RuntimeOptions{Timeout: api.Int(5)}).
			MustStep(api.StepConfig{Slug: "a"}, noop))
		runID, err := s.StartFlow(ctx, "abandon", 1, "")
		require.NoError(t, err)

		// worker-1 claims and never reports.
		abandoned := claimAll(t, s, "abandon")
		require.Len(t, abandoned, 1)

		clock.Advance(5 * time.Second)
		assert.Empty(t, claimAll(t, s, "abandon"), "claim still held within the task timeout")

		clock.Advance(3 * time.Second)
		msgs, err := s.ReadMessages(ctx, "abandon", readNow)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		recs, err := s.StartTasks(ctx, "abandon", []int64{msgs[0].MsgID}, "worker-2")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "a", recs[0].StepSlug)
		assert.Equal(t, abandoned[0].MsgID, recs[0].MsgID)
		require.NoError(t, s.CompleteTask(ctx, recs[0], "recovered"))

		run, err := s.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, api.RunCompleted, run.Status)
		assert.JSONEq(t, `{"a":"recovered"}`, string(run.Output))

		err = s.CompleteTask(ctx, abandoned[0], "late")
		assert.True(t, errors.Is(err, api.ErrTaskNotClaimed), "got %v", err)
	})

	t.Run("reclaiming counts an attempt", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		register(t, s, api.MustFlow("recount", api.RuntimeOptions{Timeout: api.Int(1)}).
			MustStep(api.StepConfig{Slug: "a", Options: api.StepOptions{
				RuntimeOptions: api.RuntimeOptions{MaxAttempts: api.Int(2), BaseDelay: api.Int(1)},
			}}, noop))
		runID, err := s.StartFlow(ctx, "recount", nil, "")
		require.NoError(t, err)

		require.Len(t, claimAll(t, s, "recount"), 1)
		clock.Advance(4 * time.Second)
		recs := claimAll(t, s, "recount")
		require.Len(t, recs, 1)

		// The reclaim was the second and last attempt.
		require.NoError(t, s.FailTask(ctx, recs[0], "boom"))
		run, err := s.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, api.RunFailed, run.Status)
	})

	t.Run("visibility timeout hides read messages", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		register(t, s, seqFlow())
		_, err := s.StartFlow(ctx, "seq", 1, "")
		require.NoError(t, err)

		msgs, err := s.ReadMessages(ctx, "seq", api.ReadOptions{VisibilityTimeout: 5 * time.Second, BatchSize: 10})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, 1, msgs[0].ReadCount)

		msgs, err = s.ReadMessages(ctx, "seq", readNow)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		clock.Advance(5 * time.Second)
		msgs, err = s.ReadMessages(ctx, "seq", readNow)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, 2, msgs[0].ReadCount)

		var p messagePayload
		require.NoError(t, json.Unmarshal(msgs[0].Payload, &p))
		assert.Equal(t, "inc", p.StepSlug)
	})

	t.Run("read respects cancellation", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		register(t, s, seqFlow())

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.ReadMessages(cctx, "seq", api.ReadOptions{BatchSize: 1, MaxPollSeconds: 5, PollInterval: time.Millisecond})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("flow registration", func(t *testing.T) {
		s := newStore(t, newFakeClock())

		_, err := s.GetPersistedShape(ctx, "seq")
		assert.True(t, api.IsNotFound(err))
		_, err = s.StartFlow(ctx, "seq", 1, "")
		assert.True(t, api.IsNotFound(err))

		register(t, s, seqFlow())
		register(t, s, seqFlow())

		shape, err := s.GetPersistedShape(ctx, "seq")
		require.NoError(t, err)
		assert.Empty(t, api.CompareShapes(api.ExtractShape(seqFlow()), *shape, api.CompareOptions{}))

		_, err = s.StartFlow(ctx, "seq", 1, "r1")
		require.NoError(t, err)

		changed := api.MustFlow("seq", api.RuntimeOptions{}).MustStep(api.StepConfig{Slug: "only"}, noop)
		cmds, err := api.Compile(changed)
		require.NoError(t, err)
		require.NoError(t, s.ReplaceFlow(ctx, "seq", cmds))

		shape, err = s.GetPersistedShape(ctx, "seq")
		require.NoError(t, err)
		assert.Empty(t, api.CompareShapes(api.ExtractShape(changed), *shape, api.CompareOptions{}))
		_, err = s.GetRun(ctx, "r1")
		assert.Error(t, err)
		assert.Empty(t, claimAll(t, s, "seq"))
	})

	t.Run("heartbeat", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		assert.NoError(t, s.SendHeartbeat(ctx, "worker-1", "seq"))
		assert.NoError(t, s.SendHeartbeat(ctx, "worker-1", "seq"))
	})
}
