package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/internal/orchestrator"
	"github.com/petrijr/stepflow/pkg/api"
)

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T, clock *fakeClock) contractStore {
		return NewMemoryStore(WithClock(clock.Now))
	})
}

func readIDs(t *testing.T, s api.Store, queue string) []int64 {
	t.Helper()
	msgs, err := s.ReadMessages(context.Background(), queue, readNow)
	require.NoError(t, err)
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MsgID
	}
	return ids
}

func TestMemoryStore_ClaimIsLockedUntilCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	register(t, s, api.MustFlow("locked", api.RuntimeOptions{}).
		MustStep(api.StepConfig{Slug: "a"}, noop))
	runID, err := s.StartFlow(ctx, "locked", nil, "")
	require.NoError(t, err)
	ids := readIDs(t, s, "locked")
	require.Len(t, ids, 1)

	tx1, err := s.Begin(ctx)
	require.NoError(t, err)
	recs, err := tx1.StartTasks(ctx, "locked", ids, "w1")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	tx2, err := s.Begin(ctx)
	require.NoError(t, err)
	got, err := tx2.StartTasks(ctx, "locked", ids, "w2")
	require.NoError(t, err)
	assert.Empty(t, got)

	time.Sleep(100 * time.Millisecond)
	got, err = tx2.StartTasks(ctx, "locked", ids, "w2")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, tx1.Commit(ctx))
	got, err = tx2.StartTasks(ctx, "locked", ids, "w2")
	require.NoError(t, err)
	assert.Empty(t, got, "committed claim is still held by w1")
	require.NoError(t, tx2.Rollback(ctx))
	assert.ErrorIs(t, tx1.Commit(ctx), ErrTxDone)

	require.NoError(t, s.CompleteTask(ctx, recs[0], "ok"))
	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, api.RunCompleted, run.Status)
	assert.JSONEq(t, `{"a":"ok"}`, string(run.Output))
}

func TestMemoryStore_RollbackReleasesClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	register(t, s, api.MustFlow("rb", api.RuntimeOptions{}).
		MustStep(api.StepConfig{Slug: "a"}, noop))
	runID, err := s.StartFlow(ctx, "rb", nil, "")
	require.NoError(t, err)
	ids := readIDs(t, s, "rb")

	tx1, err := s.Begin(ctx)
	require.NoError(t, err)
	recs, err := tx1.StartTasks(ctx, "rb", ids, "w1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NoError(t, tx1.Rollback(ctx))

	recs, err = s.StartTasks(ctx, "rb", ids, "w2")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NoError(t, s.CompleteTask(ctx, recs[0], "ok"))

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, api.RunCompleted, run.Status)
}

func TestMemoryStore_RollbackUndoesClaimWhenInputFails(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	register(t, s, api.MustFlow("badinput", api.RuntimeOptions{}).
		MustMap(api.StepConfig{Slug: "each"}, noop))
	runID, err := s.StartFlow(ctx, "badinput", []int{1, 2}, "")
	require.NoError(t, err)
	ids := readIDs(t, s, "badinput")
	require.Len(t, ids, 2)

	s.mu.Lock()
	s.runs[runID].Input = json.RawMessage(`"not an array"`)
	s.mu.Unlock()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.StartTasks(ctx, "badinput", ids, "w1")
	require.ErrorContains(t, err, "expects an array input")
	require.NoError(t, tx.Rollback(ctx))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.runs[runID].Steps["each"].Tasks {
		assert.Equal(t, orchestrator.TaskQueued, task.Status)
		assert.Zero(t, task.Attempts)
		assert.True(t, task.ClaimedUntil.IsZero())
	}
	assert.Empty(t, s.locks)
}

func TestMemoryStore_RollbackKeepsLapsedClaimReclaimable(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))
	register(t, s, api.MustFlow("relapse", api.RuntimeOptions{Timeout: api.Int(1)}).
		MustStep(api.StepConfig{Slug: "a", Options: api.StepOptions{
			RuntimeOptions: api.RuntimeOptions{MaxAttempts: api.Int(3), BaseDelay: api.Int(1)},
		}}, noop))
	runID, err := s.StartFlow(ctx, "relapse", nil, "")
	require.NoError(t, err)
	require.Len(t, claimAll(t, s, "relapse"), 1)

	clock.Advance(time.Minute)
	ids := readIDs(t, s, "relapse")
	require.Len(t, ids, 1)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	recs, err := tx.StartTasks(ctx, "relapse", ids, "w2")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NoError(t, tx.Rollback(ctx))

	recs, err = s.StartTasks(ctx, "relapse", ids, "w3")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	// The rolled back claim did not count: this failure is attempt two of three.
	require.NoError(t, s.FailTask(ctx, recs[0], "boom"))
	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, api.RunStarted, run.Status)
}

func TestMemoryStore_ConcurrentClaimersNeverShareTasks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	register(t, s, api.MustFlow("race", api.RuntimeOptions{}).
		MustMap(api.StepConfig{Slug: "each"}, noop))

	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}
	runID, err := s.StartFlow(ctx, "race", items, "")
	require.NoError(t, err)
	ids := readIDs(t, s, "race")
	require.Len(t, ids, 10)

	var (
		mu      sync.Mutex
		claimed = map[int]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs, err := s.StartTasks(ctx, "race", ids, "w")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			for _, r := range recs {
				claimed[r.TaskIndex]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 10)
	for idx, n := range claimed {
		assert.Equal(t, 1, n, "task %d claimed %d times", idx, n)
	}

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, api.StepStarted, run.Steps["each"].Status)
}

func TestMemoryStore_Heartbeat(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))
	require.NoError(t, s.SendHeartbeat(context.Background(), "w1", "q"))

	rec, ok := s.Worker("w1")
	require.True(t, ok)
	assert.Equal(t, "q", rec.Queue)
	assert.Equal(t, clock.Now(), rec.LastHeartbeat)

	_, ok = s.Worker("w2")
	assert.False(t, ok)
}

func TestMemoryStore_QueueLen(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	register(t, s, api.MustFlow("q", api.RuntimeOptions{}).
		MustStep(api.StepConfig{Slug: "a"}, noop).
		MustStep(api.StepConfig{Slug: "b"}, noop))
	_, err := s.StartFlow(ctx, "q", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 2, s.QueueLen("q"))
	assert.Equal(t, 0, s.QueueLen("other"))
}
