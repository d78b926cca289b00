package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// recordingStore counts reports on top of a MemoryStore.
type recordingStore struct {
	*persistence.MemoryStore

	mu        sync.Mutex
	completes int
	fails     []string
}

func (s *recordingStore) CompleteTask(ctx context.Context, rec api.StepTaskRecord, output any) error {
	s.mu.Lock()
	s.completes++
	s.mu.Unlock()
	return s.MemoryStore.CompleteTask(ctx, rec, output)
}

func (s *recordingStore) FailTask(ctx context.Context, rec api.StepTaskRecord, msg string) error {
	s.mu.Lock()
	s.fails = append(s.fails, msg)
	s.mu.Unlock()
	return s.MemoryStore.FailTask(ctx, rec, msg)
}

func TestWorker_SingleAttemptFailsRunWithoutRetry(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{MemoryStore: persistence.NewMemoryStore()}

	var calls atomic.Int32
	flow := api.MustFlow("fragile", api.RuntimeOptions{}).
		MustStep(api.StepConfig{Slug: "always_fails", Options: api.StepOptions{
			RuntimeOptions: api.RuntimeOptions{MaxAttempts: api.Int(1)},
		}}, func(ctx context.Context, in json.RawMessage) (any, error) {
			calls.Add(1)
			return nil, errors.New("permanent failure")
		})

	w, err := New(store, []*api.Flow{flow}, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runID, err := store.StartFlow(ctx, "fragile", nil, "")
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}

	drain(t, w)
	// Nothing is requeued, even later.
	time.Sleep(50 * time.Millisecond)
	drain(t, w)

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one handler call, got %d", got)
	}
	if len(store.fails) != 1 || store.completes != 0 {
		t.Fatalf("expected one failure report and no completion, got %v / %d", store.fails, store.completes)
	}
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != api.RunFailed {
		t.Fatalf("expected failed run, got %q", run.Status)
	}
	if store.QueueLen("fragile") != 0 {
		t.Fatalf("expected empty queue after failure")
	}
}

func TestWorker_RetriesAfterBaseDelay(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a one second retry delay")
	}
	ctx := context.Background()
	store := &recordingStore{MemoryStore: persistence.NewMemoryStore()}

	var calls atomic.Int32
	flow := api.MustFlow("flaky", api.RuntimeOptions{MaxAttempts: api.Int(3), BaseDelay: api.Int(1)}).
		MustStep(api.StepConfig{Slug: "call"}, func(ctx context.Context, in json.RawMessage) (any, error) {
			if calls.Add(1) < 2 {
				return nil, errors.New("temporary failure")
			}
			return "ok", nil
		})

	w, err := New(store, []*api.Flow{flow}, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runID, err := store.StartFlow(ctx, "flaky", nil, "")
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}

	drain(t, w)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected retry to wait for its delay, got %d calls", got)
	}

	time.Sleep(1100 * time.Millisecond)
	drain(t, w)

	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != api.RunCompleted {
		t.Fatalf("expected completed run, got %q", run.Status)
	}
	if len(store.fails) != 1 || store.completes != 1 {
		t.Fatalf("expected one failure and one completion, got %v / %d", store.fails, store.completes)
	}
}

func TestWorker_ExhaustedStepCanBeSkipped(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()

	flow := api.MustFlow("optional", api.RuntimeOptions{MaxAttempts: api.Int(1)}).
		MustStep(api.StepConfig{Slug: "enrich", Options: api.StepOptions{WhenExhausted: api.PolicySkip}},
			func(ctx context.Context, in json.RawMessage) (any, error) {
				return nil, errors.New("enrichment service down")
			}).
		MustStep(api.StepConfig{Slug: "save", DependsOn: []string{"enrich"}},
			func(ctx context.Context, in json.RawMessage) (any, error) {
				return string(in), nil
			})

	w, err := New(store, []*api.Flow{flow}, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runID, err := store.StartFlow(ctx, "optional", nil, "")
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	drain(t, w)

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != api.RunCompleted {
		t.Fatalf("expected completed run, got %q", run.Status)
	}
	if run.Steps["enrich"].Status != api.StepSkipped {
		t.Fatalf("expected enrich skipped, got %q", run.Steps["enrich"].Status)
	}
	// A skipped dependency contributes no key.
	if string(run.Steps["save"].Output) != `"{}"` {
		t.Fatalf("unexpected save output %s", run.Steps["save"].Output)
	}
}

type flakyReportStore struct {
	*persistence.MemoryStore
	failuresLeft atomic.Int32
	attempts     atomic.Int32
}

func (s *flakyReportStore) CompleteTask(ctx context.Context, rec api.StepTaskRecord, output any) error {
	s.attempts.Add(1)
	if s.failuresLeft.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return s.MemoryStore.CompleteTask(ctx, rec, output)
}

func TestWorker_RetriesTransientReportFailures(t *testing.T) {
	ctx := context.Background()
	store := &flakyReportStore{MemoryStore: persistence.NewMemoryStore()}
	store.failuresLeft.Store(2)

	flow := api.MustFlow("reporting", api.RuntimeOptions{}).
		MustStep(api.StepConfig{Slug: "a"}, func(ctx context.Context, in json.RawMessage) (any, error) {
			return 1, nil
		})

	w, err := New(store, []*api.Flow{flow}, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runID, err := store.StartFlow(ctx, "reporting", nil, "")
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	drain(t, w)

	if got := store.attempts.Load(); got != 3 {
		t.Fatalf("expected 3 report attempts, got %d", got)
	}
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != api.RunCompleted {
		t.Fatalf("expected completed run, got %q", run.Status)
	}
}

func TestWorker_UnacceptedReportIsNotObservedAsCompleted(t *testing.T) {
	ctx := context.Background()
	store := &flakyReportStore{MemoryStore: persistence.NewMemoryStore()}
	store.failuresLeft.Store(100)

	flow := api.MustFlow("unreported", api.RuntimeOptions{}).
		MustStep(api.StepConfig{Slug: "a"}, func(ctx context.Context, in json.RawMessage) (any, error) {
			return 1, nil
		})

	metrics := &api.BasicMetrics{}
	w, err := New(store, []*api.Flow{flow}, testConfig(), WithObserver(metrics))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runID, err := store.StartFlow(ctx, "unreported", nil, "")
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	if n, err := w.ProcessOnce(ctx); err != nil || n != 1 {
		t.Fatalf("ProcessOnce = %d, %v", n, err)
	}

	if got := store.attempts.Load(); got != 4 {
		t.Fatalf("expected 4 report attempts, got %d", got)
	}
	snap := metrics.Snapshot()
	if snap.TasksStarted != 1 || snap.TasksCompleted != 0 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != api.RunStarted {
		t.Fatalf("expected run to stay started, got %q", run.Status)
	}
}
