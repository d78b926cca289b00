package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

type testStore interface {
	api.Store
	api.Starter
}

type storeFactory func(t *testing.T) testStore

func inMemoryStore(t *testing.T) testStore {
	t.Helper()
	return persistence.NewMemoryStore()
}

func sqliteStore(t *testing.T) testStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

var storeFactories = map[string]storeFactory{
	"in-memory": inMemoryStore,
	"sqlite":    sqliteStore,
}

// testConfig polls without blocking so ProcessOnce returns immediately.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WorkerID = "test-worker"
	cfg.MaxPollSeconds = 0
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ReportRetryInterval = time.Millisecond
	return cfg
}

func seqFlow() *api.Flow {
	return api.MustFlow("seq", api.RuntimeOptions{}).
		MustStep(api.StepConfig{Slug: "inc"}, api.TypedStep(func(ctx context.Context, in struct {
			Run int `json:"run"`
		}) (int, error) {
			return in.Run + 1, nil
		})).
		MustStep(api.StepConfig{Slug: "double", DependsOn: []string{"inc"}}, api.TypedStep(func(ctx context.Context, in struct {
			Inc int `json:"inc"`
		}) (int, error) {
			return in.Inc * 2, nil
		}))
}

// drain runs ProcessOnce until a cycle finds no work.
func drain(t *testing.T, w *Worker) int {
	t.Helper()
	total := 0
	for i := 0; i < 100; i++ {
		n, err := w.ProcessOnce(context.Background())
		if err != nil {
			t.Fatalf("ProcessOnce failed: %v", err)
		}
		if n == 0 {
			return total
		}
		total += n
	}
	t.Fatalf("work did not drain")
	return total
}

func TestWorker_SequentialFlow(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			w, err := New(store, []*api.Flow{seqFlow()}, testConfig())
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if got := drain(t, w); got != 0 {
				t.Fatalf("expected no work before a run starts, got %d", got)
			}

			runID, err := store.StartFlow(ctx, "seq", 5, "")
			if err != nil {
				t.Fatalf("StartFlow failed: %v", err)
			}
			if got := drain(t, w); got != 2 {
				t.Fatalf("expected 2 tasks, got %d", got)
			}

			run, err := store.GetRun(ctx, runID)
			if err != nil {
				t.Fatalf("GetRun failed: %v", err)
			}
			if run.Status != api.RunCompleted {
				t.Fatalf("expected completed run, got %q", run.Status)
			}
			if string(run.Steps["inc"].Output) != "6" {
				t.Fatalf("expected inc output 6, got %s", run.Steps["inc"].Output)
			}
			if string(run.Steps["double"].Output) != "12" {
				t.Fatalf("expected double output 12, got %s", run.Steps["double"].Output)
			}
		})
	}
}

func TestWorker_StartStopRunsFlowsInBackground(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			w, err := New(store, []*api.Flow{seqFlow()}, testConfig())
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if err := w.Start(ctx); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			if w.State() != StateRunning {
				t.Fatalf("expected running, got %s", w.State())
			}

			runID, err := store.StartFlow(ctx, "seq", 20, "")
			if err != nil {
				t.Fatalf("StartFlow failed: %v", err)
			}

			deadline := time.Now().Add(5 * time.Second)
			for {
				run, err := store.GetRun(ctx, runID)
				if err != nil {
					t.Fatalf("GetRun failed: %v", err)
				}
				if run.Status == api.RunCompleted {
					if string(run.Output) != `{"double":42}` {
						t.Fatalf("unexpected output %s", run.Output)
					}
					break
				}
				if time.Now().After(deadline) {
					t.Fatalf("run did not complete, status %q", run.Status)
				}
				time.Sleep(10 * time.Millisecond)
			}

			if err := w.Stop(ctx); err != nil {
				t.Fatalf("Stop failed: %v", err)
			}
			select {
			case <-w.Done():
			default:
				t.Fatalf("Done not closed after Stop")
			}
			if w.State() != StateStopped {
				t.Fatalf("expected stopped, got %s", w.State())
			}
			if err := w.Stop(ctx); err != nil {
				t.Fatalf("second Stop failed: %v", err)
			}
		})
	}
}

func TestWorker_StripsUndeclaredInputKeys(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()

	var seen atomic.Value
	flow := api.MustFlow("strip", api.RuntimeOptions{}).
		MustStep(api.StepConfig{Slug: "a"}, func(ctx context.Context, in json.RawMessage) (any, error) {
			return "A", nil
		}).
		MustStep(api.StepConfig{Slug: "b", DependsOn: []string{"a"}}, func(ctx context.Context, in json.RawMessage) (any, error) {
			return "B", nil
		}).
		MustStep(api.StepConfig{Slug: "c", DependsOn: []string{"b"}}, func(ctx context.Context, in json.RawMessage) (any, error) {
			seen.Store(string(in))
			return "C", nil
		})

	w, err := New(store, []*api.Flow{flow}, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := store.StartFlow(ctx, "strip", map[string]int{"x": 1}, ""); err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	drain(t, w)

	// c depends on b only; neither the run input nor a's output may leak in.
	if got := seen.Load(); got != `{"b":"B"}` {
		t.Fatalf("unexpected input for c: %v", got)
	}
}

func TestWorker_FlowInputAccessor(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()

	var fromDependent atomic.Value
	flow := api.MustFlow("inputs", api.RuntimeOptions{}).
		MustStep(api.StepConfig{Slug: "root"}, func(ctx context.Context, in json.RawMessage) (any, error) {
			return 1, nil
		}).
		MustStep(api.StepConfig{Slug: "leaf", DependsOn: []string{"root"}}, func(ctx context.Context, in json.RawMessage) (any, error) {
			input, err := api.FlowInput(ctx)
			if err != nil {
				return nil, err
			}
			fromDependent.Store(string(input))
			info, ok := api.TaskInfoFrom(ctx)
			if !ok || info.WorkerID != "test-worker" || info.Step.Slug != "leaf" {
				return nil, errors.New("missing task info")
			}
			return 2, nil
		})

	w, err := New(store, []*api.Flow{flow}, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runID, err := store.StartFlow(ctx, "inputs", map[string]string{"doc": "big"}, "")
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	drain(t, w)

	if got := fromDependent.Load(); got != `{"doc":"big"}` {
		t.Fatalf("unexpected flow input %v", got)
	}
	if !w.InputCache().Has(runID) {
		t.Fatalf("expected the root task to seed the input cache")
	}
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != api.RunCompleted {
		t.Fatalf("expected completed run, got %q", run.Status)
	}
}

func TestWorker_MapFanOut(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			flow := api.MustFlow("words", api.RuntimeOptions{}).
				MustMap(api.StepConfig{Slug: "length"}, api.TypedStep(func(ctx context.Context, word string) (int, error) {
					return len(word), nil
				})).
				MustStep(api.StepConfig{Slug: "total", DependsOn: []string{"length"}}, api.TypedStep(func(ctx context.Context, in struct {
					Length []int `json:"length"`
				}) (int, error) {
					sum := 0
					for _, n := range in.Length {
						sum += n
					}
					return sum, nil
				}))

			w, err := New(store, []*api.Flow{flow}, testConfig())
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			runID, err := store.StartFlow(ctx, "words", []string{"a", "bb", "ccc"}, "")
			if err != nil {
				t.Fatalf("StartFlow failed: %v", err)
			}
			if got := drain(t, w); got != 4 {
				t.Fatalf("expected 4 tasks, got %d", got)
			}

			run, err := store.GetRun(ctx, runID)
			if err != nil {
				t.Fatalf("GetRun failed: %v", err)
			}
			if string(run.Steps["length"].Output) != "[1,2,3]" {
				t.Fatalf("unexpected map output %s", run.Steps["length"].Output)
			}
			if string(run.Output) != `{"total":6}` {
				t.Fatalf("unexpected run output %s", run.Output)
			}
		})
	}
}

func TestWorker_PanicIsReportedAsFailure(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()

	flow := api.MustFlow("panics", api.RuntimeOptions{MaxAttempts: api.Int(1)}).
		MustStep(api.StepConfig{Slug: "boom"}, func(ctx context.Context, in json.RawMessage) (any, error) {
			panic("kaboom")
		})

	w, err := New(store, []*api.Flow{flow}, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runID, err := store.StartFlow(ctx, "panics", nil, "")
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	drain(t, w)

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != api.RunFailed {
		t.Fatalf("expected failed run, got %q", run.Status)
	}
	if got := run.Steps["boom"].Error; got != "handler panicked: kaboom" {
		t.Fatalf("unexpected step error %q", got)
	}
}

func TestWorker_RedactsSecretsInFailures(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	dsn := "postgres://svc:hunter2@db:5432/app"

	flow := api.MustFlow("leaky", api.RuntimeOptions{MaxAttempts: api.Int(1)}).
		MustStep(api.StepConfig{Slug: "connect"}, func(ctx context.Context, in json.RawMessage) (any, error) {
			return nil, errors.New("dial " + dsn + ": refused, key sk-123")
		})

	cfg := testConfig()
	cfg.ConnectionString = dsn
	cfg.Secrets = []string{"sk-123"}
	w, err := New(store, []*api.Flow{flow}, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runID, err := store.StartFlow(ctx, "leaky", nil, "")
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	drain(t, w)

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	want := "dial [REDACTED]: refused, key [REDACTED]"
	if got := run.Steps["connect"].Error; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestWorker_ShapeMismatchFailsStart(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()

	old := api.MustFlow("seq", api.RuntimeOptions{}).
		MustStep(api.StepConfig{Slug: "inc"}, func(ctx context.Context, in json.RawMessage) (any, error) { return nil, nil })
	cmds, err := api.Compile(old)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if err := store.ApplyCommands(ctx, "seq", cmds); err != nil {
		t.Fatalf("ApplyCommands failed: %v", err)
	}

	w, err := New(store, []*api.Flow{seqFlow()}, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = w.Start(ctx)
	var mismatch *api.FlowShapeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected FlowShapeMismatchError, got %v", err)
	}
	if len(mismatch.Differences) == 0 {
		t.Fatalf("expected differences to be listed")
	}
	if w.State() != StateStopped {
		t.Fatalf("expected stopped after failed start, got %s", w.State())
	}
}

func TestNew_RejectsBadInput(t *testing.T) {
	store := persistence.NewMemoryStore()

	if _, err := New(store, nil, testConfig()); api.ErrorCode(err) != api.ErrCodeValidation {
		t.Fatalf("expected validation error for no flows, got %v", err)
	}
	if _, err := New(store, []*api.Flow{seqFlow(), seqFlow()}, testConfig()); api.ErrorCode(err) != api.ErrCodeValidation {
		t.Fatalf("expected validation error for duplicate flows, got %v", err)
	}
	cfg := testConfig()
	cfg.MaxConcurrent = -1
	if _, err := New(store, []*api.Flow{seqFlow()}, cfg); api.ErrorCode(err) != api.ErrCodeValidation {
		t.Fatalf("expected validation error for bad config, got %v", err)
	}
}
