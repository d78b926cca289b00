package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

type failingHeartbeatStore struct {
	*persistence.MemoryStore
	calls atomic.Int32
}

func (s *failingHeartbeatStore) SendHeartbeat(ctx context.Context, workerID, queue string) error {
	s.calls.Add(1)
	return errors.New("dial tcp 10.0.0.5:5432: connect: connection refused password=hunter2")
}

func TestHeartbeat_FailuresAreCountedNotFatal(t *testing.T) {
	store := &failingHeartbeatStore{MemoryStore: persistence.NewMemoryStore()}
	hb := NewHeartbeat(store, "w1", []string{"a", "b"}, time.Hour, nil, nil, NewRedactor("hunter2"))

	hb.Send(context.Background())

	if got := store.calls.Load(); got != 2 {
		t.Fatalf("expected one heartbeat per queue, got %d", got)
	}
	if got := hb.Failures(); got != 2 {
		t.Fatalf("expected 2 failures, got %d", got)
	}
}

func TestHeartbeat_RunSendsUntilCancelled(t *testing.T) {
	store := persistence.NewMemoryStore()
	hb := NewHeartbeat(store, "w1", []string{"q"}, 5*time.Millisecond, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := store.Worker("w1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no heartbeat recorded")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestWorker_StartSurvivesHeartbeatFailures(t *testing.T) {
	store := &failingHeartbeatStore{MemoryStore: persistence.NewMemoryStore()}
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond

	w, err := New(store, []*api.Flow{seqFlow()}, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = w.Stop(context.Background()) }()

	// Start sends one heartbeat synchronously.
	if store.calls.Load() < 1 {
		t.Fatalf("expected a heartbeat on start")
	}

	runID, err := store.StartFlow(context.Background(), "seq", 1, "")
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		run, err := store.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if run.Status == api.RunCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not complete, status %q", run.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if w.HeartbeatFailures() < 1 {
		t.Fatalf("expected heartbeat failures to be counted")
	}
	if w.State() != StateRunning {
		t.Fatalf("expected worker to keep running, got %s", w.State())
	}
}
