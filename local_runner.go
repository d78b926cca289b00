package stepflow

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/worker"
)

var errRunActive = errors.New("stepflow: run still active")

// LocalRunner bundles a MemoryStore and a Worker serving a fixed set of
// flows, for development, tests and single-process tools.
//
// Typical usage:
//
//	runner, err := stepflow.NewLocalRunner([]*stepflow.Flow{flow})
//	...
//	run, err := runner.Run(ctx, flow.Slug(), input)
//
// Run drives the worker inline. For background processing call Start,
// then StartFlow and Wait, and finally Stop.
type LocalRunner struct {
	// Store holds flows, runs and queues.
	Store *MemoryStore

	// Worker serves every flow given to NewLocalRunner.
	Worker *worker.Worker
}

// LocalConfig is the worker configuration NewLocalRunner uses: reads never
// block and idle loops re-check the queue every 10ms.
func LocalConfig() worker.Config {
	cfg := worker.DefaultConfig()
	cfg.MaxPollSeconds = 0
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

// NewLocalRunner registers flows on a fresh MemoryStore and builds a Worker
// for them with LocalConfig.
func NewLocalRunner(flows []*Flow, opts ...worker.Option) (*LocalRunner, error) {
	store := NewMemoryStore()
	for _, f := range flows {
		if err := Register(context.Background(), store, f); err != nil {
			return nil, err
		}
	}
	w, err := worker.New(store, flows, LocalConfig(), opts...)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{Store: store, Worker: w}, nil
}

// Start runs the worker in the background until Stop.
func (r *LocalRunner) Start(ctx context.Context) error {
	return r.Worker.Start(ctx)
}

// Stop stops the background worker. It is a no-op if Start was never called.
func (r *LocalRunner) Stop(ctx context.Context) error {
	if r.Worker.State() == worker.StateCreated {
		return nil
	}
	return r.Worker.Stop(ctx)
}

// StartFlow starts a run and returns its id without waiting for it.
func (r *LocalRunner) StartFlow(ctx context.Context, flowSlug string, input any) (string, error) {
	return r.Store.StartFlow(ctx, flowSlug, input, "")
}

// Wait blocks until the run completes or fails, or ctx is done. When the
// worker was not started, Wait processes tasks itself.
func (r *LocalRunner) Wait(ctx context.Context, runID string) (*Run, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0

	var run *Run
	err := backoff.Retry(func() error {
		if r.Worker.State() == worker.StateCreated {
			if _, err := r.Worker.ProcessOnce(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		got, err := r.Store.GetRun(ctx, runID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if got.Status == api.RunStarted {
			return errRunActive
		}
		run = got
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Run starts a run and waits for it to finish.
func (r *LocalRunner) Run(ctx context.Context, flowSlug string, input any) (*Run, error) {
	runID, err := r.StartFlow(ctx, flowSlug, input)
	if err != nil {
		return nil, err
	}
	return r.Wait(ctx, runID)
}
