package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/petrijr/stepflow/pkg/api"
)

// Controller runs claimed tasks with bounded concurrency.
type Controller struct {
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// NewController allows maxConcurrent tasks to run at once.
func NewController(maxConcurrent int) *Controller {
	return &Controller{sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Start waits for a free slot and runs exec for rec in its own goroutine.
// ctx is both the wait bound and the task's cancellation signal.
func (c *Controller) Start(ctx context.Context, exec *Executor, rec api.StepTaskRecord) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.wg.Add(1)
	c.inFlight.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.sem.Release(1)
		defer c.inFlight.Add(-1)
		exec.Execute(ctx, rec)
	}()
	return nil
}

// AwaitCompletion blocks until every started task returned or ctx is done.
func (c *Controller) AwaitCompletion(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight is the number of tasks currently running.
func (c *Controller) InFlight() int { return int(c.inFlight.Load()) }
