package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/stepflow/pkg/api"
)

// Heartbeat periodically tells the Store that a worker is alive. Failures
// are logged and counted, never fatal.
type Heartbeat struct {
	store    api.Store
	workerID string
	queues   []string
	interval time.Duration
	logger   *zap.Logger
	observer api.Observer
	redactor *Redactor
	failures atomic.Int64
}

// NewHeartbeat creates a sender for workerID serving queues.
func NewHeartbeat(store api.Store, workerID string, queues []string, interval time.Duration, logger *zap.Logger, observer api.Observer, redactor *Redactor) *Heartbeat {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &Heartbeat{
		store:    store,
		workerID: workerID,
		queues:   queues,
		interval: interval,
		logger:   logger,
		observer: observer,
		redactor: redactor,
	}
}

// Send sends one heartbeat per queue.
func (h *Heartbeat) Send(ctx context.Context) {
	for _, q := range h.queues {
		err := h.store.SendHeartbeat(ctx, h.workerID, q)
		if err != nil && ctx.Err() == nil {
			h.failures.Add(1)
			h.logger.Warn("heartbeat failed",
				zap.String("worker_id", h.workerID),
				zap.String("queue", q),
				zap.String("error", h.redactor.Redact(err.Error())))
		}
		h.observer.OnHeartbeat(ctx, h.workerID, err)
	}
}

// Run sends heartbeats every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Send(ctx)
		case <-ctx.Done():
			h.logger.Debug("stopping heartbeat", zap.String("worker_id", h.workerID))
			return
		}
	}
}

// Failures is the number of heartbeats the Store rejected.
func (h *Heartbeat) Failures() int64 { return h.failures.Load() }
