package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/petrijr/stepflow/pkg/api"
)

// Poller claims tasks of one flow in two phases: ReadMessages hides a batch
// from other readers, then StartTasks locks the tasks behind it. Tasks another
// worker locked first are simply missing from the result.
type Poller struct {
	store    api.Store
	flowSlug string
	workerID string
	opts     api.ReadOptions
	logger   *zap.Logger
	observer api.Observer
	redactor *Redactor
}

// NewPoller creates a Poller on the queue named after flowSlug.
func NewPoller(store api.Store, flowSlug, workerID string, opts api.ReadOptions, logger *zap.Logger, observer api.Observer, redactor *Redactor) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &Poller{
		store:    store,
		flowSlug: flowSlug,
		workerID: workerID,
		opts:     opts,
		logger:   logger.With(zap.String("flow", flowSlug)),
		observer: observer,
		redactor: redactor,
	}
}

// Poll returns the tasks claimed in one cycle. Store errors are logged and
// returned with an empty batch; cancellation returns nothing and no error.
func (p *Poller) Poll(ctx context.Context) ([]api.StepTaskRecord, error) {
	msgs, err := p.store.ReadMessages(ctx, p.flowSlug, p.opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		p.logger.Error("read messages failed", zap.String("error", p.redactor.Redact(err.Error())))
		return nil, err
	}
	if len(msgs) == 0 {
		p.observer.OnPoll(ctx, p.flowSlug, 0, 0)
		return nil, nil
	}

	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MsgID
	}
	tasks, err := p.store.StartTasks(ctx, p.flowSlug, ids, p.workerID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		p.logger.Error("start tasks failed", zap.Int("messages", len(ids)), zap.String("error", p.redactor.Redact(err.Error())))
		return nil, err
	}
	if len(tasks) < len(msgs) {
		p.logger.Debug("some messages were claimed elsewhere",
			zap.Int("messages", len(msgs)),
			zap.Int("tasks", len(tasks)))
	}
	p.observer.OnPoll(ctx, p.flowSlug, len(msgs), len(tasks))
	return tasks, nil
}
