package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/petrijr/stepflow/pkg/api"
)

// Executor runs one claimed task and reports its outcome to the Store.
type Executor struct {
	flow           *api.Flow
	store          api.Store
	cache          *InputCache
	workerID       string
	resources      map[string]any
	redactor       *Redactor
	observer       api.Observer
	logger         *zap.Logger
	reportRetries  int
	reportInterval time.Duration
}

// ExecutorOptions carries the optional collaborators of an Executor.
type ExecutorOptions struct {
	WorkerID  string
	Resources map[string]any
	Redactor  *Redactor
	Observer  api.Observer
	Logger    *zap.Logger

	ReportRetries  int
	ReportInterval time.Duration
}

// NewExecutor creates an Executor for the tasks of flow.
func NewExecutor(flow *api.Flow, store api.Store, cache *InputCache, opts ExecutorOptions) *Executor {
	if opts.Observer == nil {
		opts.Observer = api.NoopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = DefaultConfig().ReportRetryInterval
	}
	return &Executor{
		flow:           flow,
		store:          store,
		cache:          cache,
		workerID:       opts.WorkerID,
		resources:      opts.Resources,
		redactor:       opts.Redactor,
		observer:       opts.Observer,
		logger:         opts.Logger.With(zap.String("flow", flow.Slug())),
		reportRetries:  opts.ReportRetries,
		reportInterval: opts.ReportInterval,
	}
}

// Execute runs the handler of rec with ctx as its cancellation signal. It
// reports exactly one outcome unless ctx is cancelled while the handler is
// failing, in which case the task is left to its visibility timeout. The
// observer only hears about outcomes the Store accepted.
func (e *Executor) Execute(ctx context.Context, rec api.StepTaskRecord) {
	log := e.logger.With(
		zap.String("run_id", rec.RunID),
		zap.String("step", rec.StepSlug),
		zap.Int("task_index", rec.TaskIndex),
	)
	started := time.Now()
	e.observer.OnTaskStart(ctx, rec)

	output, err := e.run(ctx, rec)
	elapsed := time.Since(started)

	// Reports outlive the abort signal: the work is already done.
	reportCtx := context.WithoutCancel(ctx)

	if err == nil {
		if rerr := e.report(reportCtx, func(ctx context.Context) error {
			return e.store.CompleteTask(ctx, rec, output)
		}); rerr != nil {
			log.Error("complete task failed", zap.String("error", e.redactor.Redact(rerr.Error())))
			return
		}
		e.observer.OnTaskCompleted(ctx, rec, elapsed)
		return
	}

	if ctx.Err() != nil {
		log.Debug("task abandoned on shutdown", zap.Duration("elapsed", elapsed))
		e.observer.OnTaskAborted(ctx, rec)
		return
	}

	msg := e.redactor.Redact(err.Error())
	if rerr := e.report(reportCtx, func(ctx context.Context) error {
		return e.store.FailTask(ctx, rec, msg)
	}); rerr != nil {
		log.Error("fail task failed", zap.String("error", e.redactor.Redact(rerr.Error())))
		return
	}
	e.observer.OnTaskFailed(ctx, rec, errors.New(msg), elapsed)
}

func (e *Executor) run(ctx context.Context, rec api.StepTaskRecord) (any, error) {
	def, err := e.flow.GetStepDefinition(rec.StepSlug)
	if err != nil {
		return nil, err
	}

	if len(rec.FlowInput) > 0 {
		e.cache.Populate(rec.RunID, rec.FlowInput)
	}

	input := rec.Input
	if def.StepType != api.StepTypeMap {
		if input, err = api.StripUndeclared(def, rec.Input); err != nil {
			return nil, err
		}
	}

	taskCtx := api.WithTaskInfo(ctx, api.TaskInfo{WorkerID: e.workerID, Record: rec, Step: def})
	taskCtx = api.WithFlowInput(taskCtx, func(ctx context.Context) (json.RawMessage, error) {
		return e.cache.Get(ctx, rec.RunID)
	})
	for name, v := range e.resources {
		taskCtx = api.WithResource(taskCtx, name, v)
	}

	timeout := time.Duration(api.Resolve(e.flow.Options(), def.Options).Timeout) * time.Second
	taskCtx, cancel := context.WithTimeout(taskCtx, timeout)
	defer cancel()

	output, err := invoke(taskCtx, def.Handler, input)
	if err != nil && ctx.Err() == nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("step '%s' timed out after %s: %w", def.Slug, timeout, err)
	}
	return output, err
}

// invoke calls fn, turning a panic into an error.
func invoke(ctx context.Context, fn api.StepFunc, input json.RawMessage) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ctx, input)
}

// report calls fn until it succeeds, retrying transient Store errors.
func (e *Executor) report(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.reportInterval), uint64(e.reportRetries)),
		ctx,
	)
	return backoff.Retry(func() error {
		err := fn(ctx)
		if errors.Is(err, api.ErrTaskNotClaimed) || api.IsNotFound(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
