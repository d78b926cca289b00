package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/petrijr/stepflow/pkg/api"
)

// Worker polls the queues of its flows, runs claimed tasks and reports
// their outcomes. Each flow has its own queue, named after the flow slug.
type Worker struct {
	id     string
	store  api.Store
	flows  []*api.Flow
	cfg    Config
	logger *zap.Logger

	userObserver api.Observer
	observer     api.Observer
	inputSource  api.RunInputSource
	registerer   prometheus.Registerer
	resources    map[string]any
	closers      []func()

	lifecycle  *Lifecycle
	redactor   *Redactor
	cache      *InputCache
	controller *Controller
	heartbeat  *Heartbeat
	shapes     *ShapeChecker
	metrics    *Metrics
	pollers    map[string]*Poller
	executors  map[string]*Executor

	checkOnce sync.Once
	checkErr  error

	abort context.CancelFunc
	loops sync.WaitGroup
	done  chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithObserver adds an observer of task activity.
func WithObserver(o api.Observer) Option {
	return func(w *Worker) { w.userObserver = o }
}

// WithRegisterer registers the worker's Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *Worker) { w.registerer = reg }
}

// WithInputSource replaces the Store as the source of run inputs, for
// example with a shared cache in front of it.
func WithInputSource(src api.RunInputSource) Option {
	return func(w *Worker) { w.inputSource = src }
}

// WithResource hands a named value to every handler through api.Resource.
func WithResource(name string, v any) Option {
	return func(w *Worker) { w.resources[name] = v }
}

// WithCloser registers fn to run once the worker has stopped.
func WithCloser(fn func()) Option {
	return func(w *Worker) { w.closers = append(w.closers, fn) }
}

// New creates a Worker for flows on store.
func New(store api.Store, flows []*api.Flow, cfg Config, opts ...Option) (*Worker, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(flows) == 0 {
		return nil, api.NewValidationError("worker", "at least one flow is required")
	}

	w := &Worker{
		id:        cfg.WorkerID,
		store:     store,
		flows:     flows,
		cfg:       cfg,
		logger:    zap.NewNop(),
		resources: make(map[string]any),
		pollers:   make(map[string]*Poller, len(flows)),
		executors: make(map[string]*Executor, len(flows)),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	if w.id == "" {
		w.id = uuid.NewString()
	}
	w.logger = w.logger.With(zap.String("worker_id", w.id))
	if w.inputSource == nil {
		w.inputSource = store
	}

	metrics, err := NewMetrics(w.registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	w.metrics = metrics
	observers := []api.Observer{api.NewLoggingObserver(w.logger), metrics}
	if w.userObserver != nil {
		observers = append(observers, w.userObserver)
	}
	w.observer = api.NewCompositeObserver(observers...)

	w.lifecycle = NewLifecycle(w.logger)
	w.redactor = NewRedactor(cfg.secrets()...)
	w.cache = NewInputCache(w.inputSource, cfg.InputCacheTTL)
	w.controller = NewController(cfg.MaxConcurrent)
	w.shapes = NewShapeChecker(store, cfg, w.logger)

	queues := make([]string, 0, len(flows))
	for _, f := range flows {
		if _, dup := w.pollers[f.Slug()]; dup {
			return nil, api.NewValidationError("worker", "flow '%s' registered twice", f.Slug())
		}
		queues = append(queues, f.Slug())
		w.pollers[f.Slug()] = NewPoller(store, f.Slug(), w.id, cfg.readOptions(), w.logger, w.observer, w.redactor)
		w.executors[f.Slug()] = NewExecutor(f, store, w.cache, ExecutorOptions{
			WorkerID:       w.id,
			Resources:      w.resources,
			Redactor:       w.redactor,
			Observer:       w.observer,
			Logger:         w.logger,
			ReportRetries:  cfg.ReportRetries,
			ReportInterval: cfg.ReportRetryInterval,
		})
	}
	w.heartbeat = NewHeartbeat(store, w.id, queues, cfg.HeartbeatInterval, w.logger, w.observer, w.redactor)
	return w, nil
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) State() State { return w.lifecycle.State() }

// Done is closed once the worker has stopped.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Metrics returns the worker's Prometheus observer.
func (w *Worker) Metrics() *Metrics { return w.metrics }

// InputCache returns the worker's run input cache.
func (w *Worker) InputCache() *InputCache { return w.cache }

// HeartbeatFailures is the number of heartbeats the Store rejected.
func (w *Worker) HeartbeatFailures() int64 { return w.heartbeat.Failures() }

// checkShapes registers or verifies every flow once.
func (w *Worker) checkShapes(ctx context.Context) error {
	w.checkOnce.Do(func() {
		for _, f := range w.flows {
			if err := w.shapes.Check(ctx, f); err != nil {
				w.checkErr = err
				return
			}
		}
	})
	return w.checkErr
}

// Start checks flow shapes, announces the worker and starts polling. The
// worker keeps running after ctx is done; call Stop to end it.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.lifecycle.Transition(StateStarting); err != nil {
		return err
	}
	if err := w.checkShapes(ctx); err != nil {
		w.logger.Error("startup shape check failed", zap.Error(err))
		w.shutdown()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.abort = cancel
	w.heartbeat.Send(runCtx)

	w.loops.Add(1)
	go func() {
		defer w.loops.Done()
		w.heartbeat.Run(runCtx)
	}()

	if err := w.lifecycle.Transition(StateRunning); err != nil {
		cancel()
		return err
	}
	for _, f := range w.flows {
		w.loops.Add(1)
		go func(slug string) {
			defer w.loops.Done()
			w.loop(runCtx, w.pollers[slug], w.executors[slug])
		}(f.Slug())
	}
	w.logger.Info("worker started", zap.Int("flows", len(w.flows)), zap.Int("max_concurrent", w.cfg.MaxConcurrent))
	return nil
}

func (w *Worker) loop(ctx context.Context, p *Poller, exec *Executor) {
	for ctx.Err() == nil && w.lifecycle.IsRunning() {
		tasks, err := p.Poll(ctx)
		if err != nil || (len(tasks) == 0 && w.cfg.MaxPollSeconds == 0) {
			// Non-blocking reads and Store failures wait out one interval.
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		for _, rec := range tasks {
			if err := w.controller.Start(ctx, exec, rec); err != nil {
				// Aborted while waiting for a slot; the task returns to the
				// queue when its visibility timeout expires.
				return
			}
		}
	}
}

// Stop stops polling, cancels in-flight handlers and waits up to
// ShutdownTimeout for them to return. Stopping a stopped worker is a no-op.
func (w *Worker) Stop(ctx context.Context) error {
	if w.lifecycle.State() == StateStopped {
		return nil
	}
	if err := w.lifecycle.Transition(StateStopping); err != nil {
		return err
	}
	w.logger.Info("worker stopping", zap.Int("in_flight", w.controller.InFlight()))
	if w.abort != nil {
		w.abort()
	}
	w.loops.Wait()

	waitCtx, cancel := context.WithTimeout(ctx, w.cfg.ShutdownTimeout)
	defer cancel()
	err := w.controller.AwaitCompletion(waitCtx)
	if err != nil {
		w.logger.Warn("shutdown timed out with tasks in flight", zap.Int("in_flight", w.controller.InFlight()))
	}

	w.shutdown()
	w.logger.Info("worker stopped")
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("worker %s: %d tasks still running after %s", w.id, w.controller.InFlight(), w.cfg.ShutdownTimeout)
	}
	return err
}

// shutdown releases resources and moves the lifecycle to Stopped.
func (w *Worker) shutdown() {
	for _, fn := range w.closers {
		fn()
	}
	w.closers = nil
	for w.lifecycle.State() != StateStopped {
		next := stateOrder[slices.Index(stateOrder, w.lifecycle.State())+1]
		if err := w.lifecycle.Transition(next); err != nil {
			break
		}
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

// ProcessOnce polls every flow once and runs the claimed tasks inline,
// returning how many ran. It does not need Start and must not be mixed with
// a running worker.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	if err := w.checkShapes(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, f := range w.flows {
		tasks, err := w.pollers[f.Slug()].Poll(ctx)
		if err != nil {
			return n, err
		}
		for _, rec := range tasks {
			w.executors[f.Slug()].Execute(ctx, rec)
			n++
		}
	}
	return n, ctx.Err()
}
