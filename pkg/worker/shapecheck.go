package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/petrijr/stepflow/pkg/api"
)

// ShapeChecker compares in-process flows with what the Store holds before
// the worker starts polling.
type ShapeChecker struct {
	store          api.Store
	mode           Mode
	ensureCompiled bool
	compare        api.CompareOptions
	logger         *zap.Logger
}

// NewShapeChecker builds a checker from cfg.
func NewShapeChecker(store api.Store, cfg Config, logger *zap.Logger) *ShapeChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShapeChecker{
		store:          store,
		mode:           cfg.Mode,
		ensureCompiled: cfg.EnsureCompiledOnStartup,
		compare:        api.CompareOptions{IgnoreOptions: cfg.IgnoreOptionDrift},
		logger:         logger,
	}
}

// Check registers flow when the Store does not know it and fails with
// *api.FlowShapeMismatchError when the persisted shape differs. In
// development mode a drifted flow is replaced instead.
func (c *ShapeChecker) Check(ctx context.Context, flow *api.Flow) error {
	log := c.logger.With(zap.String("flow", flow.Slug()))

	persisted, err := c.store.GetPersistedShape(ctx, flow.Slug())
	if err != nil {
		if !api.IsNotFound(err) {
			return fmt.Errorf("load shape of flow '%s': %w", flow.Slug(), err)
		}
		if !c.ensureCompiled {
			return err
		}
		cmds, err := api.Compile(flow)
		if err != nil {
			return err
		}
		if err := c.store.ApplyCommands(ctx, flow.Slug(), cmds); err != nil {
			return fmt.Errorf("register flow '%s': %w", flow.Slug(), err)
		}
		log.Info("flow registered", zap.Int("steps", flow.Len()))
		return nil
	}

	diffs := api.CompareShapes(api.ExtractShape(flow).CollapseDefaults(), persisted.CollapseDefaults(), c.compare)
	if len(diffs) == 0 {
		return nil
	}
	if c.mode != ModeDevelopment {
		return &api.FlowShapeMismatchError{FlowSlug: flow.Slug(), Differences: diffs}
	}

	cmds, err := api.Compile(flow)
	if err != nil {
		return err
	}
	if err := c.store.ReplaceFlow(ctx, flow.Slug(), cmds); err != nil {
		return fmt.Errorf("replace flow '%s': %w", flow.Slug(), err)
	}
	log.Warn("flow shape drifted, replaced persisted flow", zap.Strings("differences", diffs))
	return nil
}
