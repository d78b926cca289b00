package api

import (
	"context"
	"encoding/json"
	"slices"
)

// StepFunc is the user code behind a step.
//
// For single steps input is a JSON object: {"run": <run input>} for root
// steps, {"<dep>": <dep output>, ...} for dependent steps. For map steps
// input is one element of the array being mapped over. The returned value
// must be JSON encodable; it becomes the step (or map element) output.
//
// ctx is cancelled when the worker shuts down or the step timeout elapses.
type StepFunc func(ctx context.Context, input json.RawMessage) (any, error)

// StepConfig describes a step being added to a Flow.
type StepConfig struct {
	Slug      string
	DependsOn []string
	// Array names the step whose array output a map step fans out over.
	// Empty means the run input itself is the array.
	Array   string
	Options StepOptions
}

// StepDefinition is an immutable step inside a Flow.
type StepDefinition struct {
	Slug         string
	Dependencies []string
	StepType     StepType
	Handler      StepFunc
	Options      StepOptions
}

// IsRoot reports whether the step has no dependencies.
func (d StepDefinition) IsRoot() bool { return len(d.Dependencies) == 0 }

// DependsOn reports whether slug is one of the step's declared dependencies.
func (d StepDefinition) DependsOn(slug string) bool {
	return slices.Contains(d.Dependencies, slug)
}

// Flow is an immutable DAG of steps. Step and Map never modify the receiver;
// they return a new Flow that shares the existing step definitions.
type Flow struct {
	slug    string
	options RuntimeOptions
	order   []string
	steps   map[string]*StepDefinition
}

// NewFlow creates an empty flow.
func NewFlow(slug string, opts RuntimeOptions) (*Flow, error) {
	if err := ValidateSlug(slug); err != nil {
		return nil, err
	}
	if err := validateRuntimeOptions(slug, opts); err != nil {
		return nil, err
	}
	return &Flow{
		slug:    slug,
		options: opts,
		steps:   map[string]*StepDefinition{},
	}, nil
}

// MustFlow is NewFlow that panics on error. Intended for package-level flow
// declarations.
func MustFlow(slug string, opts RuntimeOptions) *Flow {
	f, err := NewFlow(slug, opts)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Flow) Slug() string            { return f.slug }
func (f *Flow) Options() RuntimeOptions { return f.options }

// StepOrder returns the step slugs in declaration order.
func (f *Flow) StepOrder() []string { return slices.Clone(f.order) }

// Len returns the number of steps.
func (f *Flow) Len() int { return len(f.order) }

// GetStepDefinition looks up a step by slug.
func (f *Flow) GetStepDefinition(slug string) (StepDefinition, error) {
	def, ok := f.steps[slug]
	if !ok {
		return StepDefinition{}, &NotFoundError{Kind: "step", Key: slug}
	}
	return *def, nil
}

// StepsInOrder returns every step definition in declaration order.
func (f *Flow) StepsInOrder() []StepDefinition {
	out := make([]StepDefinition, 0, len(f.order))
	for _, s := range f.order {
		out = append(out, *f.steps[s])
	}
	return out
}

// Dependents returns the slugs of steps that directly depend on slug.
func (f *Flow) Dependents(slug string) []string {
	var out []string
	for _, s := range f.order {
		if f.steps[s].DependsOn(slug) {
			out = append(out, s)
		}
	}
	return out
}

// Step returns a new Flow with a single step appended.
func (f *Flow) Step(cfg StepConfig, fn StepFunc) (*Flow, error) {
	if cfg.Array != "" {
		return nil, NewValidationError(cfg.Slug, "step '%s': array is only valid for map steps", cfg.Slug)
	}
	return f.add(cfg, StepTypeSingle, fn)
}

// Map returns a new Flow with a map step appended. A map step runs fn once
// per element of its source array: the output of cfg.Array (or of its only
// dependency), or the run input when it has no dependency.
func (f *Flow) Map(cfg StepConfig, fn StepFunc) (*Flow, error) {
	deps := cfg.DependsOn
	if cfg.Array != "" {
		if len(deps) > 0 && !(len(deps) == 1 && deps[0] == cfg.Array) {
			return nil, NewValidationError(cfg.Slug, "map step '%s' can only depend on its array source '%s'", cfg.Slug, cfg.Array)
		}
		deps = []string{cfg.Array}
	}
	if len(deps) > 1 {
		return nil, NewValidationError(cfg.Slug, "map step '%s' can have at most one dependency, got %d", cfg.Slug, len(deps))
	}
	cfg.DependsOn = deps
	cfg.Array = ""
	return f.add(cfg, StepTypeMap, fn)
}

// MustStep is Step that panics on error.
func (f *Flow) MustStep(cfg StepConfig, fn StepFunc) *Flow {
	next, err := f.Step(cfg, fn)
	if err != nil {
		panic(err)
	}
	return next
}

// MustMap is Map that panics on error.
func (f *Flow) MustMap(cfg StepConfig, fn StepFunc) *Flow {
	next, err := f.Map(cfg, fn)
	if err != nil {
		panic(err)
	}
	return next
}

func (f *Flow) add(cfg StepConfig, typ StepType, fn StepFunc) (*Flow, error) {
	if err := ValidateSlug(cfg.Slug); err != nil {
		return nil, err
	}
	if _, exists := f.steps[cfg.Slug]; exists {
		return nil, NewValidationError(cfg.Slug, "Step '%s' already exists in flow '%s'", cfg.Slug, f.slug)
	}
	if fn == nil {
		return nil, NewValidationError(cfg.Slug, "step '%s' has no handler", cfg.Slug)
	}
	seen := make(map[string]struct{}, len(cfg.DependsOn))
	for _, dep := range cfg.DependsOn {
		if _, ok := f.steps[dep]; !ok {
			return nil, NewValidationError(cfg.Slug, "Step '%s' depends on undefined step '%s'", cfg.Slug, dep)
		}
		if _, dup := seen[dep]; dup {
			return nil, NewValidationError(cfg.Slug, "Step '%s' lists dependency '%s' twice", cfg.Slug, dep)
		}
		seen[dep] = struct{}{}
	}
	if err := validateStepOptions(cfg.Slug, cfg.Options); err != nil {
		return nil, err
	}

	def := &StepDefinition{
		Slug:         cfg.Slug,
		Dependencies: slices.Clone(cfg.DependsOn),
		StepType:     typ,
		Handler:      fn,
		Options:      cfg.Options,
	}

	next := &Flow{
		slug:    f.slug,
		options: f.options,
		order:   append(slices.Clip(f.order), cfg.Slug),
		steps:   make(map[string]*StepDefinition, len(f.steps)+1),
	}
	for k, v := range f.steps {
		next.steps[k] = v
	}
	next.steps[cfg.Slug] = def
	return next, nil
}
