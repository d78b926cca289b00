// Package orchestrator implements the run state machine behind the embedded
// Stores: dependency cascades, map fan-out, condition evaluation, skip
// propagation, retries and run completion. It is pure; callers own locking
// and persistence.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/petrijr/stepflow/pkg/api"
)

// StepDef is a registered step as the Store sees it: no handler, only the
// information carried by the compiled add_step command.
type StepDef struct {
	Slug          string             `json:"slug"`
	Dependencies  []string           `json:"dependencies"`
	StepType      api.StepType       `json:"step_type"`
	Options       api.RuntimeOptions `json:"options"`
	StartDelay    *int               `json:"start_delay,omitempty"`
	Condition     json.RawMessage    `json:"condition,omitempty"`
	ConditionNot  json.RawMessage    `json:"condition_not,omitempty"`
	WhenUnmet     api.SkipPolicy     `json:"when_unmet,omitempty"`
	WhenExhausted api.SkipPolicy     `json:"when_exhausted,omitempty"`
}

// FlowDef is a registered flow.
type FlowDef struct {
	Slug    string             `json:"slug"`
	Options api.RuntimeOptions `json:"options"`
	Steps   []StepDef          `json:"steps"`
}

// FromCommands rebuilds a FlowDef from compiled commands.
func FromCommands(flowSlug string, cmds []api.Command) (*FlowDef, error) {
	var def *FlowDef
	for _, c := range cmds {
		if c.FlowSlug != flowSlug {
			return nil, fmt.Errorf("command for flow '%s' applied to flow '%s'", c.FlowSlug, flowSlug)
		}
		switch c.Kind {
		case api.CommandCreateFlow:
			if def != nil {
				return nil, fmt.Errorf("flow '%s': duplicate create_flow command", flowSlug)
			}
			def = &FlowDef{Slug: c.FlowSlug, Options: c.Options}
		case api.CommandAddStep:
			if def == nil {
				return nil, fmt.Errorf("flow '%s': add_step before create_flow", flowSlug)
			}
			for _, dep := range c.Dependencies {
				if def.Step(dep) == nil {
					return nil, fmt.Errorf("flow '%s': step '%s' depends on unknown step '%s'", flowSlug, c.StepSlug, dep)
				}
			}
			typ := c.StepType
			if typ == "" {
				typ = api.StepTypeSingle
			}
			def.Steps = append(def.Steps, StepDef{
				Slug:          c.StepSlug,
				Dependencies:  slices.Clone(c.Dependencies),
				StepType:      typ,
				Options:       c.Options,
				StartDelay:    c.StartDelay,
				Condition:     c.Condition,
				ConditionNot:  c.ConditionNot,
				WhenUnmet:     c.WhenUnmet,
				WhenExhausted: c.WhenExhausted,
			})
		default:
			return nil, fmt.Errorf("unknown command kind %q", c.Kind)
		}
	}
	if def == nil {
		return nil, fmt.Errorf("flow '%s': no create_flow command", flowSlug)
	}
	return def, nil
}

// Step returns the step with the given slug, or nil.
func (f *FlowDef) Step(slug string) *StepDef {
	for i := range f.Steps {
		if f.Steps[i].Slug == slug {
			return &f.Steps[i]
		}
	}
	return nil
}

// Dependents returns the steps that directly depend on slug.
func (f *FlowDef) Dependents(slug string) []*StepDef {
	var out []*StepDef
	for i := range f.Steps {
		if slices.Contains(f.Steps[i].Dependencies, slug) {
			out = append(out, &f.Steps[i])
		}
	}
	return out
}

// Resolved applies flow and system defaults to a step.
func (f *FlowDef) Resolved(s *StepDef) api.Resolved {
	return api.Resolve(f.Options, api.StepOptions{
		RuntimeOptions: s.Options,
		StartDelay:     s.StartDelay,
		WhenUnmet:      s.WhenUnmet,
		WhenExhausted:  s.WhenExhausted,
	})
}

// Shape returns the persisted shape of the flow.
func (f *FlowDef) Shape() *api.FlowShape {
	shape := &api.FlowShape{Slug: f.Slug, Options: f.Options}
	for _, s := range f.Steps {
		deps := slices.Clone(s.Dependencies)
		slices.Sort(deps)
		if deps == nil {
			deps = []string{}
		}
		shape.Steps = append(shape.Steps, api.StepShape{
			Slug:         s.Slug,
			StepType:     s.StepType,
			Dependencies: deps,
			Options: api.StepTuning{
				MaxAttempts: s.Options.MaxAttempts,
				BaseDelay:   s.Options.BaseDelay,
				Timeout:     s.Options.Timeout,
				StartDelay:  s.StartDelay,
			},
		})
	}
	return shape
}
