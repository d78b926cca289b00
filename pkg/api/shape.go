package api

import (
	"fmt"
	"slices"
	"strings"
)

// StepShape is the structural part of a step used for drift detection.
type StepShape struct {
	Slug         string     `json:"slug"`
	StepType     StepType   `json:"stepType"`
	Dependencies []string   `json:"dependencies"` // sorted
	Options      StepTuning `json:"options"`
}

// StepTuning holds the numeric step options as persisted. Nil means the
// step inherits the flow or system value.
type StepTuning struct {
	MaxAttempts *int `json:"maxAttempts,omitempty"`
	BaseDelay   *int `json:"baseDelay,omitempty"`
	Timeout     *int `json:"timeout,omitempty"`
	StartDelay  *int `json:"startDelay,omitempty"`
}

// FlowShape is the ordered list of step shapes of a flow.
type FlowShape struct {
	Slug    string         `json:"slug"`
	Options RuntimeOptions `json:"options"`
	Steps   []StepShape    `json:"steps"`
}

// CompareOptions tunes CompareShapes.
type CompareOptions struct {
	// IgnoreOptions restricts the comparison to slugs, step types and
	// dependencies.
	IgnoreOptions bool
}

// ExtractShape derives the shape of an in-process flow.
func ExtractShape(flow *Flow) FlowShape {
	shape := FlowShape{Slug: flow.Slug(), Options: flow.Options()}
	for _, s := range flow.StepsInOrder() {
		deps := slices.Clone(s.Dependencies)
		slices.Sort(deps)
		if deps == nil {
			deps = []string{}
		}
		shape.Steps = append(shape.Steps, StepShape{
			Slug:         s.Slug,
			StepType:     s.StepType,
			Dependencies: deps,
			Options: StepTuning{
				MaxAttempts: s.Options.MaxAttempts,
				BaseDelay:   s.Options.BaseDelay,
				Timeout:     s.Options.Timeout,
				StartDelay:  s.Options.StartDelay,
			},
		})
	}
	return shape
}

// CollapseDefaults returns s with flow options equal to the system defaults
// cleared. Stores that persist resolved flow options and flows that leave
// them unset then compare equal.
func (s FlowShape) CollapseDefaults() FlowShape {
	collapse := func(v *int, def int) *int {
		if v != nil && *v == def {
			return nil
		}
		return v
	}
	s.Options = RuntimeOptions{
		MaxAttempts: collapse(s.Options.MaxAttempts, DefaultMaxAttempts),
		BaseDelay:   collapse(s.Options.BaseDelay, DefaultBaseDelay),
		Timeout:     collapse(s.Options.Timeout, DefaultTimeout),
	}
	return s
}

// CompareShapes lists every difference between a and b, comparing steps
// position by position. An empty result means the shapes match.
func CompareShapes(a, b FlowShape, opts CompareOptions) []string {
	var diffs []string

	if !opts.IgnoreOptions {
		if d := diffInts(runtimeTuning(a.Options), runtimeTuning(b.Options)); d != "" {
			diffs = append(diffs, "Flow options differ: "+d)
		}
	}

	if len(a.Steps) != len(b.Steps) {
		diffs = append(diffs, fmt.Sprintf("Step count differs: %d vs %d", len(a.Steps), len(b.Steps)))
	}

	n := max(len(a.Steps), len(b.Steps))
	for i := 0; i < n; i++ {
		switch {
		case i >= len(a.Steps):
			diffs = append(diffs, fmt.Sprintf("Step at index %d: missing in first shape (second has '%s')", i, b.Steps[i].Slug))
			continue
		case i >= len(b.Steps):
			diffs = append(diffs, fmt.Sprintf("Step at index %d: missing in second shape (first has '%s')", i, a.Steps[i].Slug))
			continue
		}
		diffs = append(diffs, compareSteps(i, a.Steps[i], b.Steps[i], opts)...)
	}
	return diffs
}

func compareSteps(i int, a, b StepShape, opts CompareOptions) []string {
	var diffs []string
	if a.Slug != b.Slug {
		diffs = append(diffs, fmt.Sprintf("Step at index %d: slug differs '%s' vs '%s'", i, a.Slug, b.Slug))
	}
	if a.StepType != b.StepType {
		diffs = append(diffs, fmt.Sprintf("Step at index %d: type differs '%s' vs '%s'", i, a.StepType, b.StepType))
	}
	da, db := sortedCopy(a.Dependencies), sortedCopy(b.Dependencies)
	if !slices.Equal(da, db) {
		diffs = append(diffs, fmt.Sprintf("Step at index %d: dependencies differ [%s] vs [%s]",
			i, strings.Join(da, ", "), strings.Join(db, ", ")))
	}
	if !opts.IgnoreOptions {
		if d := diffInts(stepTuning(a.Options), stepTuning(b.Options)); d != "" {
			diffs = append(diffs, fmt.Sprintf("Step at index %d: options differ: %s", i, d))
		}
	}
	return diffs
}

type namedInt struct {
	name string
	v    *int
}

func runtimeTuning(o RuntimeOptions) []namedInt {
	return []namedInt{{"maxAttempts", o.MaxAttempts}, {"baseDelay", o.BaseDelay}, {"timeout", o.Timeout}}
}

func stepTuning(o StepTuning) []namedInt {
	return []namedInt{
		{"maxAttempts", o.MaxAttempts}, {"baseDelay", o.BaseDelay},
		{"timeout", o.Timeout}, {"startDelay", o.StartDelay},
	}
}

func diffInts(a, b []namedInt) string {
	var parts []string
	for i := range a {
		if !intPtrEqual(a[i].v, b[i].v) {
			parts = append(parts, fmt.Sprintf("%s %s vs %s", a[i].name, fmtIntPtr(a[i].v), fmtIntPtr(b[i].v)))
		}
	}
	return strings.Join(parts, ", ")
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func fmtIntPtr(v *int) string {
	if v == nil {
		return "unset"
	}
	return fmt.Sprint(*v)
}

func sortedCopy(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}
