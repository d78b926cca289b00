package api

import (
	"encoding/json"
	"regexp"
)

// StepType distinguishes single steps from map (fan-out) steps.
type StepType string

const (
	StepTypeSingle StepType = "single"
	StepTypeMap    StepType = "map"
)

// SkipPolicy decides what happens to a step whose condition is unmet or
// whose retries are exhausted.
type SkipPolicy string

const (
	// PolicyFail fails the whole run.
	PolicyFail SkipPolicy = "fail"
	// PolicySkip marks only this step as skipped; dependents still run and
	// see no output for it.
	PolicySkip SkipPolicy = "skip"
	// PolicySkipCascade skips this step and every transitive dependent.
	PolicySkipCascade SkipPolicy = "skip-cascade"
)

func (p SkipPolicy) valid() bool {
	switch p {
	case PolicyFail, PolicySkip, PolicySkipCascade:
		return true
	}
	return false
}

// System defaults applied when neither the step nor the flow sets a value.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1
	DefaultTimeout     = 60
)

// MaxSlugLength is the longest accepted flow or step slug.
const MaxSlugLength = 128

// ReservedSlug names the handler input key holding the run input.
const ReservedSlug = "run"

var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateSlug checks a flow or step slug.
func ValidateSlug(slug string) error {
	switch {
	case slug == "":
		return NewValidationError(slug, "Slug cannot be empty")
	case len(slug) > MaxSlugLength:
		return NewValidationError(slug, "Slug '%s' cannot be longer than %d characters", slug, MaxSlugLength)
	case slug == ReservedSlug:
		return NewValidationError(slug, "Slug '%s' is reserved and cannot be used", slug)
	case !slugPattern.MatchString(slug):
		return NewValidationError(slug, "Slug '%s' must match %s", slug, slugPattern.String())
	}
	return nil
}

// RuntimeOptions holds retry and timeout settings. Nil fields are unset and
// fall back to the next level (step, then flow, then system default).
// Delays and timeouts are in seconds.
type RuntimeOptions struct {
	MaxAttempts *int `json:"maxAttempts,omitempty"`
	BaseDelay   *int `json:"baseDelay,omitempty"`
	Timeout     *int `json:"timeout,omitempty"`
}

// StepOptions are the per-step overrides.
type StepOptions struct {
	RuntimeOptions

	// StartDelay postpones the step's first task by this many seconds.
	StartDelay *int `json:"startDelay,omitempty"`

	// If is a JSON containment pattern that must match for the step to run.
	// Root steps test it against the run input, dependent steps against the
	// object of their dependencies' outputs.
	If any `json:"if,omitempty"`
	// IfNot is a pattern that must NOT match for the step to run.
	IfNot any `json:"ifNot,omitempty"`

	// WhenUnmet applies when the condition is not met. Defaults to skip.
	WhenUnmet SkipPolicy `json:"whenUnmet,omitempty"`
	// WhenExhausted applies once all attempts failed. Unset means the
	// Store default, which fails the run.
	WhenExhausted SkipPolicy `json:"whenExhausted,omitempty"`
}

// HasCondition reports whether either condition pattern is set.
func (o StepOptions) HasCondition() bool {
	return o.If != nil || o.IfNot != nil
}

// Int returns a pointer to v, for filling option fields inline.
func Int(v int) *int { return &v }

func validateRuntimeOptions(subject string, o RuntimeOptions) error {
	if o.MaxAttempts != nil && *o.MaxAttempts <= 0 {
		return NewValidationError(subject, "maxAttempts must be greater than 0 (got %d)", *o.MaxAttempts)
	}
	if o.BaseDelay != nil && *o.BaseDelay <= 0 {
		return NewValidationError(subject, "baseDelay must be greater than 0 (got %d)", *o.BaseDelay)
	}
	if o.Timeout != nil && *o.Timeout <= 0 {
		return NewValidationError(subject, "timeout must be greater than 0 (got %d)", *o.Timeout)
	}
	return nil
}

func validateStepOptions(subject string, o StepOptions) error {
	if err := validateRuntimeOptions(subject, o.RuntimeOptions); err != nil {
		return err
	}
	if o.StartDelay != nil && *o.StartDelay < 0 {
		return NewValidationError(subject, "startDelay must be at least 0 (got %d)", *o.StartDelay)
	}
	if o.WhenUnmet != "" && !o.WhenUnmet.valid() {
		return NewValidationError(subject, "whenUnmet must be one of fail, skip, skip-cascade (got %q)", o.WhenUnmet)
	}
	if o.WhenExhausted != "" && !o.WhenExhausted.valid() {
		return NewValidationError(subject, "whenExhausted must be one of fail, skip, skip-cascade (got %q)", o.WhenExhausted)
	}
	for name, pattern := range map[string]any{"if": o.If, "ifNot": o.IfNot} {
		if pattern == nil {
			continue
		}
		if _, err := json.Marshal(pattern); err != nil {
			return NewValidationError(subject, "%s pattern is not JSON encodable: %v", name, err)
		}
	}
	return nil
}

func resolveInt(step, flow *int, def int) int {
	if step != nil {
		return *step
	}
	if flow != nil {
		return *flow
	}
	return def
}

// Resolved is a step's effective settings after applying defaults.
type Resolved struct {
	MaxAttempts   int
	BaseDelay     int
	Timeout       int
	StartDelay    int
	WhenUnmet     SkipPolicy
	WhenExhausted SkipPolicy
}

// Resolve merges step options over flow options over system defaults.
func Resolve(flow RuntimeOptions, step StepOptions) Resolved {
	r := Resolved{
		MaxAttempts:   resolveInt(step.MaxAttempts, flow.MaxAttempts, DefaultMaxAttempts),
		BaseDelay:     resolveInt(step.BaseDelay, flow.BaseDelay, DefaultBaseDelay),
		Timeout:       resolveInt(step.Timeout, flow.Timeout, DefaultTimeout),
		StartDelay:    resolveInt(step.StartDelay, nil, 0),
		WhenUnmet:     step.WhenUnmet,
		WhenExhausted: step.WhenExhausted,
	}
	if r.WhenUnmet == "" {
		r.WhenUnmet = PolicySkip
	}
	if r.WhenExhausted == "" {
		r.WhenExhausted = PolicyFail
	}
	return r
}

// RetryPolicy returns the exponential policy the Store applies to the step.
func (r Resolved) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy:  RetryExponential,
		Limit:     r.MaxAttempts,
		BaseDelay: r.BaseDelay,
		MaxDelay:  DefaultMaxDelay,
	}
}
