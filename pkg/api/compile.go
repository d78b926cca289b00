package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandKind identifies what a compiled Command registers.
type CommandKind string

const (
	CommandCreateFlow CommandKind = "create_flow"
	CommandAddStep    CommandKind = "add_step"
)

// Command is one compiled registration statement. SQL is the statement a
// Postgres Store executes; the remaining fields carry the same information
// in structured form for Stores that do not speak SQL.
type Command struct {
	Kind     CommandKind
	FlowSlug string
	StepSlug string
	SQL      string

	Dependencies  []string
	StepType      StepType
	Options       RuntimeOptions
	StartDelay    *int
	Condition     json.RawMessage
	ConditionNot  json.RawMessage
	WhenUnmet     SkipPolicy
	WhenExhausted SkipPolicy
}

// Compile translates a flow into its ordered registration commands: one
// create_flow, then one add_step per step in declaration order. Since a step
// can only depend on earlier steps, every dependency is emitted before its
// dependents.
func Compile(flow *Flow) ([]Command, error) {
	cmds := make([]Command, 0, flow.Len()+1)
	cmds = append(cmds, Command{
		Kind:     CommandCreateFlow,
		FlowSlug: flow.Slug(),
		Options:  flow.Options(),
		SQL: fmt.Sprintf("SELECT pgflow.create_flow(%s%s);",
			quote(flow.Slug()), formatParams(runtimeParams(flow.Options()))),
	})

	for _, step := range flow.StepsInOrder() {
		cmd := Command{
			Kind:          CommandAddStep,
			FlowSlug:      flow.Slug(),
			StepSlug:      step.Slug,
			Dependencies:  step.Dependencies,
			StepType:      step.StepType,
			Options:       step.Options.RuntimeOptions,
			StartDelay:    step.Options.StartDelay,
			WhenUnmet:     step.Options.WhenUnmet,
			WhenExhausted: step.Options.WhenExhausted,
		}

		params := runtimeParams(step.Options.RuntimeOptions)
		if d := step.Options.StartDelay; d != nil {
			params = append(params, fmt.Sprintf("start_delay => %d", *d))
		}
		if step.StepType == StepTypeMap {
			params = append(params, "step_type => 'map'")
		}
		if step.Options.If != nil {
			raw, err := json.Marshal(step.Options.If)
			if err != nil {
				return nil, NewValidationError(step.Slug, "step '%s': encode if pattern: %v", step.Slug, err)
			}
			cmd.Condition = raw
			params = append(params, "condition_pattern => "+quote(string(raw)))
		}
		if step.Options.IfNot != nil {
			raw, err := json.Marshal(step.Options.IfNot)
			if err != nil {
				return nil, NewValidationError(step.Slug, "step '%s': encode ifNot pattern: %v", step.Slug, err)
			}
			cmd.ConditionNot = raw
			params = append(params, "condition_not_pattern => "+quote(string(raw)))
		}
		if p := step.Options.WhenUnmet; p != "" {
			params = append(params, "when_unmet => "+quote(string(p)))
		}
		if p := step.Options.WhenExhausted; p != "" {
			params = append(params, "when_exhausted => "+quote(string(p)))
		}

		deps := ""
		if len(step.Dependencies) > 0 {
			quoted := make([]string, len(step.Dependencies))
			for i, d := range step.Dependencies {
				quoted[i] = quote(d)
			}
			deps = ", ARRAY[" + strings.Join(quoted, ", ") + "]"
		}

		cmd.SQL = fmt.Sprintf("SELECT pgflow.add_step(%s, %s%s%s);",
			quote(flow.Slug()), quote(step.Slug), deps, formatParams(params))
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// CompileSQL returns only the SQL statements of Compile.
func CompileSQL(flow *Flow) ([]string, error) {
	cmds, err := Compile(flow)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.SQL
	}
	return out, nil
}

func runtimeParams(o RuntimeOptions) []string {
	var parts []string
	if o.MaxAttempts != nil {
		parts = append(parts, fmt.Sprintf("max_attempts => %d", *o.MaxAttempts))
	}
	if o.BaseDelay != nil {
		parts = append(parts, fmt.Sprintf("base_delay => %d", *o.BaseDelay))
	}
	if o.Timeout != nil {
		parts = append(parts, fmt.Sprintf("timeout => %d", *o.Timeout))
	}
	return parts
}

func formatParams(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return ", " + strings.Join(parts, ", ")
}

// quote renders s as a SQL string literal, doubling embedded single quotes.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
