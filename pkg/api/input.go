package api

import (
	"encoding/json"
	"fmt"
)

// MergeInput builds the handler input of a single step: the run input under
// "run" for root steps, and exactly the outputs of the declared dependencies
// otherwise. Outputs of steps that are not declared dependencies are ignored
// even when present. A declared dependency with no entry in outputs (for
// example a skipped step) is left out.
func MergeInput(def StepDefinition, runInput json.RawMessage, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage, len(def.Dependencies)+1)
	if def.IsRoot() {
		merged[ReservedSlug] = orNull(runInput)
	}
	for _, dep := range def.Dependencies {
		if out, ok := outputs[dep]; ok {
			merged[dep] = orNull(out)
		}
	}
	return json.Marshal(merged)
}

// StripUndeclared removes every top-level key of a single step's input that
// the step is not entitled to see. Root steps keep "run"; dependent steps
// keep only their declared dependencies.
func StripUndeclared(def StepDefinition, input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return nil, fmt.Errorf("step '%s' input is not a JSON object: %w", def.Slug, err)
	}
	stripped := false
	for key := range fields {
		allowed := def.DependsOn(key) || (def.IsRoot() && key == ReservedSlug)
		if !allowed {
			delete(fields, key)
			stripped = true
		}
	}
	if !stripped {
		return input, nil
	}
	return json.Marshal(fields)
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
