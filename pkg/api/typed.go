package api

import (
	"context"
	"encoding/json"
	"fmt"
)

// TypedStep wraps a strongly-typed function into a StepFunc. The handler
// input is decoded into I with encoding/json; for a single step I is
// typically a struct with one field per dependency (or a "run" field for
// root steps), for a map step it is the element type.
//
//	stepflow.TypedStep(func(ctx context.Context, in struct{ Run int `json:"run"` }) (int, error) {
//		return in.Run + 1, nil
//	})
func TypedStep[I, O any](fn func(context.Context, I) (O, error)) StepFunc {
	return func(ctx context.Context, input json.RawMessage) (any, error) {
		var in I
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("decode step input into %T: %w", in, err)
			}
		}
		return fn(ctx, in)
	}
}

// Decode is a helper for untyped handlers that need one field of their input.
func Decode[T any](input json.RawMessage, key string) (T, error) {
	var out T
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return out, fmt.Errorf("decode step input: %w", err)
	}
	raw, ok := fields[key]
	if !ok {
		return out, fmt.Errorf("step input has no field %q", key)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode step input field %q: %w", key, err)
	}
	return out, nil
}
