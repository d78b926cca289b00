package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Contains reports whether value contains pattern with the semantics of
// the Postgres jsonb @> operator: objects match when every pattern key is
// present and contains its pattern value, arrays match when every pattern
// element is contained by some value element, scalars match by equality.
func Contains(value, pattern json.RawMessage) (bool, error) {
	var v, p any
	if err := decode(value, &v); err != nil {
		return false, fmt.Errorf("decode value: %w", err)
	}
	if err := decode(pattern, &p); err != nil {
		return false, fmt.Errorf("decode pattern: %w", err)
	}
	return contains(v, p), nil
}

func decode(raw json.RawMessage, out *any) error {
	if len(raw) == 0 {
		*out = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}

func contains(v, p any) bool {
	switch pv := p.(type) {
	case map[string]any:
		vm, ok := v.(map[string]any)
		if !ok {
			return false
		}
		for k, sub := range pv {
			got, present := vm[k]
			if !present || !contains(got, sub) {
				return false
			}
		}
		return true
	case []any:
		va, ok := v.([]any)
		if !ok {
			return false
		}
		for _, want := range pv {
			found := false
			for _, have := range va {
				if contains(have, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case json.Number:
		vn, ok := v.(json.Number)
		if !ok {
			return false
		}
		if vn == pv {
			return true
		}
		a, errA := vn.Float64()
		b, errB := pv.Float64()
		return errA == nil && errB == nil && a == b
	default:
		return v == p
	}
}

// conditionMet evaluates a step's required and forbidden patterns against
// subject.
func conditionMet(s *StepDef, subject json.RawMessage) (bool, error) {
	if len(s.Condition) > 0 {
		ok, err := Contains(subject, s.Condition)
		if err != nil || !ok {
			return false, err
		}
	}
	if len(s.ConditionNot) > 0 {
		ok, err := Contains(subject, s.ConditionNot)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	return true, nil
}
