package stepflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetry_NonPositiveMaxAttemptsDefaultsToOne(t *testing.T) {
	for _, n := range []int{0, -5} {
		o := Retry(n).Options()
		if o.MaxAttempts == nil || *o.MaxAttempts != 1 {
			t.Fatalf("Retry(%d): expected MaxAttempts=1, got %v", n, o.MaxAttempts)
		}
	}
}

func TestRetry_BuildsRuntimeOptions(t *testing.T) {
	o := Retry(4).WithBaseDelay(2).WithTimeout(30).Options()
	if *o.MaxAttempts != 4 || *o.BaseDelay != 2 || *o.Timeout != 30 {
		t.Fatalf("unexpected options %+v", o)
	}

	base := Retry(2)
	_ = base.WithTimeout(10)
	if base.Options().Timeout != nil {
		t.Fatalf("builders must not share state")
	}

	s := Retry(3).StepOptions()
	if *s.MaxAttempts != 3 || s.StartDelay != nil {
		t.Fatalf("unexpected step options %+v", s)
	}
}

// TestRetry_SingleAttemptFailsRun checks that Retry(1) on a step disables
// retries end to end.
func TestRetry_SingleAttemptFailsRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var calls atomic.Int32
	flow := MustFlow("retry_once", Retry(5).Options()).
		MustStep(StepConfig{Slug: "boom", Options: Retry(1).StepOptions()}, func(ctx context.Context, in json.RawMessage) (any, error) {
			calls.Add(1)
			return nil, errors.New("boom")
		})

	runner, err := NewLocalRunner([]*Flow{flow})
	if err != nil {
		t.Fatalf("NewLocalRunner: %v", err)
	}
	run, err := runner.Run(ctx, flow.Slug(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != RunFailed {
		t.Fatalf("expected failed run, got %v", run.Status)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls.Load())
	}
	if got := run.Steps["boom"].Error; got != "boom" {
		t.Fatalf("expected step error 'boom', got %q", got)
	}
}
