package main

import (
	"context"
	"strings"

	"github.com/petrijr/stepflow"
)

func demoFlows() []*stepflow.Flow {
	return []*stepflow.Flow{sequentialFlow(), fanOutFlow(), conditionalFlow()}
}

// sequentialFlow: {"run": n} -> n+1 -> (n+1)*2.
func sequentialFlow() *stepflow.Flow {
	return stepflow.MustFlow("demo_sequential", stepflow.RuntimeOptions{}).
		MustStep(stepflow.StepConfig{Slug: "inc"}, stepflow.TypedStep(func(ctx context.Context, in struct {
			Run int `json:"run"`
		}) (int, error) {
			return in.Run + 1, nil
		})).
		MustStep(stepflow.StepConfig{Slug: "double", DependsOn: []string{"inc"}}, stepflow.TypedStep(func(ctx context.Context, in struct {
			Inc int `json:"inc"`
		}) (int, error) {
			return in.Inc * 2, nil
		}))
}

// fanOutFlow upper-cases every word of the input array in its own task.
func fanOutFlow() *stepflow.Flow {
	return stepflow.MustFlow("demo_fan_out", stepflow.Retry(3).WithTimeout(10).Options()).
		MustMap(stepflow.StepConfig{Slug: "upper"}, stepflow.TypedStep(func(ctx context.Context, word string) (string, error) {
			return strings.ToUpper(word), nil
		})).
		MustStep(stepflow.StepConfig{Slug: "join", DependsOn: []string{"upper"}}, stepflow.TypedStep(func(ctx context.Context, in struct {
			Upper []string `json:"upper"`
		}) (string, error) {
			return strings.Join(in.Upper, " "), nil
		}))
}

// conditionalFlow only notifies when the input asks for it.
func conditionalFlow() *stepflow.Flow {
	return stepflow.MustFlow("demo_conditional", stepflow.RuntimeOptions{}).
		MustStep(stepflow.StepConfig{Slug: "order"}, stepflow.TypedStep(func(ctx context.Context, in struct {
			Run struct {
				Item   string `json:"item"`
				Notify bool   `json:"notify"`
			} `json:"run"`
		}) (map[string]any, error) {
			return map[string]any{"item": in.Run.Item, "notify": in.Run.Notify}, nil
		})).
		MustStep(stepflow.StepConfig{
			Slug:      "notify",
			DependsOn: []string{"order"},
			Options:   stepflow.StepOptions{If: map[string]any{"order": map[string]any{"notify": true}}},
		}, stepflow.TypedStep(func(ctx context.Context, in struct {
			Order struct {
				Item string `json:"item"`
			} `json:"order"`
		}) (string, error) {
			return "notified about " + in.Order.Item, nil
		}))
}
