// Package api contains the core building blocks used by stepflow. It provides
// the flow definition model, the compiler that turns a flow into Store
// commands, the shape used for drift detection, and the contract every Store
// implementation satisfies.
//
// Most users interact with the higher-level stepflow package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom Store implementations, integrations, and contributors extending
// the worker itself.
//
// # Flows
//
// A Flow is an immutable, named DAG of steps. Steps are appended with Step or
// Map, each call returning a new Flow value:
//
//	flow := api.MustFlow("greet", api.RuntimeOptions{})
//	flow = flow.MustStep(api.StepConfig{Slug: "load"}, loadFn)
//	flow = flow.MustStep(api.StepConfig{Slug: "send", DependsOn: []string{"load"}}, sendFn)
//
// A step may only depend on steps that were declared before it, so every Flow
// is acyclic by construction.
//
// # Handler input
//
// A single step's handler receives a JSON object. Root steps see the run
// input under the "run" key; dependent steps see exactly one key per declared
// dependency holding that dependency's output. A map step's handler receives
// one element of the array it fans out over.
//
// # Compilation
//
// Compile emits one create_flow statement followed by one add_step statement
// per step in declaration order. The statements are what a Store applies to
// register the flow before workers start polling its queue.
//
// # Errors
//
// Definition problems surface as *ValidationError or *NotFoundError. Worker
// state machine misuse surfaces as *TransitionError, and drift between the
// in-process flow and the Store surfaces as *FlowShapeMismatchError. Each of
// them unwraps to a go-errors value carrying a text code; use ErrorCode to
// classify an error without a type switch.
package api
