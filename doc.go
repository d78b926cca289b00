// Package stepflow runs DAG flows on top of a pgflow-compatible Store.
//
// A flow is a set of named steps whose dependencies form a directed acyclic
// graph. The Store owns all orchestration: it starts runs, decides which
// steps are ready, queues one task per ready step (or one per element for
// map steps), records outputs and applies retries. A Worker only polls the
// queues, executes handlers and reports results.
//
// # Core Concepts
//
//  1. Flow
//  2. StepFunc
//  3. Store
//  4. Worker
//  5. LocalRunner
//
// # Flow
//
// A Flow is an immutable definition built step by step. Each call returns a
// new Flow, so a base flow can be extended in several directions:
//
//	flow := stepflow.MustFlow("order", stepflow.Retry(3).WithTimeout(30).Options()).
//	    MustStep(stepflow.StepConfig{Slug: "validate"}, validate).
//	    MustMap(stepflow.StepConfig{Slug: "reserve", Array: "validate"}, reserve).
//	    MustStep(stepflow.StepConfig{Slug: "notify", DependsOn: []string{"reserve"}}, notify)
//
// Steps may carry a JSON containment condition (If / IfNot) together with a
// policy for when it is unmet, and a policy for when retries are exhausted:
// fail the run, skip the step, or skip the step and everything downstream.
//
// Compile turns a Flow into the statements that register it with a Store;
// CompileSQL renders them as pgflow SQL for migrations.
//
// # StepFunc
//
// A StepFunc receives JSON and returns any JSON-encodable value:
//
//	type StepFunc func(ctx context.Context, input json.RawMessage) (any, error)
//
// Root steps see {"run": <run input>}; dependent steps see an object with
// one key per completed dependency. Map steps see a single array element.
// TypedStep decodes the input into a Go value. Handlers may be retried and
// should be idempotent. The run input itself is available through
// FlowInput(ctx), fetched lazily and cached per run.
//
// # Store
//
// MemoryStore keeps everything in process. SQLiteStore persists to a single
// database file. The postgres package drives a database with the pgflow
// schema installed, using pgmq for queues.
//
// # Worker
//
// pkg/worker polls one queue per flow, bounds concurrency, sends heartbeats
// and checks on startup that the compiled flows match what the Store holds.
// The cli package wraps it in a configurable command.
//
// # LocalRunner
//
// LocalRunner bundles a MemoryStore and a Worker for development and tests.
// It is not crash-durable.
package stepflow
