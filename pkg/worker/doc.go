// Package worker runs the step handlers of stepflow flows.
//
// A Worker serves one or more flows. Each flow has its own queue, named after
// the flow slug, which the Worker polls in a loop: it reads a batch of
// messages, claims the corresponding tasks with api.Store.StartTasks, runs
// each handler and reports the outcome with CompleteTask or FailTask. The
// Store decides what happens next (dependents become ready, a failed task is
// retried after its delay, the run completes or fails); the Worker never
// makes scheduling decisions of its own.
//
// # Lifecycle
//
// A Worker moves through created, starting, running, stopping and stopped.
// Start verifies every flow against the shape the Store holds (see
// ShapeChecker), sends a first heartbeat and begins polling. Stop cancels
// in-flight handlers and waits up to Config.ShutdownTimeout for them to
// return. A handler cancelled by Stop is not reported; its task becomes
// visible again once the visibility timeout expires.
//
// ProcessOnce runs a single poll cycle inline, which is what tests and
// one-shot tools use.
//
// # Handlers
//
// Handlers receive their input as JSON. Keys the step did not declare are
// stripped before the call. The run input is always reachable through
// api.FlowInput, backed by an InputCache so a run's input is fetched at most
// once per worker. Named resources registered with WithResource are available
// through api.Resource.
//
// A handler that panics, returns an error or overruns its timeout is
// reported as failed. Error messages pass through a Redactor, which masks the
// database connection string and any Config.Secrets.
//
// # Observability
//
// Every Worker logs through zap and exports Prometheus metrics (see Metrics).
// Additional api.Observer implementations can be attached with WithObserver.
package worker
