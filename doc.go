// Package sagaflow provides an embeddable workflow engine for Go that runs
// directed graphs of steps with saga-style compensation.
//
// # Core Concepts
//
// The programming model is small:
//
//  1. Engine
//  2. FlowBuilder
//  3. Step bodies and Results
//  4. Worker
//  5. Runtime and LocalRunner
//
// # Engine
//
// The Engine keeps workflow definitions by name and version, drives each
// execution on its own goroutine, and provides APIs to:
//   - start executions, asynchronously or waiting for the result
//   - schedule executions for later
//   - pause, resume and cancel executions
//   - read execution snapshots and list them
//
// Executions are persisted to one of several stores:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Paused executions are checkpointed, so an execution that was waiting for
// approval when the process stopped can be resumed by a new Engine on the
// same store.
//
// # FlowBuilder
//
// FlowBuilder defines the graph. A step starts once its dependencies are
// satisfied and the execution's concurrency budget allows it:
//
//	sagaflow.New("checkout").
//	    Saga("reserve", reserve, release).
//	    Saga("charge", charge, refund, sagaflow.After("reserve"), sagaflow.Circuit("payments")).
//	    Step("approve", sagaflow.AwaitApproval("approved"), sagaflow.After("charge")).
//	    Step("ship", ship, sagaflow.After("approve"))
//
// Steps can be grouped, made conditional, retried with fixed, linear,
// exponential or custom backoff, bounded by a timeout, and guarded by a
// named circuit breaker.
//
// # Results
//
// A step body returns a Result: OK with output merged into the execution
// context, Skip, Await (pause until resumed), Snooze (run again later) or
// Expand (graft new steps after this one). When a step fails, the
// compensations of completed steps run in reverse completion order.
//
// # Worker
//
// A Worker pulls scheduled starts from a queue and launches them, retrying
// launches that fail for transient reasons.
//
// # Runtime and LocalRunner
//
// Open builds a Runtime from a Config loaded from YAML and SAGAFLOW_*
// environment variables. LocalRunner bundles an in-memory engine, queue
// and workers for development and unit tests.
package sagaflow
