// Package api contains the core building blocks used by the sagaflow
// orchestration engine: step and workflow definitions, step bodies and
// their result shapes, execution snapshots, observers and the Engine
// interface itself.
//
// Most users interact with the higher-level sagaflow package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom integrations and for code extending the engine.
//
// # Steps
//
// A Step is one node of a workflow graph. It names its dependencies
// (DependsOn, DependsOnAny, DependsOnGroup, DependsOnGraft), its retry and
// timeout policy, what happens when it fails (OnError) and, optionally, a
// compensating rollback that is run when the workflow fails later on.
//
// The work itself is a Body. Bodies form a closed set constructed once,
// up front:
//
//   - Func / FuncWithRollback wrap plain functions.
//   - Module wraps a value with Perform (and optionally Rollback).
//   - Ref wraps a function reference together with fixed arguments.
//   - SubWorkflow runs another registered workflow to completion.
//
// # Results
//
// A body returns a Result describing what the engine should do next:
//
//   - OK merges the returned map into the execution context.
//   - Done completes the step without changing the context.
//   - Skip marks the step skipped with a reason.
//   - Await pauses the whole execution until it is resumed.
//   - Expand grafts additional steps into the running graph.
//   - Snooze asks to be run again after a delay.
//
// Returning an error instead hands the failure to the step's retry policy
// and, once that is exhausted, to its OnError setting.
//
// # Observability
//
// Engines report lifecycle events to an Observer as named events carrying
// measurements and metadata. LoggingObserver writes them with log/slog,
// MetricsObserver aggregates them into a go-metrics registry, and
// CompositeObserver fans them out.
package api
