// Package worker launches scheduled executions.
//
// Engine.Schedule records an execution in the pending state and puts a
// start task on the engine's queue with a NotBefore time. A Worker
// dequeues due tasks and calls Launch for the execution they name.
//
// # Failed launches
//
// When Launch fails, the error is classified with pkg/classify:
//
//   - retryable errors re-enqueue the task with one more attempt and a
//     NotBefore of now plus the classified delay (or Config.Backoff)
//   - retryable errors past their attempt budget, or past
//     Config.MaxAttempts, are dead-lettered and handed to
//     Config.OnDeadLetter
//   - terminal errors, such as launching an execution that is no longer
//     pending, discard the task
//
// # Running
//
// ProcessOne handles a single task and is convenient in tests. Run starts
// Config.Concurrency consumers and blocks until its context is cancelled.
// Several workers, in one process or many, can share a queue; each task is
// handed to exactly one of them.
package worker
