// Package core implements the continuous-batching request scheduler and the
// paged KV-cache block allocator that it drives.
//
// # Reading Guide
//
// Start with these files to understand the core:
//   - sequence.go: per-generation state (tokens, block table, sampling params)
//   - request.go: sibling Sequences sharing one prompt, output delivery
//   - block.go: the fixed-size KV-cache block pool
//   - batch_formation.go: per-step selection of which Sequences run
//   - scheduler.go: admission, pools, preemption, the step loop
//
// # Architecture
//
// One goroutine (the scheduler loop, started by Scheduler.Start) owns all
// mutable core state: the waiting/running pools and the Allocator.
// Producers submit work through Submit, which enqueues onto a bounded
// channel; they never touch scheduler state directly. Output delivery runs
// on the scheduler goroutine by calling each Request's sink directly; there
// is no per-Request output queue, so a slow sink delays the step. A sink
// returning false is back-pressure and cancels its Request.
//
// Extension points are registered once at construction and dispatched
// through a small fixed interface rather than open-ended inheritance:
//   - Engine: the model forward call (external collaborator, see engine.go)
//   - policy.WaitingOrder: how the waiting pool is ordered before admission
//
// Model weights, tokenization, chat templates and wire transport are
// external collaborators and are not part of this package.
package core
