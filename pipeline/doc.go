// Package pipeline runs ordered lists of tasks over a dataset.
//
// Tasks pass a lazy sequence of items from one to the next; no stage ever
// materializes its whole input. The Executor records every execution as a
// PipelineRun through the Tracker, deduplicates deterministic resubmissions
// by run key, retries transient per-item failures and stops at the first
// unhandled error.
//
// Task constructors:
//   - Map: one output per input item
//   - FlatMap: zero or more outputs per input item
//   - Batch: fixed-size batches, optionally processed on a bounded worker pool
//     with input order preserved
//   - Stream: full control over the sequence
package pipeline
