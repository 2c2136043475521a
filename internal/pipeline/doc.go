// Package pipeline is the execution engine of pipechain.
//
// A pipeline is built from Stage values. Each stage produces a lazy,
// non-restartable Sequence of items given an optional upstream item and the
// current Bindings (the item each named stage yielded last).
//
// Two ways of combining stages are provided:
//
//   - Chain runs stages as a dependent chain and yields the dependent
//     cartesian product of their outputs. The sequence of a stage is built
//     from the item its predecessor just yielded, so a stage that yields
//     nothing for an upstream item prunes that branch.
//   - NewMerge runs independent stages concurrently on a bounded worker
//     pool and merges their output under backpressure, either through
//     per-worker queues (StrategyQueue) or one shared queue closed by an
//     end-of-stream marker (StrategyShared).
//
// SequentialStage and FanInStage wrap both as stages so that they nest.
// A Driver runs a root stage once, calls stage hooks around the run and
// hands every item and drained error to a Sink.
//
// Per-item failures never abort a traversal: they are recorded in the
// Bindings, the failing sequence is treated as exhausted, and the Driver
// drains and reports them after every step. Construction failures are
// returned immediately.
package pipeline
