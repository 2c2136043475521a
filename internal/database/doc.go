// Package database provides SQLite-based run history for pipechain.
//
// RunDB stores:
//   - One summary row per pipeline run (status, counts, timing)
//   - The items each run emitted
//   - The stage errors each run drained
//
// SQLite (via modernc.org/sqlite) keeps the history in a single file under
// the XDG data directory and needs no CGO. WAL mode lets the history command
// read while a run is being recorded.
//
// Recorder adapts a RunDB to the pipeline.Sink interface so that a driver
// records its output as it runs.
package database
