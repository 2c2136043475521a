// Package model defines the data shared by the engine, the stages and the
// persistence and reporting layers.
//
//   - Item: the unit of data flowing between stages
//   - StageError: a non-fatal failure reported by a stage
//   - RunReport: the summary of one pipeline execution
//
// All types serialize to JSON for report output and database storage.
package model
