package model

import (
	"sort"
	"time"
)

// RunStatus describes how a pipeline run ended.
type RunStatus string

const (
	// RunStatusComplete means every stage was drained.
	RunStatusComplete RunStatus = "complete"

	// RunStatusPartial means the run finished but at least one stage failed
	// or the item limit was reached.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed means the run aborted with a fatal error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled means the context was cancelled before completion.
	RunStatusCancelled RunStatus = "cancelled"
)

// StageError is a non-fatal failure reported by a stage during traversal.
type StageError struct {
	// Stage is the name of the failing stage. Empty when unknown.
	Stage string `json:"stage"`

	// Message is the human-readable error text.
	Message string `json:"message"`

	// Err is the original error. It is not serialized.
	Err error `json:"-"`
}

// NewStageError creates a StageError from an error value.
func NewStageError(stage string, err error) StageError {
	return StageError{Stage: stage, Message: err.Error(), Err: err}
}

// Error implements the error interface.
func (e StageError) Error() string {
	if e.Stage == "" {
		return e.Message
	}
	return e.Stage + ": " + e.Message
}

// Unwrap returns the underlying error.
func (e StageError) Unwrap() error {
	return e.Err
}

// RunReport summarizes a single pipeline execution.
type RunReport struct {
	// ID is assigned by the database when the run is saved.
	ID int64 `json:"id,omitempty"`

	// Pipeline is the name of the executed pipeline definition.
	Pipeline string `json:"pipeline"`

	// Mode is "chain" or "merge".
	Mode string `json:"mode"`

	// StartedAt and FinishedAt bound the execution.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Status is the final state of the run.
	Status RunStatus `json:"status"`

	// ItemCount is the number of items emitted by the root stage.
	ItemCount int `json:"item_count"`

	// ItemsByStage counts emitted items per producing stage.
	ItemsByStage map[string]int `json:"items_by_stage"`

	// Errors holds every non-fatal error drained during the run.
	Errors []StageError `json:"errors,omitempty"`

	// FatalError is the message of the error that aborted the run.
	FatalError string `json:"fatal_error,omitempty"`

	// ModifiesState mirrors the root stage flag.
	ModifiesState bool `json:"modifies_state"`

	// Persisted is true when the sink committed side effects.
	Persisted bool `json:"persisted"`
}

// NewRunReport creates a RunReport for the named pipeline.
func NewRunReport(pipeline, mode string) *RunReport {
	return &RunReport{
		Pipeline:     pipeline,
		Mode:         mode,
		StartedAt:    time.Now(),
		Status:       RunStatusComplete,
		ItemsByStage: make(map[string]int),
		Errors:       make([]StageError, 0),
	}
}

// AddItem counts an emitted item.
func (r *RunReport) AddItem(item Item) {
	r.ItemCount++
	r.ItemsByStage[item.Stage]++
}

// AddError records a non-fatal error and downgrades the status to partial.
func (r *RunReport) AddError(e StageError) {
	r.Errors = append(r.Errors, e)
	if r.Status == RunStatusComplete {
		r.Status = RunStatusPartial
	}
}

// Fail records a fatal error.
func (r *RunReport) Fail(err error) {
	r.Status = RunStatusFailed
	r.FatalError = err.Error()
}

// Finish stamps the finish time.
func (r *RunReport) Finish() {
	r.FinishedAt = time.Now()
}

// Duration returns the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// StageNames returns the producing stages sorted by name.
func (r *RunReport) StageNames() []string {
	names := make([]string, 0, len(r.ItemsByStage))
	for name := range r.ItemsByStage {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasErrors reports whether any non-fatal or fatal error occurred.
func (r *RunReport) HasErrors() bool {
	return len(r.Errors) > 0 || r.FatalError != ""
}
