package config

import "errors"

// Configuration validation errors.
// These errors are returned by Config.Validate() and Definition.Validate()
// and can be checked with errors.Is().
var (
	// ErrNoDefinition is returned when no pipeline definition file is given
	// and none is found in the default locations.
	ErrNoDefinition = errors.New("no pipeline definition: pass a file or create pipechain.yaml")

	// ErrInvalidWorkers is returned when the fan-in worker count is not positive.
	ErrInvalidWorkers = errors.New("invalid workers: must be positive")

	// ErrInvalidQueueCapacity is returned when the queue capacity is not positive.
	ErrInvalidQueueCapacity = errors.New("invalid queue capacity: must be positive")

	// ErrInvalidCompletionTimeout is returned when the completion timeout is negative.
	// Use 0 to wait for workers without a limit.
	ErrInvalidCompletionTimeout = errors.New("invalid completion timeout: must be non-negative")

	// ErrInvalidPollInterval is returned when the poll interval is negative.
	ErrInvalidPollInterval = errors.New("invalid poll interval: must be non-negative")

	// ErrInvalidStrategy is returned for a merge strategy other than
	// "queue" or "shared".
	ErrInvalidStrategy = errors.New("invalid merge strategy: must be queue or shared")

	// ErrInvalidPolicy is returned for a failure policy other than
	// "tolerate" or "fail-fast".
	ErrInvalidPolicy = errors.New("invalid failure policy: must be tolerate or fail-fast")

	// ErrInvalidDelay is returned when the per-item delay is negative.
	ErrInvalidDelay = errors.New("invalid delay: must be non-negative")

	// ErrInvalidMaxItems is returned when the item limit is negative.
	ErrInvalidMaxItems = errors.New("invalid max items: must be non-negative")

	// ErrInvalidBatchSize is returned when the batch size is not positive.
	ErrInvalidBatchSize = errors.New("invalid batch size: must be positive")

	// ErrConflictingFormats is returned when both JSON and Markdown
	// summaries are requested.
	ErrConflictingFormats = errors.New("--json and --markdown are mutually exclusive")
)

// Definition errors.
var (
	// ErrDefinitionNotFound is returned when a definition file does not exist.
	ErrDefinitionNotFound = errors.New("pipeline definition not found")

	// ErrNoPipelineName is returned when a definition has no name.
	ErrNoPipelineName = errors.New("pipeline name is required")

	// ErrInvalidMode is returned for a mode other than "chain" or "merge".
	ErrInvalidMode = errors.New("invalid mode: must be chain or merge")

	// ErrNoStages is returned when a definition or composite stage has no stages.
	ErrNoStages = errors.New("at least one stage is required")

	// ErrStageNameRequired is returned when a stage has no name.
	ErrStageNameRequired = errors.New("stage name is required")

	// ErrStageTypeRequired is returned when a stage has no type.
	ErrStageTypeRequired = errors.New("stage type is required")

	// ErrDuplicateStageName is returned when sibling stages share a name.
	ErrDuplicateStageName = errors.New("duplicate stage name")
)
