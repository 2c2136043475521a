package pipeline

import "errors"

// Construction errors. They are fatal: the engine refuses to build the
// pipeline and returns them to the caller unchanged.
var (
	// ErrUnnamedStage is returned when a stage reports an empty name.
	ErrUnnamedStage = errors.New("stage has no name")

	// ErrDuplicateStage is returned when two stages of one chain share a name.
	ErrDuplicateStage = errors.New("duplicate stage name")

	// ErrNilStage is returned when a nil stage is passed to a constructor.
	ErrNilStage = errors.New("nil stage")

	// ErrNoStages is returned when a fan-in is built without stages.
	ErrNoStages = errors.New("no stages to merge")
)

// Traversal errors.
var (
	// ErrMergeTimeout is recorded when workers do not finish within the
	// completion timeout.
	ErrMergeTimeout = errors.New("merge completion timeout exceeded")

	// ErrSequenceClosed is returned by Next after Close.
	ErrSequenceClosed = errors.New("sequence closed")
)
