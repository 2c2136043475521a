package pipes

import "errors"

var (
	// ErrUnknownStageType is returned by the factory for an unregistered type.
	ErrUnknownStageType = errors.New("unknown stage type")

	// ErrInvalidOption is returned when an option value cannot be used.
	ErrInvalidOption = errors.New("invalid option")

	// ErrMissingOption is returned when a required option is not set.
	ErrMissingOption = errors.New("missing option")

	// ErrUnboundReference is returned when an option refers to a stage that
	// has no current item.
	ErrUnboundReference = errors.New("unbound reference")

	// ErrMissingAttribute is returned when a referenced item lacks the
	// requested attribute.
	ErrMissingAttribute = errors.New("missing attribute")
)
