package analyzer

import "errors"

var (
	// ErrInsufficientData is returned when a roofline point cannot be derived for the
	// selected code block (walltime or every AI/instruction tree failed to align).
	ErrInsufficientData = errors.New("insufficient roofline information for the requested code block")

	// ErrUnsupportedCPU is returned for roofline metadata naming an unknown CPU type.
	ErrUnsupportedCPU = errors.New("unsupported roofline CPU type")

	// ErrNotFound means the backend has no data of the requested kind for the target.
	ErrNotFound = errors.New("no data available for the target")

	// ErrInvalidSelection is returned when a node path does not exist in a metric tree.
	ErrInvalidSelection = errors.New("invalid metric tree selection")
)
