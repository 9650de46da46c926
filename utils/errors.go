package utils

import "errors"

// Error kinds shared across the mosaic pipeline. Callers wrap them with
// fmt.Errorf("...: %w", ErrX) and classify with errors.Is.
var (
	ErrInvalidSceneFormat = errors.New("invalid scene format")
	ErrNoOverlap          = errors.New("no overlap")
	ErrNoScenesFound      = errors.New("no scenes found")
	ErrCorruptScene       = errors.New("corrupt scene")
	ErrGridMismatch       = errors.New("grid mismatch")
	ErrOutputWriteFailure = errors.New("output write failure")
)
