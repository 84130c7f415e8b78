package job

import "errors"

var (
	// ErrUnknownTarget is returned when no function is registered under a target key.
	ErrUnknownTarget = errors.New("unknown job target")
	// ErrTargetRequired is returned when registering or resolving an empty target key.
	ErrTargetRequired = errors.New("job target is required")
	// ErrDuplicateTarget is returned when a target key is registered twice.
	ErrDuplicateTarget = errors.New("job target already registered")
	// ErrNilJobFunc is returned when registering a nil function.
	ErrNilJobFunc = errors.New("job function is required")
	// ErrInvalidPayload wraps payload decode failures of typed targets.
	ErrInvalidPayload = errors.New("invalid job payload")
)
