package reconciler

import "errors"

// Sentinel kinds for reconciler errors.
var (
	ErrInvalidTarget = errors.New("race distance must be positive")
	ErrMissingUser   = errors.New("local user id is required")
)
