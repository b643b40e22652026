package ladder

import "errors"

// Sentinel kinds for ladder errors.
var (
	ErrInvalidRank = errors.New("invalid rank")
)
