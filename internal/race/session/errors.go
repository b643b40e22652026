package session

import "errors"

// Sentinel kinds for session errors.
var (
	ErrChannelUnavailable = errors.New("broadcast channel unavailable")
	ErrMissingDependency  = errors.New("missing session dependency")
	ErrAlreadyRunning     = errors.New("session already running")
	ErrFinishWrite        = errors.New("finish write failed")
	ErrRankedUpdate       = errors.New("ranked profile update failed")
)
