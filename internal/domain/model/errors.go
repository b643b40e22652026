package model

import "errors"

// Sentinel kinds for model errors.
var (
	ErrMalformedSample = errors.New("malformed sample")
	ErrTimestampParse  = errors.New("timestamp parse failed")
	// ErrNotFound is returned (wrapped) by stores for missing races, participants or profiles.
	ErrNotFound = errors.New("not found")
)
