package repository

import (
	"time"

	"github.com/okian/racetrack/pkg/logger"
)

// Option applies a configuration option to the Repository.
type Option func(*Repository)

// WithClock replaces time.Now for created, joined and finish stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}
