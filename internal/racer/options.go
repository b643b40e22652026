package racer

import (
	"time"

	"github.com/okian/racetrack/internal/race/session"
	"github.com/okian/racetrack/pkg/logger"
)

// Option configures a Racer.
type Option func(*Racer)

// WithRenderInterval sets how often the leaderboard is printed.
func WithRenderInterval(d time.Duration) Option {
	return func(r *Racer) {
		if d > 0 {
			r.renderInterval = d
		}
	}
}

// WithLinger sets how long results keep updating after the local finish.
func WithLinger(d time.Duration) Option {
	return func(r *Racer) {
		if d >= 0 {
			r.linger = d
		}
	}
}

// WithSessionOptions passes options through to the race session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(r *Racer) {
		r.sessionOpts = append(r.sessionOpts, opts...)
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Racer) {
		if l != nil {
			r.logger = l
		}
	}
}
