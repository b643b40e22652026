package session

import (
	"time"

	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/race/reconciler"
	"github.com/okian/racetrack/pkg/logger"
)

// Option applies a configuration option to the Session.
type Option func(*Session)

// WithPollInterval sets how often the authoritative store is polled.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithTickInterval sets the local movement tick.
func WithTickInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithPublishInterval sets how often the local sample is broadcast.
func WithPublishInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.publishInterval = d
		}
	}
}

// WithStalenessWindows overrides the in-race and post-race windows.
func WithStalenessWindows(inRace, postRace time.Duration) Option {
	return func(s *Session) {
		if inRace > 0 {
			s.inRaceWindow = inRace
		}
		if postRace > 0 {
			s.postRaceWindow = postRace
		}
	}
}

// WithDedupeSize bounds the window of remembered message ids.
func WithDedupeSize(n int) Option {
	return func(s *Session) {
		s.dedupeSize = n
	}
}

// WithLookupQueue sizes the metadata lookup queue and worker count.
func WithLookupQueue(size, workers int) Option {
	return func(s *Session) {
		if size > 0 {
			s.lookupQueueSize = size
		}
		if workers > 0 {
			s.lookupWorkers = workers
		}
	}
}

// WithOrdering selects the leaderboard ordering, race ordering by default.
func WithOrdering(o reconciler.Ordering) Option {
	return func(s *Session) {
		if o != nil {
			s.ordering = o
		}
	}
}

// WithLocalMetadata sets what peers see for the local runner.
func WithLocalMetadata(m model.Metadata) Option {
	return func(s *Session) {
		s.localMeta = m
	}
}

// WithObserver receives reconciler and results events.
func WithObserver(o reconciler.Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}
