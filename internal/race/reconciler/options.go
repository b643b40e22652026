package reconciler

import (
	"time"

	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/domain/pace"
	"github.com/okian/racetrack/pkg/logger"
)

// Option applies a configuration option to the Reconciler.
type Option func(*Reconciler)

// WithOrdering injects the leaderboard comparator.
func WithOrdering(o Ordering) Option {
	return func(r *Reconciler) {
		if o != nil {
			r.ordering = o
		}
	}
}

// WithStalenessWindow overrides the in-race staleness window.
func WithStalenessWindow(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithUnit sets the race's pace unit.
func WithUnit(u pace.Unit) Option {
	return func(r *Reconciler) {
		r.unit = u
	}
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(r *Reconciler) {
		r.observer = o
	}
}

// WithMetadataRequester registers the async metadata lookup trigger.
func WithMetadataRequester(m MetadataRequester) Option {
	return func(r *Reconciler) {
		r.requestMetadata = m
	}
}

// WithLocalMetadata sets the local runner's display metadata.
func WithLocalMetadata(m model.Metadata) Option {
	return func(r *Reconciler) {
		r.localMeta = m
	}
}

// WithRaceStart sets the race start time known from the store.
func WithRaceStart(t time.Time) Option {
	return func(r *Reconciler) {
		r.raceStart = t
	}
}

// WithOvertakeRange sets the distance within which a gap sign change counts as an overtake.
// Zero disables overtake events.
func WithOvertakeRange(meters float64) Option {
	return func(r *Reconciler) {
		if meters >= 0 {
			r.overtakeRange = meters
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}
