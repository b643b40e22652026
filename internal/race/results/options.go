package results

import (
	"time"

	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/domain/pace"
	"github.com/okian/racetrack/internal/race/reconciler"
	"github.com/okian/racetrack/pkg/logger"
)

// Option applies a configuration option to the Aggregator.
type Option func(*Aggregator)

// WithRaceStart sets the start used to turn finish timestamps into elapsed times.
func WithRaceStart(t time.Time) Option {
	return func(a *Aggregator) {
		a.raceStart = t
	}
}

// WithTarget sets the race distance so realtime samples can detect finishes.
func WithTarget(meters float64) Option {
	return func(a *Aggregator) {
		if meters > 0 {
			a.target = meters
		}
	}
}

// WithUnit sets the pace unit used to derive missing paces.
func WithUnit(u pace.Unit) Option {
	return func(a *Aggregator) {
		a.unit = u
	}
}

// WithStalenessWindow overrides the post-race window.
func WithStalenessWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithDeparted carries over users already known to have left.
func WithDeparted(ids []model.UserID) Option {
	return func(a *Aggregator) {
		for _, id := range ids {
			a.departed[id] = struct{}{}
		}
	}
}

// WithOrdering sets the standings comparator.
func WithOrdering(o reconciler.Ordering) Option {
	return func(a *Aggregator) {
		if o != nil {
			a.ordering = o
		}
	}
}

// WithObserver registers a finish/eviction observer.
func WithObserver(o reconciler.Observer) Option {
	return func(a *Aggregator) {
		a.observer = o
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}
