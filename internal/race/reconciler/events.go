package reconciler

import (
	"time"

	"github.com/okian/racetrack/internal/domain/model"
)

// EventKind names something noteworthy that happened in a race view.
type EventKind int

const (
	LocalFinished EventKind = iota
	RemoteFinished
	Evicted
	Departed
	Overtake
)

func (k EventKind) String() string {
	switch k {
	case LocalFinished:
		return "local_finished"
	case RemoteFinished:
		return "remote_finished"
	case Evicted:
		return "evicted"
	case Departed:
		return "departed"
	case Overtake:
		return "overtake"
	}
	return "unknown"
}

// Event is delivered to the observer after the reconciler lock is released.
type Event struct {
	Kind     EventKind
	Identity model.Identity
	At       time.Time
	// FinishTime is set for finish events.
	FinishTime time.Duration
	// Authoritative is true when a finish came from the store.
	Authoritative bool
	// Gap is local minus remote distance for overtakes; positive means the
	// local runner just moved ahead.
	Gap float64
}

// Observer receives reconciler events. It must not call back into the reconciler
// synchronously with blocking work.
type Observer func(Event)

// MetadataRequester asks for display metadata of an unseen user.
// It must not block; results come back via ApplyMetadata or MetadataFailed.
type MetadataRequester func(userID model.UserID)
