// Package model contains domain models passed between layers.
package model

import (
	"time"
)

// UserID identifies a runner across races.
type UserID string

// RaceID identifies one race instance.
type RaceID string

// IdentityKind tags which side of a race view a runner is on.
type IdentityKind int

const (
	// LocalIdentity is the runner whose distance is measured on this device.
	LocalIdentity IdentityKind = iota
	// RemoteIdentity is any other participant.
	RemoteIdentity
)

// Identity is the tagged identity of a runner in one race view.
// The local runner is never keyed by a magic user id.
type Identity struct {
	kind IdentityKind
	user UserID
}

// Local returns the identity of the local runner.
func Local(id UserID) Identity { return Identity{kind: LocalIdentity, user: id} }

// Remote returns the identity of a remote runner.
func Remote(id UserID) Identity { return Identity{kind: RemoteIdentity, user: id} }

// IsLocal reports whether the identity is the local runner.
func (i Identity) IsLocal() bool { return i.kind == LocalIdentity }

// Kind returns the identity tag.
func (i Identity) Kind() IdentityKind { return i.kind }

// UserID returns the underlying user id.
func (i Identity) UserID() UserID { return i.user }

func (i Identity) String() string {
	if i.IsLocal() {
		return "local:" + string(i.user)
	}
	return "remote:" + string(i.user)
}

// Metadata is cosmetic, non-authoritative runner information.
type Metadata struct {
	DisplayName string
	SpriteURL   string
	CountryCode string
}

// PlaceholderMetadata is used until a profile lookup resolves.
func PlaceholderMetadata(id UserID) Metadata {
	return Metadata{DisplayName: string(id)}
}

// RemoteSample is one validated realtime update from another participant.
type RemoteSample struct {
	UserID             UserID
	DistanceMeters     float64
	PaceMinutesPerUnit float64
	SpeedMps           float64
	// Metadata is optional; senders may attach their own display data.
	Metadata *Metadata
}

// RunnerView is one row of a leaderboard projection.
type RunnerView struct {
	Identity           Identity
	Metadata           Metadata
	DistanceMeters     float64
	PaceMinutesPerUnit float64
	SpeedMps           float64
	Finished           bool
	// FinishTime is elapsed time since race start; meaningful when Finished.
	FinishTime time.Duration
	// Provisional marks a finish observed from realtime samples only.
	Provisional  bool
	LastUpdateAt time.Time
}

// UserID returns the runner's user id.
func (v RunnerView) UserID() UserID { return v.Identity.UserID() }

// ParticipantRecord is one row of the authoritative participants table.
type ParticipantRecord struct {
	UserID         UserID
	DistanceMeters float64
	// FinishTime is an ISO8601 timestamp; nil while the runner is still going.
	FinishTime   *string
	AveragePace  *float64
	Place        *int
	Disconnected bool
}

// FinishState reports whether and when the local runner finished.
type FinishState struct {
	Finished bool
	Elapsed  time.Duration
}

// FinishTimeSeconds returns the elapsed finish time in seconds when finished.
func (s FinishState) FinishTimeSeconds() (float64, bool) {
	if !s.Finished {
		return 0, false
	}
	return s.Elapsed.Seconds(), true
}

// Race is the scheduled race as known to the store.
type Race struct {
	ID             RaceID
	Name           string
	DistanceMeters float64
	Unit           string
	Ranked         bool
	CreatedAt      time.Time
	StartedAt      *time.Time
}
