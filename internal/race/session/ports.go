package session

import (
	"context"
	"time"

	"github.com/okian/racetrack/internal/domain/ladder"
	"github.com/okian/racetrack/internal/domain/model"
)

// Subscription is a live feed of broadcast payloads. Messages may arrive in
// any order, duplicated, or not at all.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// BroadcastChannel is the per-race realtime channel.
type BroadcastChannel interface {
	// Publish is fire-and-forget; an error only means this payload was lost.
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (Subscription, error)
}

// AuthoritativeStore is the race participants table.
type AuthoritativeStore interface {
	ListParticipants(ctx context.Context, raceID model.RaceID) ([]model.ParticipantRecord, error)
	MarkFinished(ctx context.Context, raceID model.RaceID, userID model.UserID, distanceMeters, pace float64, place int) error
	MarkDisconnected(ctx context.Context, raceID model.RaceID, userID model.UserID) error
	GetRaceStartTime(ctx context.Context, raceID model.RaceID) (time.Time, error)
}

// ProgressReporter is implemented by stores that accept live distance
// updates, so peers whose broadcasts are lost still see this runner move.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, raceID model.RaceID, userID model.UserID, distanceMeters, pace float64) error
}

// ProfileLookup resolves cosmetic runner metadata.
type ProfileLookup interface {
	GetProfile(ctx context.Context, userID model.UserID) (model.Metadata, error)
}

// RankedProfileStore persists ranked profiles. Get wraps model.ErrNotFound
// for users who never raced ranked.
type RankedProfileStore interface {
	Get(ctx context.Context, userID model.UserID) (ladder.RankedProfile, error)
	Put(ctx context.Context, profile ladder.RankedProfile) error
}

// SpeedSource reports the local runner's current speed in m/s.
type SpeedSource interface {
	Speed(now time.Time) float64
}

// ConstantSpeed is a SpeedSource that never changes.
type ConstantSpeed float64

// Speed returns the constant.
func (c ConstantSpeed) Speed(time.Time) float64 { return float64(c) }
