// Package repository persists races, participants and runner profiles.
package repository

import (
	"context"
	"time"

	"github.com/okian/racetrack/internal/domain/ladder"
	"github.com/okian/racetrack/internal/domain/model"
)

// Stats summarises what the store currently holds.
type Stats struct {
	Races        int
	Participants int
	Finished     int
	Ranked       int
}

// Store provides read/write access to the authoritative race state.
type Store interface {
	// CreateRace inserts a new race. Returns ErrRaceExists on id collision.
	CreateRace(ctx context.Context, race model.Race) error
	// GetRace returns a race or ErrNotFound.
	GetRace(ctx context.Context, raceID model.RaceID) (model.Race, error)
	// ListRaces returns the most recent races, newest first.
	ListRaces(ctx context.Context, limit int) ([]model.Race, error)
	// StartRace stamps the start time once and returns the effective value.
	StartRace(ctx context.Context, raceID model.RaceID, at time.Time) (time.Time, error)
	GetRaceStartTime(ctx context.Context, raceID model.RaceID) (time.Time, error)

	// JoinRace adds a participant, or reconnects one who disconnected.
	JoinRace(ctx context.Context, raceID model.RaceID, userID model.UserID) error
	ListParticipants(ctx context.Context, raceID model.RaceID) ([]model.ParticipantRecord, error)
	ReportProgress(ctx context.Context, raceID model.RaceID, userID model.UserID, distanceMeters, pace float64) error
	MarkFinished(ctx context.Context, raceID model.RaceID, userID model.UserID, distanceMeters, pace float64, place int) error
	MarkDisconnected(ctx context.Context, raceID model.RaceID, userID model.UserID) error

	GetProfile(ctx context.Context, userID model.UserID) (model.Metadata, error)
	PutProfile(ctx context.Context, userID model.UserID, meta model.Metadata) error

	GetRanked(ctx context.Context, userID model.UserID) (ladder.RankedProfile, error)
	PutRanked(ctx context.Context, profile ladder.RankedProfile) error
	// ListRankedByTiers returns profiles in the given tiers, best first.
	ListRankedByTiers(ctx context.Context, tiers []ladder.Tier, limit int) ([]ladder.RankedProfile, error)

	Stats(ctx context.Context) (Stats, error)
}
