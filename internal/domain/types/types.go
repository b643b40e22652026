// Package types contains the JSON wire shapes shared by the HTTP API and
// its client.
package types

import (
	"fmt"
	"time"

	"github.com/okian/racetrack/internal/domain/ladder"
	"github.com/okian/racetrack/internal/domain/model"
)

// Race is a race as served by the API.
type Race struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	DistanceMeters float64 `json:"distance_meters"`
	Unit           string  `json:"unit"`
	Ranked         bool    `json:"ranked"`
	CreatedAt      string  `json:"created_at"`
	StartedAt      *string `json:"started_at,omitempty"`
}

// CreateRaceRequest is the body of POST /races. An empty ID is generated.
type CreateRaceRequest struct {
	ID             string  `json:"id,omitempty"`
	Name           string  `json:"name"`
	DistanceMeters float64 `json:"distance_meters"`
	Unit           string  `json:"unit"`
	Ranked         bool    `json:"ranked"`
	// Start stamps the start time immediately.
	Start bool `json:"start,omitempty"`
}

// StartRaceResponse carries the effective start time.
type StartRaceResponse struct {
	StartedAt string `json:"started_at"`
}

// Participant is one row of a race's participants table.
type Participant struct {
	UserID         string   `json:"user_id"`
	DistanceMeters float64  `json:"distance_meters"`
	FinishTime     *string  `json:"finish_time"`
	AveragePace    *float64 `json:"average_pace"`
	Place          *int     `json:"place"`
	Disconnected   bool     `json:"disconnected"`
}

// ProgressRequest is the body of PUT .../progress.
type ProgressRequest struct {
	DistanceMeters float64 `json:"distance_meters"`
	AveragePace    float64 `json:"average_pace"`
}

// FinishRequest is the body of POST .../finish.
type FinishRequest struct {
	DistanceMeters float64 `json:"distance_meters"`
	AveragePace    float64 `json:"average_pace"`
	Place          int     `json:"place"`
}

// Profile is a runner's cosmetic metadata.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	SpriteURL   string `json:"sprite_url,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
}

// RankedProfile is a runner's ladder position.
type RankedProfile struct {
	UserID       string   `json:"user_id"`
	Tier         string   `json:"tier"`
	Division     *string  `json:"division"`
	LeaguePoints int      `json:"league_points"`
	HiddenRating *float64 `json:"hidden_rating,omitempty"`
	Label        string   `json:"label,omitempty"`
	UpdatedAt    string   `json:"updated_at,omitempty"`
}

// MatchmakingResponse lists the tiers a runner may be matched against and
// the ranked runners currently in them.
type MatchmakingResponse struct {
	Tier       string          `json:"tier"`
	Spread     int             `json:"spread"`
	Tiers      []string        `json:"tiers"`
	Candidates []RankedProfile `json:"candidates"`
}

// FromRace converts a domain race.
func FromRace(r model.Race) Race {
	out := Race{
		ID:             string(r.ID),
		Name:           r.Name,
		DistanceMeters: r.DistanceMeters,
		Unit:           r.Unit,
		Ranked:         r.Ranked,
		CreatedAt:      model.FormatFinishTime(r.CreatedAt),
	}
	if r.StartedAt != nil {
		s := model.FormatFinishTime(*r.StartedAt)
		out.StartedAt = &s
	}
	return out
}

// Model converts back to a domain race.
func (r Race) Model() (model.Race, error) {
	out := model.Race{
		ID:             model.RaceID(r.ID),
		Name:           r.Name,
		DistanceMeters: r.DistanceMeters,
		Unit:           r.Unit,
		Ranked:         r.Ranked,
	}
	if r.CreatedAt != "" {
		t, err := model.ParseFinishTime(r.CreatedAt)
		if err != nil {
			return model.Race{}, err
		}
		out.CreatedAt = t
	}
	if r.StartedAt != nil {
		t, err := model.ParseFinishTime(*r.StartedAt)
		if err != nil {
			return model.Race{}, err
		}
		out.StartedAt = &t
	}
	return out, nil
}

// FromParticipant converts a store record.
func FromParticipant(p model.ParticipantRecord) Participant {
	return Participant{
		UserID:         string(p.UserID),
		DistanceMeters: p.DistanceMeters,
		FinishTime:     p.FinishTime,
		AveragePace:    p.AveragePace,
		Place:          p.Place,
		Disconnected:   p.Disconnected,
	}
}

// Record converts back to a store record.
func (p Participant) Record() model.ParticipantRecord {
	return model.ParticipantRecord{
		UserID:         model.UserID(p.UserID),
		DistanceMeters: p.DistanceMeters,
		FinishTime:     p.FinishTime,
		AveragePace:    p.AveragePace,
		Place:          p.Place,
		Disconnected:   p.Disconnected,
	}
}

// FromMetadata builds a profile body.
func FromMetadata(id model.UserID, m model.Metadata) Profile {
	return Profile{UserID: string(id), DisplayName: m.DisplayName, SpriteURL: m.SpriteURL, CountryCode: m.CountryCode}
}

// Metadata returns the cosmetic fields.
func (p Profile) Metadata() model.Metadata {
	return model.Metadata{DisplayName: p.DisplayName, SpriteURL: p.SpriteURL, CountryCode: p.CountryCode}
}

// FromRanked converts a ladder profile.
func FromRanked(p ladder.RankedProfile) RankedProfile {
	out := RankedProfile{
		UserID:       string(p.UserID),
		Tier:         p.Tier.String(),
		LeaguePoints: p.LeaguePoints,
		HiddenRating: p.HiddenRating,
		Label:        p.Label(),
	}
	if p.Division != nil && p.Tier != ladder.Champion {
		d := p.Division.String()
		out.Division = &d
	}
	if !p.UpdatedAt.IsZero() {
		out.UpdatedAt = p.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// Model parses the tier and division back into a ladder profile.
func (p RankedProfile) Model() (ladder.RankedProfile, error) {
	tier, err := ladder.ParseTier(p.Tier)
	if err != nil {
		return ladder.RankedProfile{}, err
	}
	out := ladder.RankedProfile{
		UserID:       model.UserID(p.UserID),
		Tier:         tier,
		LeaguePoints: p.LeaguePoints,
		HiddenRating: p.HiddenRating,
	}
	switch {
	case tier == ladder.Champion:
	case p.Division == nil:
		return ladder.RankedProfile{}, fmt.Errorf("%w: %s needs a division", ladder.ErrInvalidRank, tier)
	default:
		d, err := ladder.ParseDivision(*p.Division)
		if err != nil {
			return ladder.RankedProfile{}, err
		}
		out.Division = ladder.Div(d)
	}
	if p.UpdatedAt != "" {
		t, err := model.ParseFinishTime(p.UpdatedAt)
		if err != nil {
			return ladder.RankedProfile{}, err
		}
		out.UpdatedAt = t
	}
	return out, nil
}
