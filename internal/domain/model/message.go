package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// SampleMessage is the broadcast wire payload for a realtime sample.
// Required fields are pointers so absence can be told apart from zero.
type SampleMessage struct {
	MessageID          string   `json:"message_id,omitempty"`
	UserID             *string  `json:"user_id"`
	DistanceMeters     *float64 `json:"distance_meters"`
	PaceMinutesPerUnit *float64 `json:"pace_minutes_per_unit,omitempty"`
	SpeedMps           *float64 `json:"speed_mps"`
	DisplayName        string   `json:"display_name,omitempty"`
	SpriteURL          string   `json:"sprite_url,omitempty"`
	CountryCode        string   `json:"country_code,omitempty"`
}

// NewSampleMessage builds an outgoing message with a fresh message id.
func NewSampleMessage(id UserID, distance, pace, speed float64, meta Metadata) SampleMessage {
	uid := string(id)
	return SampleMessage{
		MessageID:          uuid.NewString(),
		UserID:             &uid,
		DistanceMeters:     &distance,
		PaceMinutesPerUnit: &pace,
		SpeedMps:           &speed,
		DisplayName:        meta.DisplayName,
		SpriteURL:          meta.SpriteURL,
		CountryCode:        meta.CountryCode,
	}
}

// Encode marshals the message to JSON.
func (m SampleMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeSampleMessage parses and validates a broadcast payload.
func DecodeSampleMessage(payload []byte) (SampleMessage, RemoteSample, error) {
	var m SampleMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return SampleMessage{}, RemoteSample{}, fmt.Errorf("%w: %w", ErrMalformedSample, err)
	}
	s, err := m.Sample()
	if err != nil {
		return m, RemoteSample{}, err
	}
	return m, s, nil
}

// Sample validates the message and converts it to a RemoteSample.
// A missing pace is derived from speed by the consumer.
func (m SampleMessage) Sample() (RemoteSample, error) {
	switch {
	case m.UserID == nil || strings.TrimSpace(*m.UserID) == "":
		return RemoteSample{}, fmt.Errorf("%w: missing user_id", ErrMalformedSample)
	case m.DistanceMeters == nil || !finite(*m.DistanceMeters) || *m.DistanceMeters < 0:
		return RemoteSample{}, fmt.Errorf("%w: missing or invalid distance_meters", ErrMalformedSample)
	case m.SpeedMps == nil || !finite(*m.SpeedMps):
		return RemoteSample{}, fmt.Errorf("%w: missing or invalid speed_mps", ErrMalformedSample)
	}
	s := RemoteSample{
		UserID:         UserID(*m.UserID),
		DistanceMeters: *m.DistanceMeters,
		SpeedMps:       *m.SpeedMps,
	}
	if m.PaceMinutesPerUnit != nil && finite(*m.PaceMinutesPerUnit) {
		s.PaceMinutesPerUnit = *m.PaceMinutesPerUnit
	}
	if m.DisplayName != "" || m.SpriteURL != "" || m.CountryCode != "" {
		s.Metadata = &Metadata{DisplayName: m.DisplayName, SpriteURL: m.SpriteURL, CountryCode: m.CountryCode}
	}
	return s, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
