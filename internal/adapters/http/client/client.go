// Package client talks to the race API over HTTP. It implements the store,
// profile and ranked profile ports of a race session.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/okian/racetrack/internal/domain/ladder"
	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/domain/types"
	"github.com/okian/racetrack/internal/race/session"
	"github.com/okian/racetrack/pkg/logger"
)

const defaultTimeout = 10 * time.Second

// Sentinel kinds for client errors.
var (
	ErrNotFound = fmt.Errorf("client: %w", model.ErrNotFound)
	ErrConflict = errors.New("conflict")
	ErrRequest  = errors.New("request rejected")
	ErrServer   = errors.New("server error")
)

var (
	_ session.AuthoritativeStore = (*Client)(nil)
	_ session.ProgressReporter   = (*Client)(nil)
	_ session.ProfileLookup      = (*Client)(nil)
	_ session.RankedProfileStore = RankedProfiles{}
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client is a race API client.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger logger.Logger
}

// New parses baseURL (for example http://localhost:8080) and returns a Client.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: defaultTimeout},
		logger: logger.Named("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RelayURL returns the websocket URL of a race's broadcast relay.
func (c *Client) RelayURL(raceID model.RaceID) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = u.Path + racePath(raceID) + "/ws"
	return u.String()
}

func racePath(raceID model.RaceID) string {
	return "/api/v1/races/" + string(raceID)
}

func participantPath(raceID model.RaceID, userID model.UserID) string {
	return racePath(raceID) + "/participants/" + string(userID)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do sends a JSON request and decodes a JSON response into out when set.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *c.base
	u.Path = u.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&eb)
		if resp.StatusCode >= http.StatusInternalServerError {
			c.logger.Warn(ctx, "server error", logger.String("method", method), logger.String("path", path),
				logger.Int("status", resp.StatusCode), logger.String("code", eb.Code))
		}
		return fmt.Errorf("%s %s: %w: %s", method, path, kindFor(resp.StatusCode), eb.Message)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func kindFor(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status >= http.StatusInternalServerError:
		return ErrServer
	default:
		return fmt.Errorf("%w (%d)", ErrRequest, status)
	}
}

// Health checks that the server answers /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

// CreateRace creates a race and returns it as stored.
func (c *Client) CreateRace(ctx context.Context, req types.CreateRaceRequest) (model.Race, error) {
	var out types.Race
	if err := c.do(ctx, http.MethodPost, "/api/v1/races", nil, req, &out); err != nil {
		return model.Race{}, err
	}
	return out.Model()
}

// GetRace fetches a race.
func (c *Client) GetRace(ctx context.Context, raceID model.RaceID) (model.Race, error) {
	var out types.Race
	if err := c.do(ctx, http.MethodGet, racePath(raceID), nil, nil, &out); err != nil {
		return model.Race{}, err
	}
	return out.Model()
}

// StartRace starts a race and returns the effective start.
func (c *Client) StartRace(ctx context.Context, raceID model.RaceID) (time.Time, error) {
	var out types.StartRaceResponse
	if err := c.do(ctx, http.MethodPost, racePath(raceID)+"/start", nil, nil, &out); err != nil {
		return time.Time{}, err
	}
	return model.ParseFinishTime(out.StartedAt)
}

// GetRaceStartTime returns the race start. Unstarted races return ErrConflict.
func (c *Client) GetRaceStartTime(ctx context.Context, raceID model.RaceID) (time.Time, error) {
	var out types.StartRaceResponse
	if err := c.do(ctx, http.MethodGet, racePath(raceID)+"/start", nil, nil, &out); err != nil {
		return time.Time{}, err
	}
	return model.ParseFinishTime(out.StartedAt)
}

// JoinRace adds userID to the race.
func (c *Client) JoinRace(ctx context.Context, raceID model.RaceID, userID model.UserID) error {
	return c.do(ctx, http.MethodPost, participantPath(raceID, userID), nil, nil, nil)
}

// ListParticipants returns the race's participant rows.
func (c *Client) ListParticipants(ctx context.Context, raceID model.RaceID) ([]model.ParticipantRecord, error) {
	var out []types.Participant
	if err := c.do(ctx, http.MethodGet, racePath(raceID)+"/participants", nil, nil, &out); err != nil {
		return nil, err
	}
	records := make([]model.ParticipantRecord, 0, len(out))
	for _, p := range out {
		records = append(records, p.Record())
	}
	return records, nil
}

// ReportProgress sends the runner's live distance.
func (c *Client) ReportProgress(ctx context.Context, raceID model.RaceID, userID model.UserID, distanceMeters, pace float64) error {
	return c.do(ctx, http.MethodPut, participantPath(raceID, userID)+"/progress", nil,
		types.ProgressRequest{DistanceMeters: distanceMeters, AveragePace: pace}, nil)
}

// MarkFinished records the runner's finish.
func (c *Client) MarkFinished(ctx context.Context, raceID model.RaceID, userID model.UserID, distanceMeters, pace float64, place int) error {
	return c.do(ctx, http.MethodPost, participantPath(raceID, userID)+"/finish", nil,
		types.FinishRequest{DistanceMeters: distanceMeters, AveragePace: pace, Place: place}, nil)
}

// MarkDisconnected flags the runner as gone.
func (c *Client) MarkDisconnected(ctx context.Context, raceID model.RaceID, userID model.UserID) error {
	return c.do(ctx, http.MethodPost, participantPath(raceID, userID)+"/disconnect", nil, nil, nil)
}

// GetProfile fetches runner metadata.
func (c *Client) GetProfile(ctx context.Context, userID model.UserID) (model.Metadata, error) {
	var out types.Profile
	if err := c.do(ctx, http.MethodGet, "/api/v1/profiles/"+string(userID), nil, nil, &out); err != nil {
		return model.Metadata{}, err
	}
	return out.Metadata(), nil
}

// PutProfile stores runner metadata.
func (c *Client) PutProfile(ctx context.Context, userID model.UserID, meta model.Metadata) error {
	return c.do(ctx, http.MethodPut, "/api/v1/profiles/"+string(userID), nil,
		types.FromMetadata(userID, meta), nil)
}

// GetRanked fetches a ranked profile.
func (c *Client) GetRanked(ctx context.Context, userID model.UserID) (ladder.RankedProfile, error) {
	var out types.RankedProfile
	if err := c.do(ctx, http.MethodGet, "/api/v1/ranked/"+string(userID), nil, nil, &out); err != nil {
		return ladder.RankedProfile{}, err
	}
	return out.Model()
}

// PutRanked stores a ranked profile.
func (c *Client) PutRanked(ctx context.Context, p ladder.RankedProfile) error {
	return c.do(ctx, http.MethodPut, "/api/v1/ranked/"+string(p.UserID), nil, types.FromRanked(p), nil)
}

// Matchmaking lists ranked runners within spread tiers of userID.
func (c *Client) Matchmaking(ctx context.Context, userID model.UserID, spread int) (types.MatchmakingResponse, error) {
	q := url.Values{"user": {string(userID)}, "spread": {strconv.Itoa(spread)}}
	var out types.MatchmakingResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/matchmaking", q, nil, &out)
	return out, err
}

// RankedProfiles exposes the ranked endpoints through the Get/Put shape
// the race session expects.
func (c *Client) RankedProfiles() RankedProfiles {
	return RankedProfiles{c: c}
}

// RankedProfiles adapts a Client to a ranked profile store.
type RankedProfiles struct {
	c *Client
}

// Get returns the ranked profile of userID.
func (p RankedProfiles) Get(ctx context.Context, userID model.UserID) (ladder.RankedProfile, error) {
	return p.c.GetRanked(ctx, userID)
}

// Put stores profile.
func (p RankedProfiles) Put(ctx context.Context, profile ladder.RankedProfile) error {
	return p.c.PutRanked(ctx, profile)
}
