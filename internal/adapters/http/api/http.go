// Package api serves the race store, ranked profiles and the broadcast
// relay over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/okian/racetrack/internal/adapters/http/swagger"
	"github.com/okian/racetrack/internal/adapters/repository"
	"github.com/okian/racetrack/internal/domain/ladder"
	"github.com/okian/racetrack/internal/domain/matchmaking"
	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/pkg/logger"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	requestTimeout   = 30 * time.Second
	maxBodyBytes     = 1 << 16
)

// Dependencies required by HTTP handlers.
type Dependencies = repository.Store

// Relay upgrades websocket requests into a race's broadcast room.
type Relay interface {
	ServeWS(w http.ResponseWriter, r *http.Request, raceID model.RaceID)
}

// Option configures a Server.
type Option func(*Server)

// WithMaxSpread sets the default matchmaking tier spread.
func WithMaxSpread(n int) Option {
	return func(s *Server) {
		if n >= 0 {
			s.maxSpread = n
		}
	}
}

// WithClock replaces time.Now for race starts.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server wires HTTP routes for the race API.
type Server struct {
	deps      Dependencies
	relay     Relay
	maxSpread int
	now       func() time.Time
	logger    logger.Logger

	healthHandler *HealthHandler
	statsHandler  *StatsHandler
}

// NewServer creates a new API server. relay may be nil when the process
// does not host websocket rooms.
func NewServer(deps Dependencies, relay Relay, statsProvider StatsProvider, opts ...Option) *Server {
	s := &Server{
		deps:          deps,
		relay:         relay,
		maxSpread:     matchmaking.DefaultSpread,
		now:           time.Now,
		logger:        logger.Named("api"),
		healthHandler: NewHealthHandler(),
		statsHandler:  NewStatsHandler(statsProvider),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the chi router with every route attached.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)

	r.Get("/healthz", s.healthHandler.HandleHealth)
	r.Get("/stats", s.statsHandler.HandleStats)
	swagger.Register(r)

	r.Route("/api/v1", func(r chi.Router) {
		if s.relay != nil {
			r.Get("/races/{raceID}/ws", s.handleRelay)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Post("/races", s.handleCreateRace)
			r.Get("/races", s.handleListRaces)
			r.Get("/races/{raceID}", s.handleGetRace)
			r.Post("/races/{raceID}/start", s.handleStartRace)
			r.Get("/races/{raceID}/start", s.handleGetRaceStart)

			r.Get("/races/{raceID}/participants", s.handleListParticipants)
			r.Post("/races/{raceID}/participants/{userID}", s.handleJoinRace)
			r.Put("/races/{raceID}/participants/{userID}/progress", s.handleReportProgress)
			r.Post("/races/{raceID}/participants/{userID}/finish", s.handleMarkFinished)
			r.Post("/races/{raceID}/participants/{userID}/disconnect", s.handleMarkDisconnected)

			r.Get("/profiles/{userID}", s.handleGetProfile)
			r.Put("/profiles/{userID}", s.handlePutProfile)
			r.Get("/ranked/{userID}", s.handleGetRanked)
			r.Put("/ranked/{userID}", s.handlePutRanked)

			r.Get("/matchmaking", s.handleMatchmaking)
		})
	})
	return r
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	raceID := model.RaceID(chi.URLParam(r, "raceID"))
	if _, err := s.deps.GetRace(r.Context(), raceID); err != nil {
		s.fail(w, r, "api.relay", err)
		return
	}
	s.relay.ServeWS(w, r, raceID)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// statusFor maps store and domain errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, repository.ErrRaceExists), errors.Is(err, repository.ErrNotStarted), errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrBadRequest), errors.Is(err, repository.ErrInvalidRace),
		errors.Is(err, repository.ErrInvalidLimit), errors.Is(err, ladder.ErrInvalidRank):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", logger.String("op", op), logger.Error(err))
	}
	writeError(w, status, code, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return n, nil
}
