package api

import (
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/domain/pace"
	"github.com/okian/racetrack/internal/domain/types"
	"github.com/okian/racetrack/pkg/metrics"
)

// handleCreateRace handles POST /api/v1/races.
func (s *Server) handleCreateRace(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_race"
	var req types.CreateRaceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, err))
		return
	}
	unit, err := pace.ParseUnit(req.Unit)
	if err != nil {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, err))
		return
	}
	if math.IsNaN(req.DistanceMeters) || math.IsInf(req.DistanceMeters, 0) || req.DistanceMeters <= 0 {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, errors.New("distance_meters must be positive")))
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	race := model.Race{
		ID:             model.RaceID(id),
		Name:           strings.TrimSpace(req.Name),
		DistanceMeters: req.DistanceMeters,
		Unit:           unit.String(),
		Ranked:         req.Ranked,
		CreatedAt:      s.now(),
	}
	if err := s.deps.CreateRace(r.Context(), race); err != nil {
		s.fail(w, r, op, err)
		return
	}
	metrics.RecordRaceCreated()
	if req.Start {
		started, err := s.deps.StartRace(r.Context(), race.ID, s.now())
		if err != nil {
			s.fail(w, r, op, err)
			return
		}
		race.StartedAt = &started
	}
	writeJSON(w, http.StatusCreated, types.FromRace(race))
}

// handleListRaces handles GET /api/v1/races?limit=N.
func (s *Server) handleListRaces(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_races"
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit <= 0 || limit > maxListLimit {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, err))
		return
	}
	races, err := s.deps.ListRaces(r.Context(), limit)
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	out := make([]types.Race, 0, len(races))
	for _, race := range races {
		out = append(out, types.FromRace(race))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetRace handles GET /api/v1/races/{raceID}.
func (s *Server) handleGetRace(w http.ResponseWriter, r *http.Request) {
	race, err := s.deps.GetRace(r.Context(), raceParam(r))
	if err != nil {
		s.fail(w, r, "api.get_race", err)
		return
	}
	writeJSON(w, http.StatusOK, types.FromRace(race))
}

// handleStartRace handles POST /api/v1/races/{raceID}/start. Repeated
// starts return the original start time.
func (s *Server) handleStartRace(w http.ResponseWriter, r *http.Request) {
	started, err := s.deps.StartRace(r.Context(), raceParam(r), s.now())
	if err != nil {
		s.fail(w, r, "api.start_race", err)
		return
	}
	writeJSON(w, http.StatusOK, types.StartRaceResponse{StartedAt: model.FormatFinishTime(started)})
}

// handleGetRaceStart handles GET /api/v1/races/{raceID}/start.
func (s *Server) handleGetRaceStart(w http.ResponseWriter, r *http.Request) {
	started, err := s.deps.GetRaceStartTime(r.Context(), raceParam(r))
	if err != nil {
		s.fail(w, r, "api.get_race_start", err)
		return
	}
	writeJSON(w, http.StatusOK, types.StartRaceResponse{StartedAt: model.FormatFinishTime(started)})
}

// handleListParticipants handles GET /api/v1/races/{raceID}/participants.
func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_participants"
	raceID := raceParam(r)
	if _, err := s.deps.GetRace(r.Context(), raceID); err != nil {
		s.fail(w, r, op, err)
		return
	}
	records, err := s.deps.ListParticipants(r.Context(), raceID)
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	out := make([]types.Participant, 0, len(records))
	for _, rec := range records {
		out = append(out, types.FromParticipant(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleJoinRace handles POST /api/v1/races/{raceID}/participants/{userID}.
func (s *Server) handleJoinRace(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.JoinRace(r.Context(), raceParam(r), userParam(r)); err != nil {
		s.fail(w, r, "api.join_race", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReportProgress handles PUT .../participants/{userID}/progress.
func (s *Server) handleReportProgress(w http.ResponseWriter, r *http.Request) {
	const op = "api.report_progress"
	var req types.ProgressRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, err))
		return
	}
	if !validDistance(req.DistanceMeters) {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, errors.New("invalid distance_meters")))
		return
	}
	if err := s.deps.ReportProgress(r.Context(), raceParam(r), userParam(r), req.DistanceMeters, req.AveragePace); err != nil {
		s.fail(w, r, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMarkFinished handles POST .../participants/{userID}/finish. The
// finish time is stamped by the store.
func (s *Server) handleMarkFinished(w http.ResponseWriter, r *http.Request) {
	const op = "api.mark_finished"
	var req types.FinishRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, err))
		return
	}
	if !validDistance(req.DistanceMeters) || req.Place < 0 {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, errors.New("invalid finish")))
		return
	}
	if err := s.deps.MarkFinished(r.Context(), raceParam(r), userParam(r), req.DistanceMeters, req.AveragePace, req.Place); err != nil {
		s.fail(w, r, op, err)
		return
	}
	metrics.RecordFinishRecorded()
	w.WriteHeader(http.StatusNoContent)
}

// handleMarkDisconnected handles POST .../participants/{userID}/disconnect.
func (s *Server) handleMarkDisconnected(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.MarkDisconnected(r.Context(), raceParam(r), userParam(r)); err != nil {
		s.fail(w, r, "api.mark_disconnected", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func raceParam(r *http.Request) model.RaceID {
	return model.RaceID(chi.URLParam(r, "raceID"))
}

func userParam(r *http.Request) model.UserID {
	return model.UserID(chi.URLParam(r, "userID"))
}

func validDistance(d float64) bool {
	return !math.IsNaN(d) && !math.IsInf(d, 0) && d >= 0
}
