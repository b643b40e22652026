package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/okian/racetrack/internal/domain/ladder"
	"github.com/okian/racetrack/internal/domain/matchmaking"
	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/domain/types"
)

// handleGetProfile handles GET /api/v1/profiles/{userID}.
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID := userParam(r)
	meta, err := s.deps.GetProfile(r.Context(), userID)
	if err != nil {
		s.fail(w, r, "api.get_profile", err)
		return
	}
	writeJSON(w, http.StatusOK, types.FromMetadata(userID, meta))
}

// handlePutProfile handles PUT /api/v1/profiles/{userID}.
func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	const op = "api.put_profile"
	var req types.Profile
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, err))
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, errors.New("missing display_name")))
		return
	}
	userID := userParam(r)
	if req.UserID != "" && model.UserID(req.UserID) != userID {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, errors.New("user_id does not match path")))
		return
	}
	if err := s.deps.PutProfile(r.Context(), userID, req.Metadata()); err != nil {
		s.fail(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, types.FromMetadata(userID, req.Metadata()))
}

// handleGetRanked handles GET /api/v1/ranked/{userID}.
func (s *Server) handleGetRanked(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.GetRanked(r.Context(), userParam(r))
	if err != nil {
		s.fail(w, r, "api.get_ranked", err)
		return
	}
	writeJSON(w, http.StatusOK, types.FromRanked(p))
}

// handlePutRanked handles PUT /api/v1/ranked/{userID}.
func (s *Server) handlePutRanked(w http.ResponseWriter, r *http.Request) {
	const op = "api.put_ranked"
	var req types.RankedProfile
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, err))
		return
	}
	req.UserID = string(userParam(r))
	p, err := req.Model()
	if err != nil {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, err))
		return
	}
	if p.LeaguePoints < 0 || (p.Tier != ladder.Champion && p.LeaguePoints >= ladder.PointsPerDivision) {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, errors.New("league_points out of range")))
		return
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	if err := s.deps.PutRanked(r.Context(), p); err != nil {
		s.fail(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, types.FromRanked(p))
}

// handleMatchmaking handles GET /api/v1/matchmaking. The tier comes from
// ?tier= or from the ranked profile of ?user=; runners without a profile
// match as Bronze.
func (s *Server) handleMatchmaking(w http.ResponseWriter, r *http.Request) {
	const op = "api.matchmaking"
	q := r.URL.Query()
	spread, err := queryInt(r, "spread", s.maxSpread)
	if err != nil || spread < 0 {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, err))
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit <= 0 || limit > maxListLimit {
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, err))
		return
	}

	var self *ladder.RankedProfile
	tier := ladder.Bronze
	switch {
	case q.Get("tier") != "":
		if tier, err = ladder.ParseTier(q.Get("tier")); err != nil {
			s.fail(w, r, op, wrapKind(op, ErrBadRequest, err))
			return
		}
	case q.Get("user") != "":
		userID := model.UserID(q.Get("user"))
		p, err := s.deps.GetRanked(r.Context(), userID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			p = ladder.NewProfile(userID, s.now())
		case err != nil:
			s.fail(w, r, op, err)
			return
		}
		self, tier = &p, p.Tier
	default:
		s.fail(w, r, op, wrapKind(op, ErrBadRequest, errors.New("tier or user required")))
		return
	}

	tiers := matchmaking.TierRange(tier, spread)
	// One extra row so excluding the caller still fills the page.
	candidates, err := s.deps.ListRankedByTiers(r.Context(), tiers, limit+1)
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	if self != nil {
		candidates = matchmaking.Compatible(*self, candidates, spread)
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	resp := types.MatchmakingResponse{
		Tier:       tier.String(),
		Spread:     spread,
		Tiers:      make([]string, 0, len(tiers)),
		Candidates: make([]types.RankedProfile, 0, len(candidates)),
	}
	for _, t := range tiers {
		resp.Tiers = append(resp.Tiers, t.String())
	}
	for _, c := range candidates {
		resp.Candidates = append(resp.Candidates, types.FromRanked(c))
	}
	writeJSON(w, http.StatusOK, resp)
}
