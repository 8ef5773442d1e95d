package handler

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/nektus/exchange-server-go/internal/errors"
	"github.com/nektus/exchange-server-go/internal/model"
	"github.com/nektus/exchange-server-go/internal/service"
	"github.com/nektus/exchange-server-go/internal/util"
)

type ExchangeHandler struct {
	matcher  *service.MatcherService
	profiles *service.ProfileService
	geo      *service.GeoService
}

func NewExchangeHandler(
	matcher *service.MatcherService,
	profiles *service.ProfileService,
	geo *service.GeoService,
) *ExchangeHandler {
	return &ExchangeHandler{
		matcher:  matcher,
		profiles: profiles,
		geo:      geo,
	}
}

func (h *ExchangeHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/hit", h.ReportHit)
	r.Post("/pair-by-code", h.PairByCode)
	r.Get("/matches/{token}", h.GetMatch)
	r.Get("/matches/{token}/profile", h.GetMatchProfile)
	r.Get("/sessions/{sessionID}/match", h.GetSessionMatch)

	return r
}

type accelerationVector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type hitRequest struct {
	SessionID         string                `json:"sessionId"`
	UserID            string                `json:"userId"`
	ClientTimestamp   int64                 `json:"clientTimestamp"`
	Magnitude         float64               `json:"magnitude"`
	Acceleration      *accelerationVector   `json:"accelerationVector,omitempty"`
	RoundTripEstimate int64                 `json:"roundTripEstimate,omitempty"`
	SharingCategory   model.SharingCategory `json:"sharingCategory,omitempty"`
}

func (req *hitRequest) validate() error {
	if req.SessionID == "" {
		return apperrors.MissingRequired("sessionId")
	}
	if !util.IsValidUUID(req.SessionID) {
		return apperrors.InvalidInput("sessionId", "must be a UUID")
	}
	if req.UserID == "" {
		return apperrors.MissingRequired("userId")
	}
	if req.ClientTimestamp <= 0 {
		return apperrors.MissingRequired("clientTimestamp")
	}
	if req.SharingCategory == "" {
		req.SharingCategory = model.SharingAll
	}
	if !model.ValidSharingCategory(req.SharingCategory) {
		return apperrors.InvalidInput("sharingCategory", "unknown category")
	}
	return nil
}

// POST /v1/exchange/hit
func (h *ExchangeHandler) ReportHit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req hitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("invalid JSON body"))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.matcher.ReportHit(ctx, service.HitParams{
		SessionID:       req.SessionID,
		UserID:          req.UserID,
		Profile:         h.profileSnapshot(r, req.UserID),
		SharingCategory: req.SharingCategory,
		ClientTimestamp: req.ClientTimestamp,
		Magnitude:       req.Magnitude,
		RoundTripMs:     req.RoundTripEstimate,
		Location:        h.resolveLocation(r),
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", req.SessionID).Msg("failed to report hit")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type pairByCodeRequest struct {
	SessionID       string                `json:"sessionId"`
	UserID          string                `json:"userId"`
	Code            string                `json:"code"`
	SharingCategory model.SharingCategory `json:"sharingCategory,omitempty"`
}

// POST /v1/exchange/pair-by-code
//
// The QR path: the scanned code is the waiting peer's session id, so no
// motion correlation is needed.
func (h *ExchangeHandler) PairByCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req pairByCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("invalid JSON body"))
		return
	}
	if req.SessionID == "" || !util.IsValidUUID(req.SessionID) {
		writeError(w, apperrors.InvalidInput("sessionId", "must be a UUID"))
		return
	}
	if req.UserID == "" {
		writeError(w, apperrors.MissingRequired("userId"))
		return
	}
	if req.Code == "" {
		writeError(w, apperrors.MissingRequired("code"))
		return
	}
	if req.SharingCategory == "" {
		req.SharingCategory = model.SharingAll
	}

	result, err := h.matcher.PairByCode(ctx, service.HitParams{
		SessionID:       req.SessionID,
		UserID:          req.UserID,
		Profile:         h.profileSnapshot(r, req.UserID),
		SharingCategory: req.SharingCategory,
		ClientTimestamp: 0,
		Location:        h.resolveLocation(r),
	}, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GET /v1/exchange/matches/{token}
func (h *ExchangeHandler) GetMatch(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	m, err := h.matcher.LookupMatch(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	if m == nil {
		writeError(w, apperrors.MatchNotFound())
		return
	}

	writeJSON(w, http.StatusOK, m)
}

// GET /v1/exchange/sessions/{sessionID}/match
func (h *ExchangeHandler) GetSessionMatch(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !util.IsValidUUID(sessionID) {
		writeError(w, apperrors.InvalidInput("sessionId", "must be a UUID"))
		return
	}

	m, err := h.matcher.LookupMatchBySession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if m == nil {
		writeError(w, apperrors.MatchNotFound())
		return
	}

	youAre := "A"
	if m.SessionB == sessionID {
		youAre = "B"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matched": true,
		"token":   m.Token,
		"youAre":  youAre,
	})
}

// GET /v1/exchange/matches/{token}/profile?sessionId=...
func (h *ExchangeHandler) GetMatchProfile(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, apperrors.MissingRequired("sessionId"))
		return
	}

	profile, err := h.profiles.Preview(r.Context(), token, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// profileSnapshot captures the reporter's profile as it exists right now, so
// the eventual preview shows what they shared at bump time.
func (h *ExchangeHandler) profileSnapshot(r *http.Request, userID string) []byte {
	profile, err := h.profiles.Get(r.Context(), userID)
	if err != nil || profile == nil {
		return nil
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return nil
	}
	return data
}

// resolveLocation derives a coarse location from the client IP. Failure is
// not fatal: the matcher degrades to fallback matching.
func (h *ExchangeHandler) resolveLocation(r *http.Request) *model.Location {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	loc, err := h.geo.Lookup(r.Context(), ip)
	if err != nil {
		log.Debug().Err(err).Str("ip", ip).Msg("geo lookup failed, matching degrades to fallback")
		return nil
	}
	return loc
}
