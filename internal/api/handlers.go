package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proximity-beacon/beacon-engine/internal/auth"
	"github.com/proximity-beacon/beacon-engine/internal/engine"
	"github.com/proximity-beacon/beacon-engine/internal/models"
	"github.com/proximity-beacon/beacon-engine/internal/storage"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// ========== Auth handlers ==========

// HandleLogin handles operator login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	accessToken, refreshToken, err := s.auth.Authenticate(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	s.respondTokens(w, accessToken, refreshToken)
}

// HandleRefresh handles token refresh
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	accessToken, refreshToken, err := s.auth.RefreshToken(req.RefreshToken)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	s.respondTokens(w, accessToken, refreshToken)
}

func (s *RESTServer) respondTokens(w http.ResponseWriter, accessToken, refreshToken string) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// ========== Engine handlers ==========

// HandleStatus returns the engine status
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

// HandleListPeers lists the tracked peers
func (s *RESTServer) HandleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.engine.Peers(r.Context())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"peers": peers,
		"total": len(peers),
	})
}

// HandleEngineStart starts scanning and advertising
func (s *RESTServer) HandleEngineStart(w http.ResponseWriter, r *http.Request) {
	s.engineCommand(w, r, "start", s.engine.Start)
}

// HandleEngineStop stops scanning and advertising
func (s *RESTServer) HandleEngineStop(w http.ResponseWriter, r *http.Request) {
	s.engineCommand(w, r, "stop", s.engine.Stop)
}

// HandleEngineTrigger runs a scan pass now
func (s *RESTServer) HandleEngineTrigger(w http.ResponseWriter, r *http.Request) {
	s.engineCommand(w, r, "trigger", s.engine.Trigger)
}

func (s *RESTServer) engineCommand(w http.ResponseWriter, r *http.Request, action string, fn func(string) error) {
	source := "api"
	if claims := claimsFrom(r.Context()); claims != nil {
		source = "api:" + claims.Username
	}

	if err := fn(source); err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.recordAPICall(r, action, source)
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"action": action,
		"source": source,
	})
}

// recordAPICall writes an audit entry when a store is configured
func (s *RESTServer) recordAPICall(r *http.Request, action, source string) {
	if s.store == nil {
		return
	}

	event := &models.EventLog{
		Source:      s.config.Server.Name,
		Type:        models.EventTypeAPICall,
		Level:       models.EventLevelInfo,
		Code:        "ENGINE_" + action,
		Description: fmt.Sprintf("Engine %s requested by %s", action, source),
		Details: models.Variables{
			"remote":    r.RemoteAddr,
			"requester": source,
		},
	}
	if err := s.store.CreateEventLog(r.Context(), event); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}
}

func (s *RESTServer) respondEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrQueueClosed) {
		s.respondError(w, http.StatusServiceUnavailable, "engine is shut down")
		return
	}
	s.respondError(w, http.StatusInternalServerError, err.Error())
}

// ========== Detection handlers ==========

// HandleListDetections lists recorded detections
func (s *RESTServer) HandleListDetections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(r)

	var filters models.DetectionFilters
	if v := q.Get("code"); v != "" {
		code, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid code")
			return
		}
		filters.Code = &code
	}
	if v := q.Get("source"); v != "" {
		filters.Source = &v
	}
	if v := q.Get("min_rssi"); v != "" {
		rssi, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid min_rssi")
			return
		}
		filters.MinRSSI = &rssi
	}

	var err error
	if filters.StartTime, err = parseTime(q.Get("start_time")); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid start_time")
		return
	}
	if filters.EndTime, err = parseTime(q.Get("end_time")); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid end_time")
		return
	}

	detections, total, err := s.store.ListDetections(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"detections": detections,
		"total":      total,
	})
}

// ========== Event handlers ==========

// HandleListEvents lists events
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(r)

	var filters storage.EventLogFilters
	if v := q.Get("source"); v != "" {
		filters.Source = &v
	}
	if v := q.Get("type"); v != "" {
		t := models.EventType(v)
		filters.Type = &t
	}
	if v := q.Get("level"); v != "" {
		l := models.EventLevel(v)
		filters.Level = &l
	}

	events, total, err := s.store.ListEventLogs(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// ========== System handlers ==========

// HandleHealth health check handler
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": s.config.Server.Name,
		"version": s.config.Server.Version,
		"health":  "/api/v1/health",
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// ========== Helper functions ==========

// pagination reads limit and offset, clamping limit to maxLimit
func pagination(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// parseTime parses an optional RFC 3339 query value
func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
