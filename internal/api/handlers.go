package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/secmon/internal/monitor"
	"github.com/lvonguyen/secmon/internal/security"
	"github.com/lvonguyen/secmon/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

// IngestRequest is the body of POST /api/v1/events.
type IngestRequest struct {
	Type         security.EventType `json:"type"`
	ActorID      string             `json:"actor_id,omitempty"`
	SeverityHint security.Severity  `json:"severity_hint,omitempty"`
	Details      security.Details   `json:"details,omitempty"`
}

// ResolveRequest is the body of POST /api/v1/events/{eventID}/resolve.
type ResolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes,omitempty"`
}

// BlockResponse is returned by GET /api/v1/blocks/{actorID}.
type BlockResponse struct {
	ActorID   string                `json:"actor_id"`
	Blocked   bool                  `json:"blocked"`
	RiskScore float64               `json:"risk_score"`
	Block     *security.BlockRecord `json:"block,omitempty"`
}

// RuleView describes one active rule.
type RuleView struct {
	Name        string             `json:"name"`
	Trigger     security.EventType `json:"trigger"`
	Window      string             `json:"window,omitempty"`
	Threshold   int                `json:"threshold,omitempty"`
	Severity    security.Severity  `json:"severity"`
	Action      string             `json:"action"`
	Description string             `json:"description"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("Request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.monitor.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	opts := []monitor.LogOption{monitor.WithActor(req.ActorID)}
	if req.SeverityHint != "" {
		opts = append(opts, monitor.WithSeverityHint(req.SeverityHint))
	}
	s.monitor.LogSecurityEvent(r.Context(), req.Type, req.Details, opts...)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor_id")
	if actor == "" {
		writeError(w, http.StatusBadRequest, "actor_id is required")
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events := s.monitor.RecentEvents(actor, limit)
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ResolvedBy == "" {
		writeError(w, http.StatusBadRequest, "resolved_by is required")
		return
	}

	err := s.monitor.ResolveEvent(r.Context(), chi.URLParam(r, "eventID"), req.ResolvedBy, req.Notes)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case err != nil:
		s.internalError(w, r, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	end := s.clock()
	start := end.Add(-24 * time.Hour)

	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC3339")
			return
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC3339")
			return
		}
		end = t
	}

	m, err := s.monitor.GetSecurityMetrics(r.Context(), start, end)
	switch {
	case errors.Is(err, monitor.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.internalError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, m)
	}
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	actor := chi.URLParam(r, "actorID")

	blocked, err := s.monitor.IsBlocked(r.Context(), actor)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	resp := BlockResponse{ActorID: actor, Blocked: blocked, RiskScore: s.monitor.LedgerRisk(actor)}

	rec, err := s.monitor.Block(r.Context(), actor)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		s.internalError(w, r, err)
		return
	default:
		resp.Block = rec
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	actor := chi.URLParam(r, "actorID")

	err := s.monitor.Unblock(r.Context(), actor)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "actor is not blocked")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}

	s.logger.Info("Actor unblocked", zap.String("actor_id", actor))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	status := security.EscalationStatus(r.URL.Query().Get("status"))
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := s.monitor.Escalations(r.Context(), status, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*security.EscalationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": recs, "count": len(recs)})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	active := s.monitor.Rules()
	views := make([]RuleView, 0, len(active))
	for _, rule := range active {
		v := RuleView{
			Name:        rule.Name,
			Trigger:     rule.Trigger,
			Threshold:   rule.Threshold,
			Severity:    rule.Severity,
			Action:      string(rule.Action),
			Description: rule.Description,
		}
		if rule.Window > 0 {
			v.Window = rule.Window.String()
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": views, "count": len(views)})
}
