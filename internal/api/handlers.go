package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"subguard/internal/types"
)

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	status := s.service.GetStatus(r.Context())
	JSON(w, r, http.StatusOK, status)
}

type activateRequest struct {
	PlanID string `json:"plan_id"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	status, err := s.service.Activate(r.Context(), req.PlanID)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, status)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.service.Restore(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, outcome)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	status := s.service.Reset(r.Context())
	JSON(w, r, http.StatusOK, status)
}

func (s *Server) handleShouldShowReminder(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]bool{
		"should_show": s.service.ShouldShowReminder(r.Context()),
	})
}

func (s *Server) handleMarkReminderShown(w http.ResponseWriter, r *http.Request) {
	s.service.MarkReminderShown(r.Context())
	JSON(w, r, http.StatusOK, map[string]bool{"marked": true})
}

func (s *Server) handleFeatureAvailable(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]bool{
		"available": s.service.IsFeatureAvailable(r.Context()),
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	p, ok := s.service.Profile(r.Context(), uid)
	if !ok {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundProfile, "profile not found", nil))
		return
	}
	JSON(w, r, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	var p types.UserProfile
	if err := decodeBody(w, r, &p); err != nil {
		Error(w, r, err)
		return
	}
	if err := s.service.SaveProfile(r.Context(), uid, &p); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, p)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	s.service.ClearProfile(r.Context(), chi.URLParam(r, "uid"))
	JSON(w, r, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthFn == nil {
		JSON(w, r, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	components := s.healthFn(r.Context())
	status := "ok"
	code := http.StatusOK
	for _, v := range components {
		if v != "ok" {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	JSON(w, r, code, map[string]any{
		"status":     status,
		"components": components,
	})
}
