package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"merchant-sync/internal/accounts"
	"merchant-sync/internal/apperr"
	"merchant-sync/internal/lease"
	"merchant-sync/internal/models"
)

type enqueueRequest struct {
	AccountID    string         `json:"account_id"`
	JobType      models.JobType `json:"job_type"`
	Payload      map[string]any `json:"payload"`
	ScheduledFor *time.Time     `json:"scheduled_for"`
	DelaySeconds int            `json:"delay_seconds"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var at time.Time
	if req.ScheduledFor != nil {
		at = *req.ScheduledFor
	}
	job, err := s.leases.Enqueue(r.Context(), lease.EnqueueParams{
		AccountID:    req.AccountID,
		Type:         req.JobType,
		Payload:      req.Payload,
		ScheduledFor: at,
		Delay:        time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.leases.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleForceRetry(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	job, err := s.leases.ForceRetry(r.Context(), chi.URLParam(r, "id"), actor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type createAccountRequest struct {
	AgencyID string `json:"agency_id"`
	ClientID string `json:"client_id"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor, _ := actorFrom(r.Context())
	acc, err := s.accounts.CreateAccount(r.Context(), accounts.CreateAccountParams{
		AgencyID: req.AgencyID,
		ClientID: req.ClientID,
		Actor:    actor,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.accounts.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

type setActiveRequest struct {
	IsActive     *bool  `json:"is_active"`
	ReasonCode   string `json:"reason_code"`
	ReasonDetail string `json:"reason_detail"`
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.IsActive == nil {
		s.writeError(w, r, apperr.Validation("is_active", "is required"))
		return
	}
	actor, _ := actorFrom(r.Context())
	acc, err := s.accounts.SetAccountActive(r.Context(), accounts.SetActiveParams{
		AccountID:    chi.URLParam(r, "id"),
		Active:       *req.IsActive,
		ReasonCode:   req.ReasonCode,
		ReasonDetail: req.ReasonDetail,
		Actor:        actor,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, r, apperr.Validation("limit", "must be between 1 and 1000"))
			return
		}
		limit = n
	}
	events, err := s.accounts.ListAudit(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type startLinkRequest struct {
	AccountID string `json:"account_id"`
	ClientID  string `json:"client_id"`
	LinkCode  string `json:"link_code"`
	Verifier  string `json:"verifier"`
}

func (s *Server) handleStartLink(w http.ResponseWriter, r *http.Request) {
	var req startLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor, _ := actorFrom(r.Context())
	link, err := s.accounts.StartLink(r.Context(), accounts.StartLinkParams{
		AccountID: req.AccountID,
		Scope:     chi.URLParam(r, "scope"),
		LinkCode:  req.LinkCode,
		Verifier:  req.Verifier,
		ClientID:  req.ClientID,
		Actor:     actor,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

type resolveLinkRequest struct {
	AccountID    string `json:"account_id"`
	Verifier     string `json:"verifier"`
	ReasonCode   string `json:"reason_code"`
	ReasonDetail string `json:"reason_detail"`
}

func (s *Server) handleConfirmLink(w http.ResponseWriter, r *http.Request) {
	s.resolveLink(w, r, s.accounts.ConfirmLink)
}

func (s *Server) handleFailLink(w http.ResponseWriter, r *http.Request) {
	s.resolveLink(w, r, s.accounts.FailLink)
}

func (s *Server) resolveLink(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, p accounts.ResolveLinkParams) (models.AuthLink, error)) {
	var req resolveLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor, _ := actorFrom(r.Context())
	link, err := apply(r.Context(), accounts.ResolveLinkParams{
		AccountID:    req.AccountID,
		Scope:        chi.URLParam(r, "scope"),
		Verifier:     req.Verifier,
		ReasonCode:   req.ReasonCode,
		ReasonDetail: req.ReasonDetail,
		Actor:        actor,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleGetLink(w http.ResponseWriter, r *http.Request) {
	link, err := s.accounts.GetLink(r.Context(), r.URL.Query().Get("account_id"), chi.URLParam(r, "scope"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}
