package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"merchant-sync/internal/accounts"
	"merchant-sync/internal/apperr"
	"merchant-sync/internal/lease"
	"merchant-sync/internal/ratelimit"
	"merchant-sync/internal/telemetry"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the administrative and linking API.
type Server struct {
	leases   *lease.Manager
	accounts *accounts.Service
	limiter  ratelimit.Limiter
	identity IdentityResolver
	health   Pinger
	logger   zerolog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting;
// identity defaults to HeaderIdentity.
func New(leases *lease.Manager, accts *accounts.Service, limiter ratelimit.Limiter, identity IdentityResolver, health Pinger, logger zerolog.Logger) *Server {
	if identity == nil {
		identity = HeaderIdentity{}
	}
	return &Server{
		leases:   leases,
		accounts: accts,
		limiter:  limiter,
		identity: identity,
		health:   health,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireActor(true))
		r.Use(s.rateLimit)
		r.Post("/jobs/{id}/retry", s.handleForceRetry)
		r.Post("/accounts", s.handleCreateAccount)
		r.Get("/accounts/{id}", s.handleGetAccount)
		r.Post("/accounts/{id}/active", s.handleSetActive)
		r.Get("/accounts/{id}/audit", s.handleListAudit)
	})

	r.Route("/links/{scope}", func(r chi.Router) {
		r.Get("/", s.handleGetLink)
		r.Group(func(r chi.Router) {
			r.Use(s.requireActor(false))
			r.Use(s.rateLimit)
			r.Post("/", s.handleStartLink)
			r.Post("/confirm", s.handleConfirmLink)
			r.Post("/fail", s.handleFailLink)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs one line per request with zerolog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		actor, _ := actorFrom(r.Context())
		allowed, _, err := s.limiter.Allow(r.Context(), actor.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("actor_id", actor.ID).Msg("rate limiter unavailable")
			writeErrorCode(w, http.StatusServiceUnavailable, "rate_limit_unavailable", "rate limiter unavailable")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeErrorCode(w, http.StatusTooManyRequests, "rate_limited", "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("body", "invalid json: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

// writeError maps an apperr kind to its HTTP status.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindLeaseMismatch, apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindStore:
		status = http.StatusServiceUnavailable
	case apperr.KindAuditWrite:
		status = http.StatusInternalServerError
	}
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("kind", string(kind)).Msg("request failed")
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Message != "" {
			msg = ae.Message
		} else {
			msg = string(kind) + " failure"
		}
	}
	writeErrorCode(w, status, string(kind), msg)
}
