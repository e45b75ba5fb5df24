package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"merchant-sync/internal/models"
)

// ErrNoIdentity is returned by a resolver when the request carries no caller.
var ErrNoIdentity = errors.New("no caller identity")

// IdentityResolver yields the privileged caller behind a request.
type IdentityResolver interface {
	Resolve(r *http.Request) (models.Actor, error)
}

// HeaderIdentity trusts identity headers set by the authenticating gateway in
// front of the API. Both X-Admin-Id and X-Admin-Role must be present.
type HeaderIdentity struct{}

func (HeaderIdentity) Resolve(r *http.Request) (models.Actor, error) {
	id := strings.TrimSpace(r.Header.Get("X-Admin-Id"))
	role := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Admin-Role")))
	if id == "" || role == "" {
		return models.Actor{}, ErrNoIdentity
	}
	return models.Actor{ID: id, Role: role, Email: strings.TrimSpace(r.Header.Get("X-Admin-Email"))}, nil
}

type actorKey struct{}

func withActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFrom(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(models.Actor)
	return a, ok
}

// requireActor resolves the caller and, when adminOnly is set, insists on the
// admin role.
func (s *Server) requireActor(adminOnly bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := s.identity.Resolve(r)
			if err != nil {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			if adminOnly && actor.Role != models.RoleAdmin {
				writeErrorCode(w, http.StatusForbidden, "forbidden", "admin role required")
				return
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
		})
	}
}
