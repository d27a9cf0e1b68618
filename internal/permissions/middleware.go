package permissions

import (
	"net/http"

	"log/slog"

	"github.com/payflow-hq/payflow/internal/shared"
)

// Middleware wires permission checks into HTTP handlers. The identity claim
// is taken from the request context as populated by the app middleware.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// Require ensures the current user may perform action on resource.
func (m Middleware) Require(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := shared.IdentityFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			granted, err := m.Service.HasPermission(r.Context(), id.UserID, Role(id.Role), resource, action)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("permission check", slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !granted {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAny ensures the current user has at least one of the permission keys.
func (m Middleware) RequireAny(keys ...string) func(http.Handler) http.Handler {
	return m.requireSet(keys, func(ctx *http.Request, id shared.Identity) (bool, error) {
		return m.Service.HasAny(ctx.Context(), id.UserID, Role(id.Role), keys)
	})
}

// RequireAll ensures the current user has every one of the permission keys.
func (m Middleware) RequireAll(keys ...string) func(http.Handler) http.Handler {
	return m.requireSet(keys, func(ctx *http.Request, id shared.Identity) (bool, error) {
		return m.Service.HasAll(ctx.Context(), id.UserID, Role(id.Role), keys)
	})
}

func (m Middleware) requireSet(keys []string, check func(*http.Request, shared.Identity) (bool, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := shared.IdentityFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			granted, err := check(r, id)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("permission set check", slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !granted {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
