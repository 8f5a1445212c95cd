package iam

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vantage-saas/vantage-iam/internal/platform/httpx"
)

// Middleware wires authorization guards for HTTP handlers.
type Middleware struct {
	Gate   *Gate
	Logger *slog.Logger
}

// RequireView ensures the current identity may access the given view in its
// home tenant.
func (m Middleware) RequireView(viewID string) func(http.Handler) http.Handler {
	return m.require(Requirement{ViewID: viewID})
}

// RequireFeature ensures the current identity holds the feature action with
// at least the given scope. Pass an empty scope to skip the scope check.
func (m Middleware) RequireFeature(featureID string, action Action, minScope Scope) func(http.Handler) http.Handler {
	return m.require(Requirement{FeatureID: featureID, Action: action, MinScope: minScope})
}

// RequireSuperAdmin restricts a route to the platform operator identity.
func (m Middleware) RequireSuperAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok || !id.SuperAdmin {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "platform operator required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) require(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok || id.UserID == "" {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			// Routes addressing a tenant carry it in the URL; the gate
			// rejects mismatches against the identity's home tenant before
			// any permission lookup runs.
			decision, err := m.Gate.Authorize(r.Context(), id, chi.URLParam(r, "tenantID"), req)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("authorize", slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if !decision.Allowed {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", decision.Reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
