package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/govplane/govplane/models"
	"github.com/govplane/govplane/utils"
)

// Trusted identity headers set by the upstream gateway. The control
// plane never validates tokens itself; it trusts the perimeter.
const (
	HeaderUserID = "X-User-Id"
	HeaderTeamID = "X-Team-Id"
	HeaderOrgID  = "X-Org-Id"
	HeaderRoles  = "X-Roles"
)

// Context key type to avoid collisions
type contextKey string

const identityKey contextKey = "identity"

// IdentityFromContext retrieves the caller identity from context
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(models.Identity)
	return identity, ok
}

// WithIdentity adds a caller identity to the context
func WithIdentity(ctx context.Context, identity models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityMiddleware resolves the caller identity from trusted headers
type IdentityMiddleware struct {
	logger *zap.Logger
}

// NewIdentityMiddleware creates a new identity middleware
func NewIdentityMiddleware(logger *zap.Logger) *IdentityMiddleware {
	return &IdentityMiddleware{logger: logger}
}

// RequireIdentity extracts the identity headers and rejects requests
// missing the user or org assignment
func (m *IdentityMiddleware) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.Header.Get(HeaderUserID))
		if err != nil {
			_ = utils.WriteUnauthorized(w, "missing or invalid "+HeaderUserID+" header")
			return
		}

		orgID, err := uuid.Parse(r.Header.Get(HeaderOrgID))
		if err != nil {
			_ = utils.WriteUnauthorized(w, "missing or invalid "+HeaderOrgID+" header")
			return
		}

		identity := models.Identity{
			UserID: userID,
			OrgID:  orgID,
		}

		// Team assignment is optional
		if raw := r.Header.Get(HeaderTeamID); raw != "" {
			teamID, err := uuid.Parse(raw)
			if err != nil {
				_ = utils.WriteUnauthorized(w, "invalid "+HeaderTeamID+" header")
				return
			}
			identity.TeamID = teamID
		}

		if raw := r.Header.Get(HeaderRoles); raw != "" {
			for _, role := range strings.Split(raw, ",") {
				if role = strings.TrimSpace(role); role != "" {
					identity.Roles = append(identity.Roles, role)
				}
			}
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireRole gates a route on a role carried by the identity
func (m *IdentityMiddleware) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				_ = utils.WriteUnauthorized(w, "")
				return
			}

			for _, have := range identity.Roles {
				if have == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			m.logger.Warn("role check failed",
				zap.String("user_id", identity.UserID.String()),
				zap.String("required_role", role))
			_ = utils.WriteForbidden(w, "role '"+role+"' required")
		})
	}
}
