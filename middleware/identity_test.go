package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/govplane/govplane/models"
)

func TestRequireIdentity(t *testing.T) {
	mw := NewIdentityMiddleware(zap.NewNop())

	var captured models.Identity
	var called bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = IdentityFromContext(r.Context())
		called = true
		w.WriteHeader(http.StatusOK)
	})

	userID := uuid.New()
	teamID := uuid.New()
	orgID := uuid.New()

	t.Run("resolves a full identity", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		req.Header.Set(HeaderUserID, userID.String())
		req.Header.Set(HeaderTeamID, teamID.String())
		req.Header.Set(HeaderOrgID, orgID.String())
		req.Header.Set(HeaderRoles, "admin, analyst")
		w := httptest.NewRecorder()

		mw.RequireIdentity(next).ServeHTTP(w, req)

		require.True(t, called)
		assert.Equal(t, userID, captured.UserID)
		assert.Equal(t, teamID, captured.TeamID)
		assert.Equal(t, orgID, captured.OrgID)
		assert.Equal(t, []string{"admin", "analyst"}, captured.Roles)
	})

	t.Run("team assignment is optional", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		req.Header.Set(HeaderUserID, userID.String())
		req.Header.Set(HeaderOrgID, orgID.String())
		w := httptest.NewRecorder()

		mw.RequireIdentity(next).ServeHTTP(w, req)

		require.True(t, called)
		assert.Equal(t, uuid.Nil, captured.TeamID)
	})

	t.Run("rejects a missing user header", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		req.Header.Set(HeaderOrgID, orgID.String())
		w := httptest.NewRecorder()

		mw.RequireIdentity(next).ServeHTTP(w, req)

		assert.False(t, called)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects a malformed org header", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		req.Header.Set(HeaderUserID, userID.String())
		req.Header.Set(HeaderOrgID, "not-a-uuid")
		w := httptest.NewRecorder()

		mw.RequireIdentity(next).ServeHTTP(w, req)

		assert.False(t, called)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequireRole(t *testing.T) {
	mw := NewIdentityMiddleware(zap.NewNop())

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	protected := mw.RequireRole("admin")(next)

	identity := models.Identity{
		UserID: uuid.New(),
		OrgID:  uuid.New(),
		Roles:  []string{"analyst"},
	}

	t.Run("forbids identities without the role", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/audit/export", nil)
		req = req.WithContext(WithIdentity(req.Context(), identity))
		w := httptest.NewRecorder()

		protected.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("allows identities with the role", func(t *testing.T) {
		admin := identity
		admin.Roles = []string{"analyst", "admin"}
		req := httptest.NewRequest(http.MethodGet, "/v1/audit/export", nil)
		req = req.WithContext(WithIdentity(req.Context(), admin))
		w := httptest.NewRecorder()

		protected.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("rejects requests with no identity", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/audit/export", nil)
		w := httptest.NewRecorder()

		protected.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
