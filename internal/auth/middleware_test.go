package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/imbrick/attributes-login-access/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-with-enough-entropy-0123"

func protected(tm *auth.TokenManager) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := auth.GetClaimsFromContext(r)
		w.Header().Set("X-Subject", claims.Subject)
		w.WriteHeader(http.StatusNoContent)
	})
	return auth.AuthMiddleware(tm)(auth.RequireRole(auth.RoleAdmin)(ok))
}

func TestAuthMiddleware(t *testing.T) {
	tm := auth.NewTokenManager(testSecret, "login-access")

	adminToken, err := tm.GenerateToken("ops@example.com", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	viewerToken, err := tm.GenerateToken("viewer@example.com", "viewer", time.Hour)
	require.NoError(t, err)
	expired, err := tm.GenerateToken("ops@example.com", auth.RoleAdmin, -time.Minute)
	require.NoError(t, err)
	foreign, err := auth.NewTokenManager("another-secret-entirely-0123456789", "login-access").
		GenerateToken("ops@example.com", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "admin", header: "Bearer " + adminToken, want: http.StatusNoContent},
		{name: "lowercase scheme", header: "bearer " + adminToken, want: http.StatusNoContent},
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + adminToken, want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, want: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + foreign, want: http.StatusUnauthorized},
		{name: "insufficient role", header: "Bearer " + viewerToken, want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/statistics", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			protected(tm).ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				assert.Equal(t, "ops@example.com", rec.Header().Get("X-Subject"))
			}
		})
	}
}

func TestValidateToken_RejectsOtherIssuer(t *testing.T) {
	token, err := auth.NewTokenManager(testSecret, "someone-else").GenerateToken("ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)

	_, err = auth.NewTokenManager(testSecret, "login-access").ValidateToken(token)
	assert.Error(t, err)
}

func TestRequireRole_WithoutClaims(t *testing.T) {
	h := auth.RequireRole(auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole_AcceptsAnyListedRole(t *testing.T) {
	tm := auth.NewTokenManager(testSecret, auth.DefaultIssuer)
	h := auth.AuthMiddleware(tm)(auth.RequireRole(auth.RoleService, auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	tests := []struct {
		role string
		want int
	}{
		{auth.RoleService, http.StatusOK},
		{auth.RoleAdmin, http.StatusOK},
		{"viewer", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			token, err := tm.GenerateToken("front-end", tt.role, time.Hour)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
