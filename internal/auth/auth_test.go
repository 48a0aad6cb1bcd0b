package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var verifier = Verifier{Secret: []byte("test-secret")}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := FromContext(r.Context())
		_, _ = w.Write([]byte(id.UserID))
	})
}

func TestMiddleware(t *testing.T) {
	good, err := verifier.Issue("user-1", "a@b.c", time.Hour)
	require.NoError(t, err)
	expired, err := verifier.Issue("user-1", "a@b.c", -time.Minute)
	require.NoError(t, err)
	foreign, err := Verifier{Secret: []byte("other")}.Issue("user-1", "", time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + good, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong key", "Bearer " + foreign, http.StatusUnauthorized},
		{"alg none", "Bearer " + none, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			verifier.Middleware(echoUser()).ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, "user-1", rec.Body.String())
			}
		})
	}
}

func TestPolicy(t *testing.T) {
	p, err := ParsePolicy([]byte("roles:\n  admin: [root]\n  staff: [clerk]\n"))
	require.NoError(t, err)

	assert.True(t, p.HasRole("root", RoleStaff), "admins hold every role")
	assert.True(t, p.HasRole("clerk", RoleStaff))
	assert.False(t, p.HasRole("clerk", RoleAdmin))
	assert.False(t, p.HasRole("shopper", RoleStaff))
	assert.False(t, p.HasRole("", RoleStaff))
}

func TestLoadPolicy_MissingFileGrantsNothing(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.False(t, p.HasRole("anyone", RoleAdmin))
}

func TestLoadPolicy_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles: [unclosed"), 0o600))
	_, err := LoadPolicy(path)
	assert.Error(t, err)
}

func TestRequireRole(t *testing.T) {
	p, err := ParsePolicy([]byte("roles:\n  staff: [clerk]\n"))
	require.NoError(t, err)
	h := p.RequireRole(RoleStaff)(echoUser())

	for user, status := range map[string]int{"clerk": http.StatusOK, "shopper": http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithIdentity(req.Context(), Identity{UserID: user}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, status, rec.Code, user)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
