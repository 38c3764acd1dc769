package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iauth "github.com/draftwell/roomhost/internal/auth"
)

func newAuthRouter(t *testing.T) (*gin.Engine, *iauth.Verifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	verifier, err := iauth.NewVerifier(iauth.VerifierConfig{Secret: "test-secret"})
	require.NoError(t, err)

	r := gin.New()
	r.Use(Auth(verifier))
	r.GET("/protected", func(c *gin.Context) {
		room, ok := ClaimedRoom(c)
		require.True(t, ok)
		c.String(http.StatusOK, room)
	})
	return r, verifier
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	r, verifier := newAuthRouter(t)

	token, err := verifier.Issue("room-7", "ada")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "room-7", w.Body.String())
}

func TestAuthRejectsMissingAndMalformedTokens(t *testing.T) {
	r, _ := newAuthRouter(t)

	cases := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic abc123"},
		{"garbage token", "Bearer not.a.jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
		})
	}
}

func TestAuthRejectsTokenSignedWithOtherSecret(t *testing.T) {
	r, _ := newAuthRouter(t)

	other, err := iauth.NewVerifier(iauth.VerifierConfig{Secret: "different-secret"})
	require.NoError(t, err)
	token, err := other.Issue("room-7", "ada")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
}
