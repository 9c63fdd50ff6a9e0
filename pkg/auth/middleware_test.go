package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akfin/datagate/pkg/auth"
)

func newAuthedHandler(t *testing.T) (*auth.TokenService, http.Handler, *string) {
	t.Helper()
	tokens := auth.NewTokenService([]byte("test-secret"), time.Minute)
	var seenSubject string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s, err := auth.Subject(r.Context()); err == nil {
			seenSubject = s
		}
		w.WriteHeader(http.StatusOK)
	})
	return tokens, auth.NewMiddleware(tokens)(inner), &seenSubject
}

func TestMiddleware_PublicPathsBypassAuth(t *testing.T) {
	_, handler, _ := newAuthedHandler(t)

	for _, path := range []string{"/api/health", "/api/token"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, "path %s", path)
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	_, handler, _ := newAuthedHandler(t)

	req := httptest.NewRequest("GET", "/api/users/me", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestMiddleware_BadHeaderFormat(t *testing.T) {
	tokens, handler, _ := newAuthedHandler(t)
	token, err := tokens.Issue("alice")
	require.NoError(t, err)

	for _, header := range []string{"Basic abc", token, "Bearer"} {
		req := httptest.NewRequest("GET", "/api/users/me", nil)
		req.Header.Set("Authorization", header)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
	}
}

func TestMiddleware_ValidTokenAttachesSubject(t *testing.T) {
	tokens, handler, seen := newAuthedHandler(t)
	token, err := tokens.Issue("alice")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", *seen)
}

func TestMiddleware_ForgedTokenRejected(t *testing.T) {
	_, handler, seen := newAuthedHandler(t)
	forger := auth.NewTokenService([]byte("other-secret"), time.Minute)
	token, err := forger.Issue("mallory")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, *seen)
}

func TestMiddleware_NilServiceFailsClosed(t *testing.T) {
	handler := auth.NewMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
