package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreforge/loreforge/internal/auth"
	"github.com/loreforge/loreforge/internal/model"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/campaigns", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	// A caller-supplied ID is propagated, not replaced.
	req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(okHandler()).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func newAuthTestManager(t *testing.T) *auth.JWTManager {
	t.Helper()
	m, err := auth.NewJWTManager("", "", time.Hour, time.Minute)
	require.NoError(t, err)
	return m
}

func TestAuthMiddleware(t *testing.T) {
	mgr := newAuthTestManager(t)
	var userID string
	h := authMiddleware(mgr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := ClaimsFromContext(r.Context()); c != nil {
			userID = c.UserID
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/campaigns", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		var apiErr model.APIError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
		assert.Equal(t, model.ErrCodeUnauthorized, apiErr.Error.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
		req.Header.Set("Authorization", "Token abc")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
		req.Header.Set("Authorization", "Bearer not.a.token")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("stream token rejected on api path", func(t *testing.T) {
		token, _, err := mgr.IssueStreamToken("u1", "")
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		token, _, err := mgr.IssueToken("u1", "Elara")
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "u1", userID)
	})

	t.Run("open paths skip auth", func(t *testing.T) {
		for _, path := range []string{"/health", "/authenticate", "/openapi.yaml", "/stream"} {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code, "path %s", path)
		}
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(slog.Default(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/campaigns", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	assert.Equal(t, model.ErrCodeInternalError, apiErr.Error.Code)
}

func TestBodyLimitMiddleware(t *testing.T) {
	h := bodyLimitMiddleware(16, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var target map[string]any
		if err := decodeJSON(r, &target); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/campaigns",
		strings.NewReader(`{"a":1}`)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/campaigns",
		strings.NewReader(`{"name":"`+strings.Repeat("x", 64)+`"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteJSONEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
	rec := httptest.NewRecorder()
	requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusCreated, map[string]string{"name": "Ravenwood"})
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp model.APIResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.Meta.RequestID)
	assert.False(t, resp.Meta.Timestamp.IsZero())
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/campaigns",
		strings.NewReader(`{"name":"x","surprise":true}`))
	var p payload
	assert.Error(t, decodeJSON(req, &p))
}
