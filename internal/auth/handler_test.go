package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loginCounts struct {
	mu     sync.Mutex
	counts map[string]int
}

func (l *loginCounts) IncLogin(result string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	l.counts[result]++
}

type stubAuthenticator struct {
	subject string
	err     error
}

func (s stubAuthenticator) Authenticate(context.Context, string, string) (string, error) {
	return s.subject, s.err
}

type failingIssuer struct{}

func (failingIssuer) Issue(string) (string, time.Time, error) {
	return "", time.Time{}, errors.New("sign failed")
}

func postLogin(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, LoginPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return rr, out
}

func TestLoginHandler(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(testSecret, "gatekeeper", time.Hour, WithClock(fixedClock(now)))
	validator := NewTokenValidator(testSecret, "gatekeeper", WithClock(fixedClock(now)))
	verifier := newTestVerifier(t, seededStore(t), testLogger())

	t.Run("success issues a usable token", func(t *testing.T) {
		rec := &loginCounts{}
		h := NewLoginHandler(verifier, issuer, rec, testLogger())

		rr, body := postLogin(t, h, `{"email":"ann@example.com","password":"correct horse"}`)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
		assert.Equal(t, float64(200), body["status"])

		data := body["data"].(map[string]any)
		assert.Equal(t, "Bearer", data["token_type"])
		assert.Equal(t, "2026-03-01T13:00:00Z", data["expires_at"])

		claims, err := validator.Validate(data["access_token"].(string))
		require.NoError(t, err)
		assert.Equal(t, "1", claims.SubjectID)
		assert.Equal(t, 1, rec.counts["success"])
	})

	t.Run("wrong password is 401 with a fixed message", func(t *testing.T) {
		rec := &loginCounts{}
		h := NewLoginHandler(verifier, issuer, rec, testLogger())

		for _, body := range []string{
			`{"email":"ann@example.com","password":"nope"}`,
			`{"email":"nobody@example.com","password":"nope"}`,
		} {
			rr, out := postLogin(t, h, body)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, map[string]any{
				"status":  float64(401),
				"error":   "Unauthorized",
				"message": "Invalid email or password",
			}, out)
		}
		assert.Equal(t, 2, rec.counts["invalid"])
	})

	t.Run("banned and deleted are 403", func(t *testing.T) {
		h := NewLoginHandler(verifier, issuer, &loginCounts{}, testLogger())

		rr, _ := postLogin(t, h, `{"email":"bob@example.com","password":"pw-bob"}`)
		assert.Equal(t, http.StatusForbidden, rr.Code)

		rr, out := postLogin(t, h, `{"email":"cat@example.com","password":"pw-cat"}`)
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Equal(t, "This account has been deleted", out["message"])
	})

	t.Run("bad bodies are 400", func(t *testing.T) {
		h := NewLoginHandler(verifier, issuer, &loginCounts{}, testLogger())
		for _, body := range []string{`not json`, `{"email":"ann@example.com"}`, `{}`} {
			rr, out := postLogin(t, h, body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, body)
			assert.Equal(t, "Bad Request", out["error"])
		}
	})

	t.Run("store errors are 500", func(t *testing.T) {
		h := NewLoginHandler(stubAuthenticator{err: errors.New("redis down")}, issuer, &loginCounts{}, testLogger())
		rr, out := postLogin(t, h, `{"email":"a@b.c","password":"x"}`)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, out["message"], "redis")
	})

	t.Run("issuer errors are 500", func(t *testing.T) {
		h := NewLoginHandler(stubAuthenticator{subject: "1"}, failingIssuer{}, &loginCounts{}, testLogger())
		rr, _ := postLogin(t, h, `{"email":"a@b.c","password":"x"}`)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("only POST", func(t *testing.T) {
		h := NewLoginHandler(verifier, issuer, &loginCounts{}, testLogger())
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, LoginPath, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
		assert.Equal(t, http.MethodPost, rr.Header().Get("Allow"))
	})
}
