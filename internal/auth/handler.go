package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// LoginPath is the route served by LoginHandler.
const LoginPath = "/api/auth/login"

const maxLoginBodyBytes = 64 << 10

// Authenticator is satisfied by *Verifier.
type Authenticator interface {
	Authenticate(ctx context.Context, identifier, secret string) (string, error)
}

// Issuer is satisfied by *TokenIssuer.
type Issuer interface {
	Issue(subjectID string) (string, time.Time, error)
}

// LoginRecorder counts login outcomes.
type LoginRecorder interface {
	IncLogin(result string)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginData struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type apiResponse struct {
	Status  int        `json:"status"`
	Data    *loginData `json:"data,omitempty"`
	Error   string     `json:"error,omitempty"`
	Message string     `json:"message,omitempty"`
}

// LoginHandler exchanges an email and password for a bearer token.
type LoginHandler struct {
	auth    Authenticator
	issuer  Issuer
	metrics LoginRecorder
	logger  *slog.Logger
}

// NewLoginHandler wires the verifier and token issuer into an HTTP handler.
func NewLoginHandler(auth Authenticator, issuer Issuer, metrics LoginRecorder, logger *slog.Logger) *LoginHandler {
	return &LoginHandler{auth: auth, issuer: issuer, metrics: metrics, logger: logger}
}

func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req loginRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.metrics.IncLogin("bad_request")
		writeError(w, http.StatusBadRequest, "Request body must be a JSON object with email and password")
		return
	}
	if req.Email == "" || req.Password == "" {
		h.metrics.IncLogin("bad_request")
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	subject, err := h.auth.Authenticate(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidCredentials):
		h.metrics.IncLogin("invalid")
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	case errors.Is(err, ErrAccountBanned):
		h.metrics.IncLogin("banned")
		h.logger.Warn("login attempt on banned account")
		writeError(w, http.StatusForbidden, "This account has been banned")
		return
	case errors.Is(err, ErrAccountDeleted):
		h.metrics.IncLogin("deleted")
		h.logger.Warn("login attempt on deleted account")
		writeError(w, http.StatusForbidden, "This account has been deleted")
		return
	default:
		h.metrics.IncLogin("error")
		h.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "An internal error occurred")
		return
	}

	token, expiresAt, err := h.issuer.Issue(subject)
	if err != nil {
		h.metrics.IncLogin("error")
		h.logger.Error("token issue failed", "subject_id", subject, "error", err)
		writeError(w, http.StatusInternalServerError, "An internal error occurred")
		return
	}

	h.metrics.IncLogin("success")
	writeJSON(w, http.StatusOK, apiResponse{
		Status: http.StatusOK,
		Data: &loginData{
			AccessToken: token,
			TokenType:   "Bearer",
			ExpiresAt:   expiresAt.UTC(),
		},
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{
		Status:  status,
		Error:   http.StatusText(status),
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
