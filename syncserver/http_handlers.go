// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Carcadons/RememberMe-2.0/internal/auth"
)

// ClientAuthenticator resolves the authenticated identity from an HTTP request.
// Implementations validate the bearer token (signature plus server-side
// session row) and return the caller's user, device, and session ids.
type ClientAuthenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// SessionAuthenticator is the production ClientAuthenticator backed by a
// SessionStore.
type SessionAuthenticator struct {
	Sessions *SessionStore
}

func (a *SessionAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, ErrInvalidSession
	}
	return a.Sessions.Validate(r.Context(), token)
}

// HTTPHandlers provides the HTTP surface of the sync API.
type HTTPHandlers struct {
	service       *SyncService
	users         *UserStore
	sessions      *SessionStore
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates the handler set.
func NewHTTPHandlers(service *SyncService, users *UserStore, sessions *SessionStore, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	return &HTTPHandlers{
		service:       service,
		users:         users,
		sessions:      sessions,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register attaches all routes to the mux. Protected routes go through the
// auth middleware, which stashes the caller identity in the request context.
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/signup", h.HandleSignup)
	mux.HandleFunc("POST /auth/signin", h.HandleSignin)
	mux.Handle("POST /auth/signout", h.Middleware(http.HandlerFunc(h.HandleSignout)))
	mux.Handle("POST /sync/batch", h.Middleware(http.HandlerFunc(h.HandleBatch)))
	mux.Handle("GET /sync/contacts", h.Middleware(http.HandlerFunc(h.HandlePull)))
	mux.HandleFunc("GET /health", h.HandleHealth)
}

// Middleware authenticates the request and injects the caller identity into
// the context for downstream handlers.
func (h *HTTPHandlers) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := h.authenticator.Authenticate(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "authentication_failed", "Invalid or expired session")
			return
		}
		ctx := auth.SetIdentity(r.Context(), identity.UserID, identity.DeviceID, identity.SessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identityFrom pulls the identity the middleware stored. Missing identity on
// a protected route is a programming error, reported as unauthorized.
func identityFrom(r *http.Request) (*Identity, bool) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok || userID == "" {
		return nil, false
	}
	deviceID, _ := auth.GetDeviceID(r.Context())
	sessionID, _ := auth.GetSessionID(r.Context())
	return &Identity{UserID: userID, DeviceID: deviceID, SessionID: sessionID}, true
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

// HandleSignup registers an account and opens a session in one call.
func (h *HTTPHandlers) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse signup request")
		return
	}

	userID, err := h.users.Signup(r.Context(), req.Username, req.Password)
	if errors.Is(err, ErrUserExists) {
		h.writeError(w, http.StatusConflict, "user_exists", "Username is already taken")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "signup_failed", err.Error())
		return
	}

	h.issueToken(w, r, userID, req.DeviceID)
}

// HandleSignin verifies credentials and opens a session.
func (h *HTTPHandlers) HandleSignin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse signin request")
		return
	}

	userID, err := h.users.Signin(r.Context(), req.Username, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "Invalid username or password")
		return
	}
	if err != nil {
		h.logger.Error("signin failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "signin_failed", "Failed to sign in")
		return
	}

	h.issueToken(w, r, userID, req.DeviceID)
}

func (h *HTTPHandlers) issueToken(w http.ResponseWriter, r *http.Request, userID, deviceID string) {
	if deviceID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "device_id is required")
		return
	}

	token, expiresAt, err := h.sessions.Create(r.Context(), userID, deviceID)
	if err != nil {
		h.logger.Error("failed to create session", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "session_failed", "Failed to create session")
		return
	}

	h.writeJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresIn: int64(expiresAt.Sub(h.sessions.clock.Now()).Seconds()),
		UserID:    userID,
		DeviceID:  deviceID,
	})
}

// HandleSignout revokes the caller's session.
func (h *HTTPHandlers) HandleSignout(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "Invalid or expired session")
		return
	}
	if err := h.sessions.Revoke(r.Context(), identity.SessionID); err != nil {
		h.logger.Error("failed to revoke session", "error", err, "session_id", identity.SessionID)
		h.writeError(w, http.StatusInternalServerError, "signout_failed", "Failed to sign out")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleBatch processes a batch merge request.
func (h *HTTPHandlers) HandleBatch(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "Invalid or expired session")
		return
	}

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse batch request")
		return
	}

	resp, err := h.service.ProcessBatch(r.Context(), identity.UserID, identity.DeviceID, &req)
	if err != nil {
		h.logger.Error("failed to process batch", "error", err, "user_id", identity.UserID, "device_id", identity.DeviceID)
		h.writeError(w, http.StatusInternalServerError, "batch_failed", "Failed to process batch")
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// HandlePull serves the full contact snapshot for the authenticated user.
func (h *HTTPHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "Invalid or expired session")
		return
	}

	resp, err := h.service.Pull(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("failed to serve snapshot", "error", err, "user_id", identity.UserID)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to fetch contacts")
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// HandleHealth reports service liveness.
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, StatusResponse{
		Status:  "ok",
		AppName: h.service.config.AppName,
	})
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response.
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}

	h.logger.Debug("http error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
