// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-passkey.
//
// go-passkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jeremyhahn/go-passkey/pkg/passkey"
)

// Handler provides HTTP handlers for the passkey ceremonies.
// These handlers can be mounted on any HTTP router.
type Handler struct {
	service *passkey.Service
	logger  *slog.Logger
}

// NewHandler creates a new passkey HTTP handler.
func NewHandler(service *passkey.Service) *Handler {
	return &Handler{
		service: service,
		logger:  slog.Default(),
	}
}

// WithLogger sets a custom logger for the handler.
func (h *Handler) WithLogger(logger *slog.Logger) *Handler {
	h.logger = logger
	return h
}

// BeginRegistration handles POST /registration/begin
//
// Request body:
//
//	{
//	    "email": "user@example.com",
//	    "display_name": "User Name" // optional
//	}
//
// Response: WebAuthn PublicKeyCredentialCreationOptions
// Header: X-User-Id (user handle for FinishRegistration)
func (h *Handler) BeginRegistration(w http.ResponseWriter, r *http.Request) {
	var req BeginRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid request body")
		return
	}

	if req.Email == "" {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "email is required")
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Email
	}

	options, user, err := h.service.BeginRegistration(r.Context(), req.Email, displayName)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	w.Header().Set(HeaderUserID, base64.RawURLEncoding.EncodeToString(user.ID()))
	h.writeJSON(w, http.StatusOK, options)
}

// FinishRegistration handles POST /registration/finish
//
// Header: X-User-Id (from BeginRegistration)
// Header: X-Device-Name (optional device label)
// Request body: Attestation response from authenticator
// Response: RegistrationResponse with user and credential IDs
func (h *Handler) FinishRegistration(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDFromHeader(w, r)
	if !ok {
		return
	}

	response, err := h.service.ParseRegistrationResponse(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid attestation response")
		return
	}

	cred, err := h.service.FinishRegistration(r.Context(), userID, r.Header.Get(HeaderDeviceName), response)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, RegistrationResponse{
		UserID:       base64.RawURLEncoding.EncodeToString(cred.UserID),
		CredentialID: base64.RawURLEncoding.EncodeToString(cred.ID),
		DeviceLabel:  cred.DeviceLabel,
	})
}

// BeginLogin handles POST /login/begin
//
// Request body:
//
//	{
//	    "user_id": "base64-user-id", // optional
//	    "email": "user@example.com"  // optional, alternative to user_id
//	}
//
// If neither user_id nor email is provided, uses discoverable credentials flow.
// Response: WebAuthn PublicKeyCredentialRequestOptions
// Header: X-User-Id (if user was identified)
func (h *Handler) BeginLogin(w http.ResponseWriter, r *http.Request) {
	var req BeginLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Allow empty body for discoverable credentials
		req = BeginLoginRequest{}
	}

	var userID []byte
	var err error

	if req.UserID != "" {
		userID, err = base64.RawURLEncoding.DecodeString(req.UserID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid user ID encoding")
			return
		}
	} else if req.Email != "" {
		user, userErr := h.service.GetUserByEmail(r.Context(), req.Email)
		if userErr != nil {
			if passkey.IsUserNotFound(userErr) {
				h.writeError(w, http.StatusNotFound, ErrorCodeUserNotFound, "user not found")
				return
			}
			h.handleServiceError(w, userErr)
			return
		}
		userID = user.ID()
	}

	options, err := h.service.BeginLogin(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	if userID != nil {
		w.Header().Set(HeaderUserID, base64.RawURLEncoding.EncodeToString(userID))
	}
	h.writeJSON(w, http.StatusOK, options)
}

// FinishLogin handles POST /login/finish
//
// Request body: Assertion response from authenticator
// Response: AuthResponse with token, user ID, and email
//
// All authentication failures collapse to a single 401 so a caller cannot
// probe which credentials or challenges exist.
func (h *Handler) FinishLogin(w http.ResponseWriter, r *http.Request) {
	response, err := h.service.ParseLoginResponse(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid assertion response")
		return
	}

	token, user, err := h.service.FinishLogin(r.Context(), response)
	if err != nil {
		if errors.Is(err, passkey.ErrInternal) {
			h.writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "internal server error")
			return
		}
		h.writeError(w, http.StatusUnauthorized, ErrorCodeAuthenticationFailed, "authentication failed")
		return
	}

	h.writeJSON(w, http.StatusOK, AuthResponse{
		Token:  token,
		UserID: base64.RawURLEncoding.EncodeToString(user.ID()),
		Email:  user.Email(),
	})
}

// ListCredentials handles GET /credentials
//
// Header: X-User-Id
// Response: CredentialListResponse
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDFromHeader(w, r)
	if !ok {
		return
	}

	creds, err := h.service.ListCredentials(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	summaries := make([]CredentialSummary, len(creds))
	for i, cred := range creds {
		summaries[i] = CredentialSummary{
			CredentialID: base64.RawURLEncoding.EncodeToString(cred.ID),
			DeviceLabel:  cred.DeviceLabel,
			BackedUp:     cred.Flags.BackupState,
			CreatedAt:    cred.CreatedAt,
			LastUsedAt:   cred.LastUsedAt,
		}
	}

	h.writeJSON(w, http.StatusOK, CredentialListResponse{Credentials: summaries})
}

// DeleteCredential handles DELETE /credentials/{credentialID}
//
// Header: X-User-Id
// The credentialID path segment is base64url encoded.
func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDFromHeader(w, r)
	if !ok {
		return
	}

	credID, err := base64.RawURLEncoding.DecodeString(chi.URLParam(r, "credentialID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid credential ID encoding")
		return
	}

	if err := h.service.DeleteCredential(r.Context(), credID, userID); err != nil {
		h.handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// userIDFromHeader extracts and decodes the X-User-Id header, writing an
// error response when it is missing or malformed.
func (h *Handler) userIDFromHeader(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	userIDStr := r.Header.Get(HeaderUserID)
	if userIDStr == "" {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "user ID header is required")
		return nil, false
	}
	userID, err := base64.RawURLEncoding.DecodeString(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid user ID encoding")
		return nil, false
	}
	return userID, true
}

// handleServiceError maps service errors to HTTP responses.
func (h *Handler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, passkey.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, ErrorCodeUserNotFound, "user not found")
	case errors.Is(err, passkey.ErrCredentialNotFound):
		h.writeError(w, http.StatusNotFound, ErrorCodeCredentialNotFound, "credential not found")
	case errors.Is(err, passkey.ErrNoCredentials):
		h.writeError(w, http.StatusBadRequest, ErrorCodeNoCredentials, "user has no registered credentials")
	case errors.Is(err, passkey.ErrDuplicateCredential):
		h.writeError(w, http.StatusConflict, ErrorCodeDuplicateCredential, "credential already registered")
	case errors.Is(err, passkey.ErrChallengeNotFound):
		h.writeError(w, http.StatusUnauthorized, ErrorCodeVerificationFailed, "verification failed")
	case errors.Is(err, passkey.ErrMalformedResponse):
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid authenticator response")
	case passkey.IsVerificationFailed(err):
		h.writeError(w, http.StatusUnauthorized, ErrorCodeVerificationFailed, "verification failed")
	default:
		h.writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "internal server error")
	}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Response headers already written, can only log the error
		h.logger.Error("failed to encode JSON response",
			"error", err,
			"status", status)
	}
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: message,
	})
}
