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

import "time"

// HeaderUserID is the header name for the user ID.
const HeaderUserID = "X-User-Id"

// HeaderDeviceName is the header name for the device label sent with a
// registration-finish request.
const HeaderDeviceName = "X-Device-Name"

// BeginRegistrationRequest is the request body for starting registration.
type BeginRegistrationRequest struct {
	// Email is the user's email address (required).
	Email string `json:"email"`

	// DisplayName is the user's display name (optional, defaults to email).
	DisplayName string `json:"display_name,omitempty"`
}

// RegistrationResponse is the response after successful registration.
type RegistrationResponse struct {
	// UserID is the base64-encoded user handle.
	UserID string `json:"user_id"`

	// CredentialID is the base64-encoded credential ID.
	CredentialID string `json:"credential_id"`

	// DeviceLabel is the label stored for the new credential.
	DeviceLabel string `json:"device_label"`
}

// BeginLoginRequest is the request body for starting authentication.
type BeginLoginRequest struct {
	// UserID is the base64-encoded user handle (optional).
	UserID string `json:"user_id,omitempty"`

	// Email is the user's email address (optional, alternative to UserID).
	// If neither is provided, the discoverable credentials flow is used.
	Email string `json:"email,omitempty"`
}

// AuthResponse is the response after successful authentication.
type AuthResponse struct {
	// Token is the authentication token (JWT or base64 user handle).
	Token string `json:"token"`

	// UserID is the base64-encoded user handle.
	UserID string `json:"user_id"`

	// Email is the authenticated user's email address.
	Email string `json:"email"`
}

// CredentialSummary describes a registered credential in list responses.
// The public key itself is never exposed over the API.
type CredentialSummary struct {
	// CredentialID is the base64-encoded credential ID.
	CredentialID string `json:"credential_id"`

	// DeviceLabel is the human-readable authenticator name.
	DeviceLabel string `json:"device_label"`

	// BackedUp indicates the credential is synced to other devices.
	BackedUp bool `json:"backed_up"`

	// CreatedAt is when the credential was registered.
	CreatedAt time.Time `json:"created_at"`

	// LastUsedAt is when the credential last completed an authentication.
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// CredentialListResponse is the response for listing credentials.
type CredentialListResponse struct {
	Credentials []CredentialSummary `json:"credentials"`
}

// ErrorResponse is the response format for errors.
type ErrorResponse struct {
	// Error is the error code.
	Error string `json:"error"`

	// Message is a human-readable error message.
	Message string `json:"message"`
}

// Error codes returned in ErrorResponse.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeUserNotFound         = "user_not_found"
	ErrorCodeNoCredentials        = "no_credentials"
	ErrorCodeCredentialNotFound   = "credential_not_found"
	ErrorCodeDuplicateCredential  = "duplicate_credential"
	ErrorCodeVerificationFailed   = "verification_failed"
	ErrorCodeAuthenticationFailed = "authentication_failed"
	ErrorCodeInternalError        = "internal_error"
)
