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

package passkey

import (
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
)

// ChallengePurpose identifies which ceremony a challenge was issued for.
type ChallengePurpose string

const (
	// PurposeRegistration marks challenges issued by registration-begin.
	PurposeRegistration ChallengePurpose = "registration"

	// PurposeAuthentication marks challenges issued by authentication-begin.
	PurposeAuthentication ChallengePurpose = "authentication"
)

// Challenge is a short-lived, single-use nonce bound to a user and a
// ceremony. It is created at ceremony-begin and consumed at a successful
// ceremony-complete; expired challenges are treated as absent.
type Challenge struct {
	// ID addresses the challenge row for consumption.
	ID string `json:"id"`

	// UserID is the owning user's handle. Nil for challenges issued by a
	// user-less authentication-begin (discoverable credential flow).
	UserID []byte `json:"user_id,omitempty"`

	// Nonce is the random value bound into the client's signed payload.
	Nonce []byte `json:"nonce"`

	// Purpose is the ceremony this challenge belongs to.
	Purpose ChallengePurpose `json:"purpose"`

	// IssuedAt is when the challenge was minted.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is when the challenge stops being valid.
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the challenge is still valid at the given time.
func (c *Challenge) Active(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}

// Credential is a public-key credential bound to a user. Created at a
// successful registration-complete; only the sign counter and last-used
// timestamp change afterwards, at successful authentication-complete.
type Credential struct {
	// ID is the credential identifier assigned by the authenticator.
	ID []byte `json:"id"`

	// UserID is the user handle this credential belongs to.
	UserID []byte `json:"user_id"`

	// PublicKey is the credential's public key in COSE format. The COSE
	// algorithm identifier travels inside the key.
	PublicKey []byte `json:"public_key"`

	// SignCount is the authenticator's signature counter, used for clone
	// detection. Zero means the authenticator does not track a counter.
	SignCount uint32 `json:"sign_count"`

	// DeviceLabel is a human-readable name for the authenticator.
	DeviceLabel string `json:"device_label"`

	// AAGUID is the authenticator model identifier.
	AAGUID []byte `json:"aaguid,omitempty"`

	// Transport lists the transports reported at registration.
	Transport []protocol.AuthenticatorTransport `json:"transport,omitempty"`

	// Flags captures the authenticator flags observed at registration.
	Flags CredentialFlags `json:"flags"`

	// CreatedAt is when the credential was registered.
	CreatedAt time.Time `json:"created_at"`

	// LastUsedAt is when the credential last completed an authentication.
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// CredentialFlags contains authenticator capability flags.
type CredentialFlags struct {
	// UserPresent indicates the user was present during registration.
	UserPresent bool `json:"user_present"`

	// UserVerified indicates the user was verified (e.g., biometric, PIN).
	UserVerified bool `json:"user_verified"`

	// BackupEligible indicates the credential can be backed up.
	BackupEligible bool `json:"backup_eligible"`

	// BackupState indicates the credential is currently backed up.
	BackupState bool `json:"backup_state"`
}

// Descriptor returns the wire descriptor for allow/exclude lists.
func (c *Credential) Descriptor() protocol.CredentialDescriptor {
	return protocol.CredentialDescriptor{
		Type:         protocol.PublicKeyCredentialType,
		CredentialID: protocol.URLEncodedBase64(c.ID),
		Transport:    c.Transport,
	}
}

// User represents a user known to the ceremony engine. The engine treats
// users as opaque beyond the handle, email, and display name; applications
// bring their own user model by implementing this interface.
type User interface {
	// ID returns the user's stable opaque handle.
	ID() []byte

	// Email returns the user's email address.
	Email() string

	// DisplayName returns the user's display name.
	DisplayName() string
}

// DefaultUser is a simple implementation of the User interface backed by a
// UUID handle. Applications can use it directly or as a reference.
type DefaultUser struct {
	id          []byte
	email       string
	displayName string
}

// NewDefaultUser creates a DefaultUser with a freshly generated UUID handle.
func NewDefaultUser(email, displayName string) *DefaultUser {
	id := uuid.New()
	return &DefaultUser{
		id:          id[:],
		email:       email,
		displayName: displayName,
	}
}

// NewDefaultUserWithID creates a DefaultUser with the given handle.
func NewDefaultUserWithID(id []byte, email, displayName string) *DefaultUser {
	return &DefaultUser{
		id:          id,
		email:       email,
		displayName: displayName,
	}
}

// ID returns the user's handle.
func (u *DefaultUser) ID() []byte {
	return u.id
}

// Email returns the user's email address.
func (u *DefaultUser) Email() string {
	return u.email
}

// DisplayName returns the user's display name, falling back to the email.
func (u *DefaultUser) DisplayName() string {
	if u.displayName == "" {
		return u.email
	}
	return u.displayName
}
