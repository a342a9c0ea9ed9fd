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
	"context"
	"time"
)

// UserStore is the interface applications implement for user persistence.
// This interface is intentionally minimal - applications bring their own user model.
type UserStore interface {
	// GetByID retrieves a user by their handle.
	// Returns ErrUserNotFound if the user does not exist.
	GetByID(ctx context.Context, userID []byte) (User, error)

	// GetByEmail retrieves a user by their email address.
	// Returns ErrUserNotFound if the user does not exist.
	GetByEmail(ctx context.Context, email string) (User, error)

	// Create creates a new user with the given email and display name.
	// Returns ErrUserAlreadyExists if the email is taken.
	Create(ctx context.Context, email, displayName string) (User, error)

	// Delete removes a user by their handle.
	// Returns ErrUserNotFound if the user does not exist.
	Delete(ctx context.Context, userID []byte) error
}

// ChallengeStore manages the short-lived, single-use challenges backing
// registration and authentication ceremonies.
type ChallengeStore interface {
	// Issue persists a freshly minted challenge. Issuing does not
	// invalidate prior unexpired challenges for the same user/purpose.
	Issue(ctx context.Context, challenge *Challenge) error

	// FindActive returns the most recently issued non-expired challenge
	// for the given user and purpose. Selection is deterministic: latest
	// IssuedAt, ties broken by ID. A nil userID matches challenges issued
	// without an owner. Returns ErrChallengeNotFound if none qualify.
	FindActive(ctx context.Context, userID []byte, purpose ChallengePurpose, now time.Time) (*Challenge, error)

	// Consume invalidates the challenge as a check-and-delete. Exactly one
	// caller succeeds; concurrent or repeated consumers observe
	// ErrChallengeNotFound.
	Consume(ctx context.Context, challengeID string) error

	// DeleteExpired removes challenges whose expiry has passed and returns
	// how many were removed. Housekeeping only; expired challenges are
	// already invisible to FindActive.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// CredentialStore manages durable public-key credential persistence.
type CredentialStore interface {
	// Create stores a new credential. Returns ErrDuplicateCredential if
	// the credential ID already exists; uniqueness is a store invariant,
	// not an application-level check.
	Create(ctx context.Context, cred *Credential) error

	// GetByCredentialID retrieves a credential by its ID.
	// Returns ErrCredentialNotFound if the credential does not exist.
	GetByCredentialID(ctx context.Context, credID []byte) (*Credential, error)

	// ListForUser retrieves all credentials for a user.
	// Returns an empty slice if the user has no credentials.
	ListForUser(ctx context.Context, userID []byte) ([]*Credential, error)

	// UpdateAfterAuthentication advances the sign counter and last-used
	// timestamp. The update is a compare-and-set against the stored
	// counter: it fails with ErrCounterRegression when newSignCount is at
	// or below the stored value and nonzero. A zero newSignCount means the
	// authenticator does not track a counter; only the timestamp moves.
	// Returns ErrCredentialNotFound if the credential does not exist.
	UpdateAfterAuthentication(ctx context.Context, credID []byte, newSignCount uint32, usedAt time.Time) error

	// Delete removes a credential owned by the given user.
	// Returns ErrCredentialNotFound if the credential does not exist or
	// belongs to a different user.
	Delete(ctx context.Context, credID, userID []byte) error
}

// TokenGenerator is an optional interface for generating tokens after a
// successful authentication. If not provided, the service returns the
// base64-encoded user handle.
type TokenGenerator interface {
	// GenerateToken creates a JWT or other token for the authenticated user.
	GenerateToken(ctx context.Context, user User) (string, error)
}
