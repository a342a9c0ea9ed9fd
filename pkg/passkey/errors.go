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
	"errors"
	"fmt"
)

// Sentinel errors for ceremony operations. Each represents a distinct
// failure kind; callers can rely on errors.Is to tell them apart.
var (
	// ErrChallengeNotFound is returned when no active challenge exists for
	// the ceremony (expired, already consumed, or never issued).
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrChallengeMismatch is returned when the challenge embedded in the
	// client's signed payload differs from the stored nonce.
	ErrChallengeMismatch = errors.New("challenge mismatch")

	// ErrOriginMismatch is returned when the origin embedded in the client
	// data is not an allowed origin.
	ErrOriginMismatch = errors.New("origin mismatch")

	// ErrRPIDMismatch is returned when the relying party ID hash in the
	// authenticator data does not match the configured relying party.
	ErrRPIDMismatch = errors.New("relying party id mismatch")

	// ErrMalformedResponse is returned when the client payload cannot be
	// decoded into the expected ceremony response structure.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrAttestationInvalid is returned when the attestation statement or
	// authenticator data fails verification during registration.
	ErrAttestationInvalid = errors.New("attestation invalid")

	// ErrSignatureInvalid is returned when the assertion signature or
	// authenticator data fails verification during authentication.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrCredentialNotFound is returned when a credential cannot be found.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrDuplicateCredential is returned when attempting to register a
	// credential ID that already exists.
	ErrDuplicateCredential = errors.New("credential already registered")

	// ErrCounterRegression is returned when an assertion carries a sign
	// counter at or below the stored value. Possible cloned authenticator.
	ErrCounterRegression = errors.New("sign counter regression")

	// ErrUnsupportedAlgorithm is returned when a credential public key
	// carries a COSE algorithm identifier this implementation does not support.
	ErrUnsupportedAlgorithm = errors.New("unsupported public key algorithm")

	// ErrUserNotFound is returned when a user cannot be found.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserAlreadyExists is returned when attempting to create a user that already exists.
	ErrUserAlreadyExists = errors.New("user already exists")

	// ErrNoCredentials is returned when a user has no registered credentials.
	ErrNoCredentials = errors.New("user has no registered credentials")

	// ErrInternal is returned for unexpected faults (storage unavailable,
	// library panic). Details are logged, never surfaced to the caller.
	ErrInternal = errors.New("internal failure")
)

// CeremonyError wraps an error with the operation that produced it.
type CeremonyError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

// Error returns the error message.
func (e *CeremonyError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *CeremonyError) Unwrap() error {
	return e.Err
}

// Is reports whether the target error matches.
func (e *CeremonyError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewError creates a new CeremonyError with the given operation and error.
func NewError(op string, err error) error {
	return &CeremonyError{
		Op:  op,
		Err: err,
	}
}

// WrapError wraps an error with an operation name if it's not nil.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewError(op, err)
}

// IsChallengeNotFound returns true if the error indicates no active challenge.
func IsChallengeNotFound(err error) bool {
	return errors.Is(err, ErrChallengeNotFound)
}

// IsCredentialNotFound returns true if the error indicates a credential was not found.
func IsCredentialNotFound(err error) bool {
	return errors.Is(err, ErrCredentialNotFound)
}

// IsDuplicateCredential returns true if the error indicates a duplicate credential ID.
func IsDuplicateCredential(err error) bool {
	return errors.Is(err, ErrDuplicateCredential)
}

// IsCounterRegression returns true if the error indicates a sign counter regression.
func IsCounterRegression(err error) bool {
	return errors.Is(err, ErrCounterRegression)
}

// IsUserNotFound returns true if the error indicates a user was not found.
func IsUserNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}

// IsVerificationFailed returns true if the error is any of the cryptographic
// or binding verification failures.
func IsVerificationFailed(err error) bool {
	return errors.Is(err, ErrChallengeMismatch) ||
		errors.Is(err, ErrOriginMismatch) ||
		errors.Is(err, ErrRPIDMismatch) ||
		errors.Is(err, ErrAttestationInvalid) ||
		errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrUnsupportedAlgorithm)
}

// FailureKind returns a stable label for the error's failure kind, suitable
// for metrics and logs.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrChallengeNotFound):
		return "challenge_not_found"
	case errors.Is(err, ErrChallengeMismatch):
		return "challenge_mismatch"
	case errors.Is(err, ErrOriginMismatch):
		return "origin_mismatch"
	case errors.Is(err, ErrRPIDMismatch):
		return "rp_id_mismatch"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrAttestationInvalid):
		return "attestation_invalid"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrCredentialNotFound):
		return "credential_not_found"
	case errors.Is(err, ErrDuplicateCredential):
		return "duplicate_credential"
	case errors.Is(err, ErrCounterRegression):
		return "counter_regression"
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return "unsupported_algorithm"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrNoCredentials):
		return "no_credentials"
	default:
		return "internal"
	}
}
