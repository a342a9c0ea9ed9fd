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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCeremonyError(t *testing.T) {
	err := NewError("finish login", ErrChallengeNotFound)
	require.Error(t, err)
	assert.Equal(t, "finish login: challenge not found", err.Error())
	assert.True(t, errors.Is(err, ErrChallengeNotFound))
	assert.False(t, errors.Is(err, ErrSignatureInvalid))

	var cerr *CeremonyError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "finish login", cerr.Op)
}

func TestCeremonyError_NoOp(t *testing.T) {
	err := NewError("", ErrOriginMismatch)
	assert.Equal(t, "origin mismatch", err.Error())
}

func TestWrapError(t *testing.T) {
	assert.Nil(t, WrapError("op", nil))

	wrapped := WrapError("verify client data", fmt.Errorf("%w: bad origin", ErrOriginMismatch))
	require.Error(t, wrapped)
	assert.True(t, errors.Is(wrapped, ErrOriginMismatch))
}

func TestIsHelpers(t *testing.T) {
	assert.True(t, IsChallengeNotFound(NewError("op", ErrChallengeNotFound)))
	assert.True(t, IsCredentialNotFound(ErrCredentialNotFound))
	assert.True(t, IsDuplicateCredential(ErrDuplicateCredential))
	assert.True(t, IsCounterRegression(ErrCounterRegression))
	assert.True(t, IsUserNotFound(ErrUserNotFound))

	assert.False(t, IsChallengeNotFound(ErrCredentialNotFound))
	assert.False(t, IsCounterRegression(nil))
}

func TestIsVerificationFailed(t *testing.T) {
	for _, err := range []error{
		ErrChallengeMismatch,
		ErrOriginMismatch,
		ErrRPIDMismatch,
		ErrAttestationInvalid,
		ErrSignatureInvalid,
		ErrUnsupportedAlgorithm,
	} {
		assert.True(t, IsVerificationFailed(err), err.Error())
		assert.True(t, IsVerificationFailed(NewError("op", err)), err.Error())
	}

	assert.False(t, IsVerificationFailed(ErrChallengeNotFound))
	assert.False(t, IsVerificationFailed(ErrCounterRegression))
}

func TestFailureKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrChallengeNotFound, "challenge_not_found"},
		{ErrChallengeMismatch, "challenge_mismatch"},
		{ErrOriginMismatch, "origin_mismatch"},
		{ErrRPIDMismatch, "rp_id_mismatch"},
		{ErrMalformedResponse, "malformed_response"},
		{ErrAttestationInvalid, "attestation_invalid"},
		{ErrSignatureInvalid, "signature_invalid"},
		{ErrCredentialNotFound, "credential_not_found"},
		{ErrDuplicateCredential, "duplicate_credential"},
		{ErrCounterRegression, "counter_regression"},
		{ErrUnsupportedAlgorithm, "unsupported_algorithm"},
		{ErrUserNotFound, "user_not_found"},
		{ErrNoCredentials, "no_credentials"},
		{errors.New("disk on fire"), "internal"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FailureKind(tt.err))
		assert.Equal(t, tt.want, FailureKind(NewError("op", tt.err)))
	}
}
