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
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "missing RPID",
			config:  Config{RPDisplayName: "Example", RPOrigins: []string{"https://example.com"}},
			wantErr: "RPID is required",
		},
		{
			name:    "missing display name",
			config:  Config{RPID: "example.com", RPOrigins: []string{"https://example.com"}},
			wantErr: "RPDisplayName is required",
		},
		{
			name:    "missing origins",
			config:  Config{RPID: "example.com", RPDisplayName: "Example"},
			wantErr: "at least one RPOrigin is required",
		},
		{
			name: "challenge length below minimum",
			config: Config{
				RPID:            "example.com",
				RPDisplayName:   "Example",
				RPOrigins:       []string{"https://example.com"},
				ChallengeLength: 8,
			},
			wantErr: "challenge length must be at least 16 bytes",
		},
		{
			name: "invalid user verification",
			config: Config{
				RPID:             "example.com",
				RPDisplayName:    "Example",
				RPOrigins:        []string{"https://example.com"},
				UserVerification: "always",
			},
			wantErr: "invalid user verification",
		},
		{
			name: "invalid attestation preference",
			config: Config{
				RPID:                  "example.com",
				RPDisplayName:         "Example",
				RPOrigins:             []string{"https://example.com"},
				AttestationPreference: "enterprise",
			},
			wantErr: "invalid attestation preference",
		},
		{
			name: "invalid authenticator attachment",
			config: Config{
				RPID:                    "example.com",
				RPDisplayName:           "Example",
				RPOrigins:               []string{"https://example.com"},
				AuthenticatorAttachment: "hybrid",
			},
			wantErr: "invalid authenticator attachment",
		},
		{
			name: "valid minimal",
			config: Config{
				RPID:          "example.com",
				RPDisplayName: "Example",
				RPOrigins:     []string{"https://example.com"},
			},
		},
		{
			name: "valid full",
			config: Config{
				RPID:                    "example.com",
				RPDisplayName:           "Example",
				RPOrigins:               []string{"https://example.com", "https://www.example.com"},
				ChallengeLength:         32,
				UserVerification:        "required",
				AttestationPreference:   "direct",
				ResidentKeyRequirement:  "required",
				AuthenticatorAttachment: "platform",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := &Config{
		RPID:          "example.com",
		RPDisplayName: "Example",
		RPOrigins:     []string{"https://example.com"},
	}
	cfg.SetDefaults()

	assert.Equal(t, 60*time.Second, cfg.CeremonyTimeout)
	assert.Equal(t, 5*time.Minute, cfg.ChallengeTTL)
	assert.Equal(t, 32, cfg.ChallengeLength)
	assert.Equal(t, "preferred", cfg.UserVerification)
	assert.Equal(t, "none", cfg.AttestationPreference)
	assert.Equal(t, "preferred", cfg.ResidentKeyRequirement)
}

func TestConfig_SetDefaults_PreservesExplicit(t *testing.T) {
	cfg := &Config{
		RPID:             "example.com",
		RPDisplayName:    "Example",
		RPOrigins:        []string{"https://example.com"},
		ChallengeTTL:     time.Minute,
		ChallengeLength:  64,
		UserVerification: "required",
	}
	cfg.SetDefaults()

	assert.Equal(t, time.Minute, cfg.ChallengeTTL)
	assert.Equal(t, 64, cfg.ChallengeLength)
	assert.Equal(t, "required", cfg.UserVerification)
}

func TestConfig_RequireUserVerification(t *testing.T) {
	cfg := &Config{UserVerification: "required"}
	assert.True(t, cfg.RequireUserVerification())

	cfg.UserVerification = "preferred"
	assert.False(t, cfg.RequireUserVerification())

	cfg.UserVerification = "discouraged"
	assert.False(t, cfg.RequireUserVerification())
}

func TestConfig_ProtocolMappings(t *testing.T) {
	cfg := &Config{
		UserVerification:        "required",
		AttestationPreference:   "direct",
		ResidentKeyRequirement:  "required",
		AuthenticatorAttachment: "cross-platform",
	}

	assert.Equal(t, protocol.VerificationRequired, cfg.userVerification())
	assert.Equal(t, protocol.PreferDirectAttestation, cfg.attestation())

	sel := cfg.authenticatorSelection()
	assert.Equal(t, protocol.ResidentKeyRequirementRequired, sel.ResidentKey)
	assert.Equal(t, protocol.CrossPlatform, sel.AuthenticatorAttachment)
	assert.Equal(t, protocol.VerificationRequired, sel.UserVerification)
}
