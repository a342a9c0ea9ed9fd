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

// Package passkey provides a WebAuthn (FIDO2) relying-party ceremony engine
// that can be used as a library in any Go application.
//
// The engine runs the two WebAuthn ceremonies end to end:
//   - Registration: issue a challenge, verify the attestation response,
//     store the new public-key credential
//   - Authentication: issue a challenge, verify the assertion signature
//     against the stored credential, advance the sign counter
//
// Challenges are short-lived, single-use nonces. Each ceremony-complete
// consumes its challenge exactly once; replays and concurrent completions
// of the same ceremony fail with ErrChallengeNotFound. Sign counters are
// enforced strictly monotonic for authenticators that track them, which
// surfaces cloned authenticators as ErrCounterRegression.
//
// # Architecture
//
// The package is designed with a layered architecture:
//
//  1. Service layer (Service) - Ceremony orchestration
//  2. Verification layer (BindCheck, VerifyAttestation, VerifyAssertion) -
//     Pure functions over parsed responses, no storage access
//  3. Storage layer (UserStore, ChallengeStore, CredentialStore) -
//     Pluggable persistence
//  4. HTTP layer (pkg/passkey/http) - Composable HTTP handlers
//
// # Usage
//
// Basic usage with in-memory storage (for development):
//
//	svc, err := passkey.NewService(passkey.ServiceParams{
//	    Config: &passkey.Config{
//	        RPID:          "localhost",
//	        RPDisplayName: "My App",
//	        RPOrigins:     []string{"https://localhost:3000"},
//	    },
//	    UserStore:       passkey.NewMemoryUserStore(),
//	    ChallengeStore:  passkey.NewMemoryChallengeStore(),
//	    CredentialStore: passkey.NewMemoryCredentialStore(),
//	})
//
// For production, use the sqlite subpackage or implement the storage
// interfaces with your database.
//
// # WebAuthn Specification Compliance
//
// This implementation follows the W3C Web Authentication specification:
//   - https://www.w3.org/TR/webauthn-2/
//   - https://www.w3.org/TR/webauthn-3/
//
// Note: WebAuthn requires HTTPS for all operations. Browsers will only
// expose the WebAuthn API in secure contexts.
package passkey
