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
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

// Service provides passkey registration and authentication ceremonies.
// All methods are safe for concurrent use; the service holds no per-ceremony
// state of its own, everything lives in the stores.
type Service struct {
	config     *Config
	users      UserStore
	challenges ChallengeStore
	creds      CredentialStore
	tokens     TokenGenerator // optional
	logger     *slog.Logger
	now        func() time.Time
	rand       io.Reader
}

// ServiceParams contains dependencies for creating a passkey service.
type ServiceParams struct {
	// Config is the relying-party configuration (required).
	Config *Config

	// UserStore is the user persistence layer (required).
	UserStore UserStore

	// ChallengeStore is the challenge persistence layer (required).
	ChallengeStore ChallengeStore

	// CredentialStore is the credential persistence layer (required).
	CredentialStore CredentialStore

	// TokenGenerator is an optional token generator for post-auth tokens.
	// If nil, the service returns the base64-encoded user handle after auth.
	TokenGenerator TokenGenerator

	// Logger is an optional structured logger. If nil, logging is disabled.
	Logger *slog.Logger
}

// NewService creates a new passkey service with the provided dependencies.
func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if params.UserStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if params.ChallengeStore == nil {
		return nil, fmt.Errorf("challenge store is required")
	}
	if params.CredentialStore == nil {
		return nil, fmt.Errorf("credential store is required")
	}

	params.Config.SetDefaults()
	if err := params.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := params.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Service{
		config:     params.Config,
		users:      params.UserStore,
		challenges: params.ChallengeStore,
		creds:      params.CredentialStore,
		tokens:     params.TokenGenerator,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		rand:       rand.Reader,
	}, nil
}

// supportedCredentialParameters lists the algorithms this service accepts,
// in preference order.
func supportedCredentialParameters() []protocol.CredentialParameter {
	return []protocol.CredentialParameter{
		{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
		{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
	}
}

// BeginRegistration starts the registration ceremony for the given email.
// An unknown email creates a new user; a known email adds a credential to
// the existing account, with already-registered credentials excluded so the
// authenticator refuses to re-register them.
func (s *Service) BeginRegistration(ctx context.Context, email, displayName string) (*protocol.CredentialCreation, User, error) {
	start := s.now()

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !IsUserNotFound(err) {
			observeCeremony(ceremonyRegistration, err, start, s.now())
			return nil, nil, WrapError("get user by email", err)
		}
		user, err = s.users.Create(ctx, email, displayName)
		if err != nil {
			observeCeremony(ceremonyRegistration, err, start, s.now())
			return nil, nil, WrapError("create user", err)
		}
	}

	existing, err := s.creds.ListForUser(ctx, user.ID())
	if err != nil {
		observeCeremony(ceremonyRegistration, err, start, s.now())
		return nil, nil, WrapError("list credentials", err)
	}
	excludeList := make([]protocol.CredentialDescriptor, len(existing))
	for i, cred := range existing {
		excludeList[i] = cred.Descriptor()
	}

	challenge, err := s.issueChallenge(ctx, user.ID(), PurposeRegistration)
	if err != nil {
		observeCeremony(ceremonyRegistration, err, start, s.now())
		return nil, nil, err
	}

	options := &protocol.CredentialCreation{
		Response: protocol.PublicKeyCredentialCreationOptions{
			RelyingParty: protocol.RelyingPartyEntity{
				CredentialEntity: protocol.CredentialEntity{Name: s.config.RPDisplayName},
				ID:               s.config.RPID,
			},
			User: protocol.UserEntity{
				CredentialEntity: protocol.CredentialEntity{Name: user.Email()},
				DisplayName:      user.DisplayName(),
				ID:               protocol.URLEncodedBase64(user.ID()),
			},
			Challenge:              protocol.URLEncodedBase64(challenge.Nonce),
			Parameters:             supportedCredentialParameters(),
			Timeout:                int(s.config.CeremonyTimeout.Milliseconds()),
			AuthenticatorSelection: s.config.authenticatorSelection(),
			Attestation:            s.config.attestation(),
			CredentialExcludeList:  excludeList,
		},
	}

	s.logger.Debug("registration ceremony started",
		"email", email,
		"challenge_id", challenge.ID,
		"excluded", len(excludeList))

	return options, user, nil
}

// FinishRegistration completes the registration ceremony. The response is
// verified against the user's active registration challenge; on success the
// challenge is consumed and the new credential stored. A replay of the same
// response fails with ErrChallengeNotFound because the challenge is gone.
func (s *Service) FinishRegistration(ctx context.Context, userID []byte, deviceLabel string, response *protocol.ParsedCredentialCreationData) (*Credential, error) {
	start := s.now()
	cred, err := s.finishRegistration(ctx, userID, deviceLabel, response)
	observeCeremony(ceremonyRegistration, err, start, s.now())
	if err != nil {
		s.logger.Warn("registration ceremony failed", "reason", FailureKind(err))
		return nil, err
	}
	s.logger.Info("credential registered",
		"credential_id", base64.RawURLEncoding.EncodeToString(cred.ID),
		"device", cred.DeviceLabel)
	return cred, nil
}

func (s *Service) finishRegistration(ctx context.Context, userID []byte, deviceLabel string, response *protocol.ParsedCredentialCreationData) (*Credential, error) {
	if response == nil {
		return nil, WrapError("finish registration", ErrMalformedResponse)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, WrapError("get user", err)
	}

	now := s.now()
	challenge, err := s.challenges.FindActive(ctx, user.ID(), PurposeRegistration, now)
	if err != nil {
		return nil, WrapError("find challenge", err)
	}

	// Verify everything before touching state. The challenge is only
	// consumed once the response is known to be good.
	if err := BindCheck(&response.Response.CollectedClientData, protocol.CreateCeremony, challenge.Nonce, s.config.RPOrigins); err != nil {
		return nil, WrapError("verify client data", err)
	}
	attested, err := VerifyAttestation(response, s.config.RPID, s.config.RequireUserVerification())
	if err != nil {
		return nil, WrapError("verify attestation", err)
	}

	// Commit point. A concurrent completion of the same ceremony loses the
	// race here and observes ErrChallengeNotFound.
	if err := s.challenges.Consume(ctx, challenge.ID); err != nil {
		return nil, WrapError("consume challenge", err)
	}

	if deviceLabel == "" {
		deviceLabel = "Primary Device"
	}
	cred := &Credential{
		ID:          attested.ID,
		UserID:      user.ID(),
		PublicKey:   attested.PublicKey,
		SignCount:   attested.SignCount,
		DeviceLabel: deviceLabel,
		AAGUID:      attested.AAGUID,
		Transport:   response.Response.Transports,
		Flags:       attested.Flags,
		CreatedAt:   now,
	}
	if err := s.creds.Create(ctx, cred); err != nil {
		return nil, WrapError("store credential", err)
	}

	return cred, nil
}

// BeginLogin starts the authentication ceremony. A nil userID issues an
// ownerless challenge for the discoverable credential flow, where the
// authenticator itself picks the credential. For a known user the allow
// list carries all of their registered credentials; a known user with no
// credentials fails with ErrNoCredentials.
func (s *Service) BeginLogin(ctx context.Context, userID []byte) (*protocol.CredentialAssertion, error) {
	start := s.now()

	var allowList []protocol.CredentialDescriptor
	if userID != nil {
		user, err := s.users.GetByID(ctx, userID)
		if err != nil {
			observeCeremony(ceremonyAuthentication, err, start, s.now())
			return nil, WrapError("get user", err)
		}
		creds, err := s.creds.ListForUser(ctx, user.ID())
		if err != nil {
			observeCeremony(ceremonyAuthentication, err, start, s.now())
			return nil, WrapError("list credentials", err)
		}
		if len(creds) == 0 {
			observeCeremony(ceremonyAuthentication, ErrNoCredentials, start, s.now())
			return nil, WrapError("begin login", ErrNoCredentials)
		}
		allowList = make([]protocol.CredentialDescriptor, len(creds))
		for i, cred := range creds {
			allowList[i] = cred.Descriptor()
		}
	}

	challenge, err := s.issueChallenge(ctx, userID, PurposeAuthentication)
	if err != nil {
		observeCeremony(ceremonyAuthentication, err, start, s.now())
		return nil, err
	}

	options := &protocol.CredentialAssertion{
		Response: protocol.PublicKeyCredentialRequestOptions{
			Challenge:          protocol.URLEncodedBase64(challenge.Nonce),
			Timeout:            int(s.config.CeremonyTimeout.Milliseconds()),
			RelyingPartyID:     s.config.RPID,
			AllowedCredentials: allowList,
			UserVerification:   s.config.userVerification(),
		},
	}

	s.logger.Debug("authentication ceremony started",
		"challenge_id", challenge.ID,
		"discoverable", userID == nil,
		"allowed", len(allowList))

	return options, nil
}

// FinishLogin completes the authentication ceremony. The credential is
// located by the response's credential ID, the assertion verified against
// its stored public key, the challenge consumed, and the sign counter
// advanced. Returns a token for the authenticated user.
func (s *Service) FinishLogin(ctx context.Context, response *protocol.ParsedCredentialAssertionData) (string, User, error) {
	start := s.now()
	token, user, err := s.finishLogin(ctx, response)
	observeCeremony(ceremonyAuthentication, err, start, s.now())
	if err != nil {
		s.logger.Warn("authentication ceremony failed", "reason", FailureKind(err))
		return "", nil, err
	}
	s.logger.Info("user authenticated", "email", user.Email())
	return token, user, nil
}

func (s *Service) finishLogin(ctx context.Context, response *protocol.ParsedCredentialAssertionData) (string, User, error) {
	if response == nil {
		return "", nil, WrapError("finish login", ErrMalformedResponse)
	}

	cred, err := s.creds.GetByCredentialID(ctx, response.RawID)
	if err != nil {
		return "", nil, WrapError("get credential", err)
	}

	// A user-identified ceremony stored the challenge under the owner; the
	// discoverable flow stored it ownerless. Check the owner first so a
	// concurrent discoverable ceremony cannot satisfy an identified one.
	now := s.now()
	challenge, err := s.challenges.FindActive(ctx, cred.UserID, PurposeAuthentication, now)
	if err != nil {
		if !IsChallengeNotFound(err) {
			return "", nil, WrapError("find challenge", err)
		}
		challenge, err = s.challenges.FindActive(ctx, nil, PurposeAuthentication, now)
		if err != nil {
			return "", nil, WrapError("find challenge", err)
		}
	}

	// The user handle, when present, must name the credential's owner.
	if len(response.Response.UserHandle) > 0 && !bytes.Equal(response.Response.UserHandle, cred.UserID) {
		return "", nil, WrapError("verify user handle", ErrSignatureInvalid)
	}

	if err := BindCheck(&response.Response.CollectedClientData, protocol.AssertCeremony, challenge.Nonce, s.config.RPOrigins); err != nil {
		return "", nil, WrapError("verify client data", err)
	}
	newCount, err := VerifyAssertion(response, cred.PublicKey, s.config.RPID, s.config.RequireUserVerification())
	if err != nil {
		return "", nil, WrapError("verify assertion", err)
	}

	// Counter regression means a possible cloned authenticator. Reject
	// before consuming so the legitimate device can still complete. The
	// zero counter is exempt: it means "not tracked", not "reset".
	if newCount != 0 && newCount <= cred.SignCount {
		s.logger.Warn("sign counter regression, possible cloned authenticator",
			"credential_id", base64.RawURLEncoding.EncodeToString(cred.ID),
			"stored", cred.SignCount,
			"received", newCount)
		return "", nil, WrapError("verify sign counter", ErrCounterRegression)
	}

	// Commit point.
	if err := s.challenges.Consume(ctx, challenge.ID); err != nil {
		return "", nil, WrapError("consume challenge", err)
	}

	if err := s.creds.UpdateAfterAuthentication(ctx, cred.ID, newCount, now); err != nil {
		return "", nil, WrapError("update credential", err)
	}

	user, err := s.users.GetByID(ctx, cred.UserID)
	if err != nil {
		return "", nil, WrapError("get user", err)
	}
	token, err := s.generateToken(ctx, user)
	if err != nil {
		return "", nil, WrapError("generate token", err)
	}

	return token, user, nil
}

// ParseRegistrationResponse decodes a registration response body into its
// parsed form. Decode failures map to ErrMalformedResponse.
func (s *Service) ParseRegistrationResponse(body io.Reader) (*protocol.ParsedCredentialCreationData, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		return nil, WrapError("parse registration response", fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	return parsed, nil
}

// ParseLoginResponse decodes an authentication response body into its
// parsed form. Decode failures map to ErrMalformedResponse.
func (s *Service) ParseLoginResponse(body io.Reader) (*protocol.ParsedCredentialAssertionData, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		return nil, WrapError("parse login response", fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	return parsed, nil
}

// GetUser retrieves a user by handle.
func (s *Service) GetUser(ctx context.Context, userID []byte) (User, error) {
	return s.users.GetByID(ctx, userID)
}

// GetUserByEmail retrieves a user by email address.
func (s *Service) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.users.GetByEmail(ctx, email)
}

// ListCredentials retrieves all credentials registered to a user.
func (s *Service) ListCredentials(ctx context.Context, userID []byte) ([]*Credential, error) {
	return s.creds.ListForUser(ctx, userID)
}

// DeleteCredential removes a credential owned by the given user.
func (s *Service) DeleteCredential(ctx context.Context, credID, userID []byte) error {
	return s.creds.Delete(ctx, credID, userID)
}

// DeleteExpiredChallenges removes challenges past their expiry. Meant to be
// called periodically; the server runs it on a ticker.
func (s *Service) DeleteExpiredChallenges(ctx context.Context) (int, error) {
	return s.challenges.DeleteExpired(ctx, s.now())
}

// Config returns the service configuration.
func (s *Service) Config() *Config {
	return s.config
}

// issueChallenge mints, persists, and returns a fresh challenge.
func (s *Service) issueChallenge(ctx context.Context, userID []byte, purpose ChallengePurpose) (*Challenge, error) {
	nonce := make([]byte, s.config.ChallengeLength)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, WrapError("generate nonce", fmt.Errorf("%w: %v", ErrInternal, err))
	}
	idBytes := make([]byte, 16)
	if _, err := io.ReadFull(s.rand, idBytes); err != nil {
		return nil, WrapError("generate challenge id", fmt.Errorf("%w: %v", ErrInternal, err))
	}

	now := s.now()
	challenge := &Challenge{
		ID:        hex.EncodeToString(idBytes),
		UserID:    userID,
		Nonce:     nonce,
		Purpose:   purpose,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.config.ChallengeTTL),
	}
	if err := s.challenges.Issue(ctx, challenge); err != nil {
		return nil, WrapError("issue challenge", err)
	}
	return challenge, nil
}

// generateToken creates a token for the authenticated user.
func (s *Service) generateToken(ctx context.Context, user User) (string, error) {
	if s.tokens != nil {
		return s.tokens.GenerateToken(ctx, user)
	}
	// Default: return base64-encoded user handle
	return base64.RawURLEncoding.EncodeToString(user.ID()), nil
}
