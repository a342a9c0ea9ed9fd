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
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

// This file holds the pure verification functions. They consume byte buffers
// and parsed protocol structures, touch no storage, and return the sentinel
// errors from errors.go. All state transitions live in service.go.

// AttestedCredential is the verified fact extracted from a registration
// response: the new credential as attested by the authenticator.
type AttestedCredential struct {
	// ID is the credential identifier.
	ID []byte

	// PublicKey is the credential public key in COSE format.
	PublicKey []byte

	// SignCount is the initial signature counter.
	SignCount uint32

	// AAGUID is the authenticator model identifier.
	AAGUID []byte

	// Flags are the authenticator flags observed at registration.
	Flags CredentialFlags
}

// BindCheck verifies that decoded client data is bound to this ceremony:
// correct ceremony type, the stored nonce, and an allowed origin. Failures
// are distinguishable: ErrMalformedResponse for a wrong ceremony type,
// ErrChallengeMismatch and ErrOriginMismatch for the binding checks.
func BindCheck(cd *protocol.CollectedClientData, ceremony protocol.CeremonyType, expectedNonce []byte, allowedOrigins []string) error {
	if cd == nil {
		return ErrMalformedResponse
	}
	if cd.Type != ceremony {
		return fmt.Errorf("%w: unexpected client data type %q", ErrMalformedResponse, cd.Type)
	}

	// The client echoes the challenge base64url-encoded without padding.
	expected := base64.RawURLEncoding.EncodeToString(expectedNonce)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(cd.Challenge)) != 1 {
		return ErrChallengeMismatch
	}

	for _, origin := range allowedOrigins {
		if cd.Origin == origin {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrOriginMismatch, cd.Origin)
}

// VerifySignature verifies sig over signed using a stored COSE public key.
// The algorithm is selected by the COSE identifier carried in the key;
// ES256 (ECDSA-P256-SHA256) and RS256 (RSASSA-PKCS1v1.5-SHA256) are
// supported, anything else fails closed with ErrUnsupportedAlgorithm.
func VerifySignature(coseKey, signed, sig []byte) error {
	parsed, err := webauthncose.ParsePublicKey(coseKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	}

	switch key := parsed.(type) {
	case webauthncose.EC2PublicKeyData:
		if webauthncose.COSEAlgorithmIdentifier(key.Algorithm) != webauthncose.AlgES256 {
			return fmt.Errorf("%w: COSE alg %d", ErrUnsupportedAlgorithm, key.Algorithm)
		}
		return checkVerifyResult(key.Verify(signed, sig))
	case webauthncose.RSAPublicKeyData:
		if webauthncose.COSEAlgorithmIdentifier(key.Algorithm) != webauthncose.AlgRS256 {
			return fmt.Errorf("%w: COSE alg %d", ErrUnsupportedAlgorithm, key.Algorithm)
		}
		return checkVerifyResult(key.Verify(signed, sig))
	default:
		return fmt.Errorf("%w: unsupported COSE key type", ErrUnsupportedAlgorithm)
	}
}

func checkVerifyResult(ok bool, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !ok {
		return ErrSignatureInvalid
	}
	return nil
}

// VerifyAttestation verifies the authenticator data and attestation
// statement of a registration response and extracts the new credential.
// Binding checks on the client data are BindCheck's job and must run first.
//
// Attestation chain trust is out of scope: "none" is accepted as-is and
// "packed" is verified against the attestation certificate or the credential
// key itself (self-attestation). Other formats fail with ErrAttestationInvalid.
func VerifyAttestation(pcc *protocol.ParsedCredentialCreationData, rpID string, requireUV bool) (*AttestedCredential, error) {
	if pcc == nil {
		return nil, ErrMalformedResponse
	}

	attObj := &pcc.Response.AttestationObject
	authData := &attObj.AuthData

	if err := verifyAuthenticatorData(authData, rpID, requireUV, ErrAttestationInvalid); err != nil {
		return nil, err
	}
	if !authData.Flags.HasAttestedCredentialData() {
		return nil, fmt.Errorf("%w: no attested credential data", ErrAttestationInvalid)
	}
	if len(authData.AttData.CredentialID) == 0 {
		return nil, fmt.Errorf("%w: empty credential id", ErrAttestationInvalid)
	}

	// The public key must parse and carry a supported algorithm up front,
	// so a credential we store is always one we can verify later.
	coseKey := authData.AttData.CredentialPublicKey
	if err := checkSupportedAlgorithm(coseKey); err != nil {
		return nil, err
	}

	clientDataJSON := []byte(pcc.Raw.AttestationResponse.ClientDataJSON)
	if err := verifyAttestationStatement(attObj, clientDataJSON); err != nil {
		return nil, err
	}

	return &AttestedCredential{
		ID:        authData.AttData.CredentialID,
		PublicKey: coseKey,
		SignCount: authData.Counter,
		AAGUID:    authData.AttData.AAGUID,
		Flags: CredentialFlags{
			UserPresent:    authData.Flags.UserPresent(),
			UserVerified:   authData.Flags.UserVerified(),
			BackupEligible: authData.Flags.HasBackupEligible(),
			BackupState:    authData.Flags.HasBackupState(),
		},
	}, nil
}

// VerifyAssertion verifies an authentication response against a stored COSE
// public key: relying-party binding, flags, and the signature over
// authenticatorData || sha256(clientDataJSON). Returns the new sign counter.
// Binding checks on the client data are BindCheck's job and must run first.
func VerifyAssertion(pca *protocol.ParsedCredentialAssertionData, coseKey []byte, rpID string, requireUV bool) (uint32, error) {
	if pca == nil {
		return 0, ErrMalformedResponse
	}

	authData := &pca.Response.AuthenticatorData
	if err := verifyAuthenticatorData(authData, rpID, requireUV, ErrSignatureInvalid); err != nil {
		return 0, err
	}

	rawAuthData := []byte(pca.Raw.AssertionResponse.AuthenticatorData)
	clientDataJSON := []byte(pca.Raw.AssertionResponse.ClientDataJSON)
	if len(rawAuthData) == 0 || len(clientDataJSON) == 0 {
		return 0, ErrMalformedResponse
	}

	clientDataHash := sha256.Sum256(clientDataJSON)
	signed := make([]byte, 0, len(rawAuthData)+len(clientDataHash))
	signed = append(signed, rawAuthData...)
	signed = append(signed, clientDataHash[:]...)

	if err := VerifySignature(coseKey, signed, pca.Response.Signature); err != nil {
		return 0, err
	}

	return authData.Counter, nil
}

// verifyAuthenticatorData checks the relying-party hash and flag
// requirements shared by both ceremonies. failKind selects the error family
// flag failures map to (attestation vs signature).
func verifyAuthenticatorData(authData *protocol.AuthenticatorData, rpID string, requireUV bool, failKind error) error {
	rpIDHash := sha256.Sum256([]byte(rpID))
	if subtle.ConstantTimeCompare(rpIDHash[:], authData.RPIDHash) != 1 {
		return ErrRPIDMismatch
	}
	if !authData.Flags.UserPresent() {
		return fmt.Errorf("%w: user presence flag not set", failKind)
	}
	if requireUV && !authData.Flags.UserVerified() {
		return fmt.Errorf("%w: user verification required but flag not set", failKind)
	}
	return nil
}

// checkSupportedAlgorithm parses a COSE key and rejects algorithms
// VerifySignature cannot handle.
func checkSupportedAlgorithm(coseKey []byte) error {
	parsed, err := webauthncose.ParsePublicKey(coseKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	}
	switch key := parsed.(type) {
	case webauthncose.EC2PublicKeyData:
		if webauthncose.COSEAlgorithmIdentifier(key.Algorithm) != webauthncose.AlgES256 {
			return fmt.Errorf("%w: COSE alg %d", ErrUnsupportedAlgorithm, key.Algorithm)
		}
	case webauthncose.RSAPublicKeyData:
		if webauthncose.COSEAlgorithmIdentifier(key.Algorithm) != webauthncose.AlgRS256 {
			return fmt.Errorf("%w: COSE alg %d", ErrUnsupportedAlgorithm, key.Algorithm)
		}
	default:
		return fmt.Errorf("%w: unsupported COSE key type", ErrUnsupportedAlgorithm)
	}
	return nil
}

// verifyAttestationStatement validates the attestation statement for the
// formats this service requests. With attestation preference "none" the
// browser strips the statement; "packed" appears when an authenticator
// insists on attesting anyway.
func verifyAttestationStatement(attObj *protocol.AttestationObject, clientDataJSON []byte) error {
	switch attObj.Format {
	case "none":
		if len(attObj.AttStatement) != 0 {
			return fmt.Errorf("%w: unexpected attestation statement for format none", ErrAttestationInvalid)
		}
		return nil
	case "packed":
		return verifyPackedStatement(attObj, clientDataJSON)
	default:
		return fmt.Errorf("%w: unsupported attestation format %q", ErrAttestationInvalid, attObj.Format)
	}
}

func verifyPackedStatement(attObj *protocol.AttestationObject, clientDataJSON []byte) error {
	alg, ok := attObj.AttStatement["alg"].(int64)
	if !ok {
		return fmt.Errorf("%w: packed statement missing alg", ErrAttestationInvalid)
	}
	sig, ok := attObj.AttStatement["sig"].([]byte)
	if !ok || len(sig) == 0 {
		return fmt.Errorf("%w: packed statement missing sig", ErrAttestationInvalid)
	}

	clientDataHash := sha256.Sum256(clientDataJSON)
	signed := make([]byte, 0, len(attObj.RawAuthData)+len(clientDataHash))
	signed = append(signed, attObj.RawAuthData...)
	signed = append(signed, clientDataHash[:]...)

	if x5c, present := attObj.AttStatement["x5c"].([]interface{}); present && len(x5c) > 0 {
		// Full attestation: verify the signature with the attestation
		// certificate. Chain/trust validation is out of scope.
		certDER, ok := x5c[0].([]byte)
		if !ok {
			return fmt.Errorf("%w: malformed attestation certificate", ErrAttestationInvalid)
		}
		cert, err := x509.ParseCertificate(certDER)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAttestationInvalid, err)
		}
		sigAlg, err := x509SignatureAlgorithm(webauthncose.COSEAlgorithmIdentifier(alg))
		if err != nil {
			return err
		}
		if err := cert.CheckSignature(sigAlg, signed, sig); err != nil {
			return fmt.Errorf("%w: %v", ErrAttestationInvalid, err)
		}
		return nil
	}

	// Self attestation: the credential key signed its own creation. The
	// statement alg must match the key's alg.
	credKey, err := webauthncose.ParsePublicKey(attObj.AuthData.AttData.CredentialPublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	}
	switch key := credKey.(type) {
	case webauthncose.EC2PublicKeyData:
		if key.Algorithm != alg {
			return fmt.Errorf("%w: statement alg does not match credential key", ErrAttestationInvalid)
		}
	case webauthncose.RSAPublicKeyData:
		if key.Algorithm != alg {
			return fmt.Errorf("%w: statement alg does not match credential key", ErrAttestationInvalid)
		}
	}
	if err := VerifySignature(attObj.AuthData.AttData.CredentialPublicKey, signed, sig); err != nil {
		if IsVerificationFailed(err) && !IsCounterRegression(err) {
			return fmt.Errorf("%w: self attestation signature", ErrAttestationInvalid)
		}
		return err
	}
	return nil
}

func x509SignatureAlgorithm(alg webauthncose.COSEAlgorithmIdentifier) (x509.SignatureAlgorithm, error) {
	switch alg {
	case webauthncose.AlgES256:
		return x509.ECDSAWithSHA256, nil
	case webauthncose.AlgRS256:
		return x509.SHA256WithRSA, nil
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: COSE alg %d", ErrUnsupportedAlgorithm, alg)
	}
}
