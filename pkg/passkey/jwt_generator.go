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
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTGenerator generates JWT tokens for authenticated users. The signing
// method follows the key type: ECDSA keys sign ES256, RSA keys RS256, and
// Ed25519 keys EdDSA.
type JWTGenerator struct {
	// privateKey is the key used to sign tokens
	privateKey crypto.PrivateKey
	// publicKey is the key used to verify tokens
	publicKey crypto.PublicKey
	// method is the signing method derived from the key type
	method jwt.SigningMethod
	// issuer is the JWT issuer claim
	issuer string
	// audience is the JWT audience claim
	audience string
	// expiresIn is how long tokens are valid
	expiresIn time.Duration
}

// JWTGeneratorConfig contains configuration for the JWT generator.
type JWTGeneratorConfig struct {
	// PrivateKey is the key used to sign tokens (required)
	PrivateKey crypto.PrivateKey
	// Issuer is the JWT issuer claim (default: "go-passkey")
	Issuer string
	// Audience is the JWT audience claim (default: "go-passkey")
	Audience string
	// ExpiresIn is how long tokens are valid (default: 1 hour)
	ExpiresIn time.Duration
}

// NewJWTGenerator creates a new JWT generator with the given configuration.
func NewJWTGenerator(config *JWTGeneratorConfig) (*JWTGenerator, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	var method jwt.SigningMethod
	var publicKey crypto.PublicKey
	switch key := config.PrivateKey.(type) {
	case *ecdsa.PrivateKey:
		method = jwt.SigningMethodES256
		publicKey = key.Public()
	case *rsa.PrivateKey:
		method = jwt.SigningMethodRS256
		publicKey = key.Public()
	case ed25519.PrivateKey:
		method = jwt.SigningMethodEdDSA
		publicKey = key.Public()
	default:
		return nil, fmt.Errorf("unsupported signing key type %T", config.PrivateKey)
	}

	issuer := config.Issuer
	if issuer == "" {
		issuer = "go-passkey"
	}
	audience := config.Audience
	if audience == "" {
		audience = "go-passkey"
	}
	expiresIn := config.ExpiresIn
	if expiresIn == 0 {
		expiresIn = time.Hour
	}

	return &JWTGenerator{
		privateKey: config.PrivateKey,
		publicKey:  publicKey,
		method:     method,
		issuer:     issuer,
		audience:   audience,
		expiresIn:  expiresIn,
	}, nil
}

// GenerateToken creates a JWT for the authenticated user.
func (g *JWTGenerator) GenerateToken(ctx context.Context, user User) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss": g.issuer,
		"aud": g.audience,
		"sub": base64.RawURLEncoding.EncodeToString(user.ID()),
		"iat": now.Unix(),
		"exp": now.Add(g.expiresIn).Unix(),
		"nbf": now.Unix(),
		// Custom claims
		"name":     user.DisplayName(),
		"username": user.Email(),
	}

	token := jwt.NewWithClaims(g.method, claims)
	signed, err := token.SignedString(g.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken verifies a JWT and returns the claims.
func (g *JWTGenerator) VerifyToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString,
		func(t *jwt.Token) (interface{}, error) {
			return g.publicKey, nil
		},
		jwt.WithValidMethods([]string{g.method.Alg()}),
		jwt.WithIssuer(g.issuer),
		jwt.WithAudience(g.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	return claims, nil
}

// PublicKey returns the public key for token verification.
func (g *JWTGenerator) PublicKey() crypto.PublicKey {
	return g.publicKey
}

// Issuer returns the configured issuer.
func (g *JWTGenerator) Issuer() string {
	return g.issuer
}

// ExpiresIn returns the token expiration duration.
func (g *JWTGenerator) ExpiresIn() time.Duration {
	return g.expiresIn
}
