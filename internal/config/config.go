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

// Package config loads and validates the passkey server configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jeremyhahn/go-passkey/pkg/passkey"
	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebAuthn  WebAuthnConfig  `yaml:"webauthn"`
	Logging   LoggingConfig   `yaml:"logging"`
	TLS       TLSConfig       `yaml:"tls"`
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
	Storage   StorageConfig   `yaml:"storage"`
	Reaper    ReaperConfig    `yaml:"reaper"`
}

// ServerConfig contains server-level settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ReadTimeoutSeconds and WriteTimeoutSeconds bound request handling.
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`

	// ShutdownTimeoutSeconds bounds graceful shutdown.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

// WebAuthnConfig contains the relying-party settings. Durations are
// expressed in seconds so the YAML stays plain integers.
type WebAuthnConfig struct {
	RPID                    string   `yaml:"rp_id"`
	RPDisplayName           string   `yaml:"rp_display_name"`
	RPOrigins               []string `yaml:"rp_origins"`
	CeremonyTimeoutSeconds  int      `yaml:"ceremony_timeout_seconds"`
	ChallengeTTLSeconds     int      `yaml:"challenge_ttl_seconds"`
	ChallengeLength         int      `yaml:"challenge_length"`
	UserVerification        string   `yaml:"user_verification"`
	AttestationPreference   string   `yaml:"attestation"`
	ResidentKeyRequirement  string   `yaml:"resident_key"`
	AuthenticatorAttachment string   `yaml:"authenticator_attachment"`
	Debug                   bool     `yaml:"debug"`
}

// ServiceConfig converts the YAML settings to a passkey service config.
func (w *WebAuthnConfig) ServiceConfig() *passkey.Config {
	return &passkey.Config{
		RPID:                    w.RPID,
		RPDisplayName:           w.RPDisplayName,
		RPOrigins:               w.RPOrigins,
		CeremonyTimeout:         time.Duration(w.CeremonyTimeoutSeconds) * time.Second,
		ChallengeTTL:            time.Duration(w.ChallengeTTLSeconds) * time.Second,
		ChallengeLength:         w.ChallengeLength,
		UserVerification:        w.UserVerification,
		AttestationPreference:   w.AttestationPreference,
		ResidentKeyRequirement:  w.ResidentKeyRequirement,
		AuthenticatorAttachment: w.AuthenticatorAttachment,
		Debug:                   w.Debug,
	}
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// JWTConfig controls token issuance after successful authentication.
type JWTConfig struct {
	// PrivateKeyFile is a PEM-encoded signing key. When empty, the server
	// generates an ephemeral P-256 key at startup; issued tokens then stop
	// verifying across restarts.
	PrivateKeyFile string `yaml:"private_key_file"`

	Issuer           string `yaml:"issuer"`
	Audience         string `yaml:"audience"`
	ExpiresInSeconds int    `yaml:"expires_in_seconds"`
}

// RateLimitConfig controls rate limiting
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	Burst          int  `yaml:"burst"`
}

// MetricsConfig controls metrics endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HealthConfig controls health check endpoint
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Required for the sqlite backend.
	Path string `yaml:"path"`
}

// ReaperConfig controls periodic expired-challenge cleanup.
type ReaperConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "localhost",
			Port:                   8080,
			ReadTimeoutSeconds:     15,
			WriteTimeoutSeconds:    15,
			ShutdownTimeoutSeconds: 10,
		},
		WebAuthn: WebAuthnConfig{
			RPID:          "localhost",
			RPDisplayName: "go-passkey",
			RPOrigins:     []string{"http://localhost:8080"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		JWT: JWTConfig{
			Issuer:           "go-passkey",
			Audience:         "go-passkey",
			ExpiresInSeconds: 3600,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 60,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Enabled: true,
			Path:    "/healthz",
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Reaper: ReaperConfig{
			Enabled:         true,
			IntervalSeconds: 60,
		},
	}
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("PASSKEY_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("PASSKEY_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Printf("Warning: invalid PASSKEY_PORT value %q, using default %d: %v",
				portStr, cfg.Server.Port, err)
		} else if port < 1 || port > 65535 {
			log.Printf("Warning: invalid PASSKEY_PORT value %q (out of range 1-65535), using default %d",
				portStr, cfg.Server.Port)
		} else {
			cfg.Server.Port = port
		}
	}

	if rpID := os.Getenv("PASSKEY_RP_ID"); rpID != "" {
		cfg.WebAuthn.RPID = rpID
	}
	if origins := os.Getenv("PASSKEY_RP_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			cfg.WebAuthn.RPOrigins = trimmed
		}
	}

	if level := os.Getenv("PASSKEY_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("PASSKEY_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if dataPath := os.Getenv("PASSKEY_DATA_PATH"); dataPath != "" {
		cfg.Storage.Backend = "sqlite"
		cfg.Storage.Path = dataPath
	}

	if keyFile := os.Getenv("PASSKEY_JWT_KEY_FILE"); keyFile != "" {
		cfg.JWT.PrivateKeyFile = keyFile
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.WebAuthn.RPID == "" {
		return fmt.Errorf("webauthn rp_id must be specified")
	}
	if len(c.WebAuthn.RPOrigins) == 0 {
		return fmt.Errorf("at least one webauthn rp_origin must be specified")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key_file is required when TLS is enabled")
		}
	}

	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be memory or sqlite)", c.Storage.Backend)
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMin < 1 {
		return fmt.Errorf("ratelimit requests_per_min must be positive when enabled")
	}

	if c.Reaper.Enabled && c.Reaper.IntervalSeconds < 1 {
		return fmt.Errorf("reaper interval_seconds must be positive when enabled")
	}

	// The relying-party settings get their own validation pass so YAML
	// mistakes surface at startup, not at the first ceremony.
	if err := c.WebAuthn.ServiceConfig().Validate(); err != nil {
		return fmt.Errorf("invalid webauthn configuration: %w", err)
	}

	return nil
}
