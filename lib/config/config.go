/*
Copyright 2026 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config reads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/backoffice/lib/defaults"
)

// Config is the full service configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// Issuer is the iss claim of issued tokens.
	Issuer string
	// Audience is the aud claim of issued tokens.
	Audience string
	// ClockSkew tolerates clock drift during token validation.
	ClockSkew time.Duration
	// AccessTokenTTL is the lifetime of access tokens.
	AccessTokenTTL time.Duration
	// RefreshTokenTTL is the lifetime of refresh tokens.
	RefreshTokenTTL time.Duration
	// KeyRotationInterval is the signing key rotation cadence.
	KeyRotationInterval time.Duration
	// SigningKeyTTL is the signing key lifetime.
	SigningKeyTTL time.Duration

	// VaultAddr is the vault server address; empty selects the
	// in-process secret store.
	VaultAddr string
	// VaultToken authenticates against vault.
	VaultToken string
	// VaultKVMount is the KV v2 mount name.
	VaultKVMount string

	// APIKey guards every endpoint below the public set.
	APIKey string

	// SuperAdminEmail and SuperAdminPassword seed the initial
	// super_admin when the user collection is empty.
	SuperAdminEmail    string
	SuperAdminPassword string

	// AuthzCacheTTL bounds permission view caching.
	AuthzCacheTTL time.Duration
	// AuthzCacheSize bounds the permission view cache.
	AuthzCacheSize int

	// MaxDevicesPerUser caps active device keys per user.
	MaxDevicesPerUser int
	// DeviceKeyValidity is the device key lifetime.
	DeviceKeyValidity time.Duration
	// HKDFInfo binds derivations to this deployment.
	HKDFInfo string
	// HKDFOutputLength is the derived key length in bytes.
	HKDFOutputLength int
}

// FromEnv reads the configuration from the environment, applying
// defaults for everything unset.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envString("LISTEN_ADDR", defaults.HTTPListenAddr),
		Issuer:             envString("JWT_ISSUER", ""),
		Audience:           envString("JWT_AUDIENCE", ""),
		VaultAddr:          envString("VAULT_ADDR", ""),
		VaultToken:         envString("VAULT_TOKEN", ""),
		VaultKVMount:       envString("VAULT_KV_MOUNT", defaults.VaultKVMount),
		APIKey:             envString("API_KEY", ""),
		SuperAdminEmail:    envString("SA_EMAIL", ""),
		SuperAdminPassword: envString("SA_PWD", ""),
		HKDFInfo:           envString("HKDF_INFO", defaults.HKDFInfo),
		RefreshTokenTTL:    defaults.RefreshTokenExpiration,
		SigningKeyTTL:      defaults.SigningKeyTTL,
	}
	var err error
	if cfg.ClockSkew, err = envSeconds("JWT_CLOCK_SKEW_SEC", defaults.ClockSkew); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.AccessTokenTTL, err = envSeconds("JWT_EXPIRATION_SEC", defaults.TokenExpiration); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.KeyRotationInterval, err = envHours("JWKS_KEY_ROTATION_INTERVAL_HOURS", defaults.KeyRotationInterval); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.AuthzCacheTTL, err = envMillis("AUTHZ_CACHE_TTL_MS", defaults.PermissionCacheTTL); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.AuthzCacheSize, err = envInt("AUTHZ_MAX_CACHE_SIZE", defaults.PermissionCacheSize); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.MaxDevicesPerUser, err = envInt("MAX_DEVICES_PER_USER", defaults.MaxDevicesPerUser); err != nil {
		return nil, trace.Wrap(err)
	}
	days, err := envInt("KEY_VALIDITY_DAYS", defaults.DeviceKeyValidityDays)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.DeviceKeyValidity = time.Duration(days) * 24 * time.Hour
	if cfg.HKDFOutputLength, err = envInt("HKDF_OUTPUT_LENGTH", defaults.HKDFOutputLength); err != nil {
		return nil, trace.Wrap(err)
	}
	// The signing key must outlive the rotation interval so rotated
	// keys keep verifying in-flight tokens.
	if cfg.SigningKeyTTL < cfg.KeyRotationInterval {
		cfg.SigningKeyTTL = 2 * cfg.KeyRotationInterval
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Issuer == "" {
		return trace.BadParameter("JWT_ISSUER must be set")
	}
	if c.Audience == "" {
		return trace.BadParameter("JWT_AUDIENCE must be set")
	}
	if c.APIKey == "" {
		return trace.BadParameter("API_KEY must be set")
	}
	if c.ClockSkew < 0 || c.AccessTokenTTL <= 0 || c.KeyRotationInterval <= 0 {
		return trace.BadParameter("token lifetimes must be positive")
	}
	if c.HKDFOutputLength < 16 {
		return trace.BadParameter("HKDF_OUTPUT_LENGTH must be at least 16")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	return nil
}

func envString(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, trace.BadParameter("%s must be an integer, got %q", name, value)
	}
	return parsed, nil
}

func envSeconds(name string, fallback time.Duration) (time.Duration, error) {
	value, err := envInt(name, int(fallback/time.Second))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return time.Duration(value) * time.Second, nil
}

func envMillis(name string, fallback time.Duration) (time.Duration, error) {
	value, err := envInt(name, int(fallback/time.Millisecond))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return time.Duration(value) * time.Millisecond, nil
}

func envHours(name string, fallback time.Duration) (time.Duration, error) {
	value, err := envInt(name, int(fallback/time.Hour))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return time.Duration(value) * time.Hour, nil
}
