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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/backoffice/lib/defaults"
)

func setRequired(t *testing.T) {
	t.Setenv("JWT_ISSUER", "https://backoffice.example.com")
	t.Setenv("JWT_AUDIENCE", "backoffice-api")
	t.Setenv("API_KEY", "test-api-key")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, defaults.HTTPListenAddr, cfg.ListenAddr)
	require.Equal(t, defaults.ClockSkew, cfg.ClockSkew)
	require.Equal(t, defaults.TokenExpiration, cfg.AccessTokenTTL)
	require.Equal(t, defaults.KeyRotationInterval, cfg.KeyRotationInterval)
	require.Equal(t, defaults.PermissionCacheTTL, cfg.AuthzCacheTTL)
	require.Equal(t, defaults.MaxDevicesPerUser, cfg.MaxDevicesPerUser)
	require.Equal(t, defaults.DeviceKeyValidityDays*24*time.Hour, cfg.DeviceKeyValidity)
	require.Equal(t, defaults.VaultKVMount, cfg.VaultKVMount)
}

func TestFromEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("JWT_CLOCK_SKEW_SEC", "30")
	t.Setenv("JWT_EXPIRATION_SEC", "900")
	t.Setenv("JWKS_KEY_ROTATION_INTERVAL_HOURS", "6")
	t.Setenv("AUTHZ_CACHE_TTL_MS", "5000")
	t.Setenv("MAX_DEVICES_PER_USER", "2")
	t.Setenv("KEY_VALIDITY_DAYS", "7")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.ClockSkew)
	require.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	require.Equal(t, 6*time.Hour, cfg.KeyRotationInterval)
	require.Equal(t, 5*time.Second, cfg.AuthzCacheTTL)
	require.Equal(t, 2, cfg.MaxDevicesPerUser)
	require.Equal(t, 7*24*time.Hour, cfg.DeviceKeyValidity)
	// Key TTL keeps covering the rotation interval.
	require.GreaterOrEqual(t, cfg.SigningKeyTTL, cfg.KeyRotationInterval)
}

func TestFromEnvRejectsMissingRequired(t *testing.T) {
	t.Setenv("JWT_ISSUER", "")
	t.Setenv("JWT_AUDIENCE", "aud")
	t.Setenv("API_KEY", "k")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnvRejectsMalformedNumbers(t *testing.T) {
	setRequired(t)
	t.Setenv("JWT_EXPIRATION_SEC", "soon")
	_, err := FromEnv()
	require.Error(t, err)
}
