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

// Package defaults contains default values shared across the service.
package defaults

import "time"

const (
	// SigningAlgorithm is the only JWT signing algorithm the service
	// issues or accepts.
	SigningAlgorithm = "RS256"

	// SigningKeyBits is the RSA modulus size for generated signing keys.
	SigningKeyBits = 2048

	// InitialKeyID is the kid assigned to the first generated signing key
	// when the key ring starts empty.
	InitialKeyID = "jwks-default"

	// KeyRotationInterval is how often the key ring rotates the active
	// signing key.
	KeyRotationInterval = 24 * time.Hour

	// SigningKeyTTL is how long a signing key remains valid for issuing
	// new tokens. Expired keys stay usable for verification while they
	// remain in the ring.
	SigningKeyTTL = 48 * time.Hour

	// TokenExpiration is the lifetime of issued access tokens.
	TokenExpiration = time.Hour

	// RefreshTokenExpiration is the lifetime of issued refresh tokens.
	RefreshTokenExpiration = 30 * 24 * time.Hour

	// ClockSkew is the tolerance applied to exp/nbf/iat validation.
	ClockSkew = 10 * time.Second

	// ReplaySweepInterval is how often the anti-replay set evicts
	// expired jti entries.
	ReplaySweepInterval = time.Minute
)

const (
	// PermissionCacheTTL bounds how long a resolved permission view is
	// served without re-reading roles.
	PermissionCacheTTL = 60 * time.Second

	// PermissionCacheSize bounds the number of cached permission views.
	PermissionCacheSize = 1024

	// RegistryCacheTTL bounds the role and module list caches.
	RegistryCacheTTL = 60 * time.Second
)

const (
	// MaxDevicesPerUser caps the number of simultaneously active device
	// keys a single user may hold.
	MaxDevicesPerUser = 5

	// DeviceKeyValidityDays is the lifetime of an exchanged device key.
	DeviceKeyValidityDays = 30

	// DeviceSweepInterval is how often active device keys are checked
	// for expiry.
	DeviceSweepInterval = time.Hour

	// HKDFInfo is the default HKDF info string bound into device key
	// derivation.
	HKDFInfo = "backoffice-device-channel-v1"

	// HKDFOutputLength is the default derived key length in bytes.
	HKDFOutputLength = 32
)

const (
	// AuditQueueSize bounds the audit dispatcher queue. Events past the
	// bound are dropped, never blocked on.
	AuditQueueSize = 1024

	// AuditPersistTimeout bounds a single audit write. Writes that
	// exceed it are dropped with a warning.
	AuditPersistTimeout = 5 * time.Second

	// AuditJoinWait is how long the response-capture consumer waits
	// before applying a response to pending audit events.
	AuditJoinWait = 50 * time.Millisecond

	// AuditJoinLookback is how far back the response-capture join
	// searches for events missing a status code.
	AuditJoinLookback = 5 * time.Second

	// AuditJoinLimit caps how many events a single response capture
	// may update.
	AuditJoinLimit = 5

	// AuditQueryLimit is the default page size for audit queries.
	AuditQueryLimit = 50
)

const (
	// VaultKVMount is the default KV v2 mount consumed by the service.
	VaultKVMount = "secret"

	// HTTPListenAddr is the default listen address of the API server.
	HTTPListenAddr = ":3000"

	// HTTPIdleTimeout is the keep-alive idle timeout of the API server.
	HTTPIdleTimeout = 2 * time.Minute

	// HTTPReadHeaderTimeout bounds header reads on incoming requests.
	HTTPReadHeaderTimeout = 10 * time.Second

	// ShutdownTimeout bounds graceful teardown of the service.
	ShutdownTimeout = 30 * time.Second
)
