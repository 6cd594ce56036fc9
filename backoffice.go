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

// Package backoffice holds shared constants for the back-office trust core.
package backoffice

const (
	// Version is the semantic version of the service.
	Version = "1.0.0"

	// ComponentKey is the attribute key used to tag log records
	// with the component that produced them.
	ComponentKey = "component"

	// ComponentKeyRing is the JWKS signing key ring.
	ComponentKeyRing = "keyring"

	// ComponentTokens is the JWT sign/verify engine.
	ComponentTokens = "tokens"

	// ComponentReplay is the jti anti-replay set.
	ComponentReplay = "replay"

	// ComponentAuthz is permission resolution and enforcement.
	ComponentAuthz = "authz"

	// ComponentAudit is the audit capture pipeline.
	ComponentAudit = "audit"

	// ComponentDevices is the device key exchange subsystem.
	ComponentDevices = "devices"

	// ComponentWeb is the HTTP API server.
	ComponentWeb = "web"

	// ComponentVault is the secret store client.
	ComponentVault = "vault"

	// ComponentBackend is the persistent record store.
	ComponentBackend = "backend"

	// ComponentService is the supervisor that wires everything together.
	ComponentService = "service"
)

const (
	// APIKeyHeader carries the static API key required on every
	// non-public endpoint.
	APIKeyHeader = "x-api-key"

	// RequestIDHeader optionally carries a caller-supplied request id;
	// a fresh one is generated when absent.
	RequestIDHeader = "x-request-id"
)
