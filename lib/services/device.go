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

package services

import "time"

// Device key statuses.
const (
	DeviceStatusActive  = "active"
	DeviceStatusRotated = "rotated"
	DeviceStatusRevoked = "revoked"
	DeviceStatusExpired = "expired"
)

// Device platforms.
const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
)

// Device is a registered mobile device key. KeyHandle is an opaque
// globally unique identifier for the derived key material, never the
// material itself; the server private key lives in the secret store
// under ServerPublicKeyRef.
type Device struct {
	ID                 string    `json:"id"`
	DeviceID           string    `json:"deviceId"`
	UserID             string    `json:"userId"`
	KeyHandle          string    `json:"keyHandle"`
	DevicePublicKey    string    `json:"devicePublicKey"`
	ServerPublicKeyRef string    `json:"serverPublicKeyRef"`
	SaltHex            string    `json:"saltHex"`
	Status             string    `json:"status"`
	IssuedAt           time.Time `json:"issuedAt"`
	ExpiresAt          time.Time `json:"expiresAt"`
	Platform           string    `json:"platform"`
	AppVersion         string    `json:"appVersion"`
	DeviceName         string    `json:"deviceName,omitempty"`
}

// RotationRecord is an append-only record of a device key rotation,
// totally ordered per device by RotatedAt.
type RotationRecord struct {
	DeviceID     string    `json:"deviceId"`
	OldKeyHandle string    `json:"oldKeyHandle"`
	NewKeyHandle string    `json:"newKeyHandle"`
	RotatedAt    time.Time `json:"rotatedAt"`
}
