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

// Package devicetrust establishes per-device symmetric keys with mobile
// clients over an ECDH P-256 exchange. The derived key never leaves the
// secret store; clients derive the same key from the returned server
// public key and salt.
package devicetrust

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/hkdf"

	"github.com/gravitational/backoffice"
	"github.com/gravitational/backoffice/lib/defaults"
	"github.com/gravitational/backoffice/lib/eventbus"
	"github.com/gravitational/backoffice/lib/services"
	"github.com/gravitational/backoffice/lib/vault"
)

// Stable error codes surfaced to clients.
var (
	// ErrInvalidDeviceKey rejects a malformed device public key.
	ErrInvalidDeviceKey = errors.New("DEVICE_KEY_INVALID")
	// ErrDeviceLimitReached rejects an exchange past the per-user cap.
	ErrDeviceLimitReached = errors.New("DEVICE_LIMIT_REACHED")
	// ErrDeviceNotActive rejects operations on rotated, revoked or
	// expired device keys.
	ErrDeviceNotActive = errors.New("DEVICE_NOT_ACTIVE")
)

var (
	deviceExchanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "device_key_exchanges_total",
		Help: "Number of completed device key exchanges",
	})
	deviceRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "device_key_rotations_total",
		Help: "Number of device key rotations",
	})
	deviceExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "device_key_expirations_total",
		Help: "Number of device keys expired by the sweeper",
	})
)

func init() {
	prometheus.MustRegister(deviceExchanges, deviceRotations, deviceExpirations)
}

// uncompressedPointLen is the length of an uncompressed P-256 public
// key point, 0x04 prefix plus two 32 byte coordinates.
const uncompressedPointLen = 65

// keyHandleLen is the length in bytes of generated key handles before
// base64url encoding.
const keyHandleLen = 32

// saltLen is the HKDF salt length in bytes.
const saltLen = 32

// Devices is the device record store the service depends on.
type Devices interface {
	// CreateDevice persists a new device record.
	CreateDevice(ctx context.Context, device services.Device) (*services.Device, error)
	// UpdateDevice rewrites an existing device record.
	UpdateDevice(ctx context.Context, device services.Device) (*services.Device, error)
	// GetDevice fetches a device record by its record id.
	GetDevice(ctx context.Context, id string) (*services.Device, error)
	// ListUserDevices returns all device records of a user.
	ListUserDevices(ctx context.Context, userID string) ([]services.Device, error)
	// ListActiveDevices returns every active device record.
	ListActiveDevices(ctx context.Context) ([]services.Device, error)
	// CreateRotationRecord appends a rotation record.
	CreateRotationRecord(ctx context.Context, record services.RotationRecord) error
	// ListRotationRecords returns a device's rotation history, oldest
	// first.
	ListRotationRecords(ctx context.Context, deviceID string) ([]services.RotationRecord, error)
}

// ServiceConfig configures the device trust service.
type ServiceConfig struct {
	// Devices is the device record store.
	Devices Devices
	// Vault holds derived key material, keyed by key handle.
	Vault vault.Client
	// Bus receives device lifecycle events.
	Bus *eventbus.Bus
	// Clock overrides time source, used in tests.
	Clock clockwork.Clock
	// MaxDevicesPerUser caps simultaneously active devices per user.
	MaxDevicesPerUser int
	// KeyValidity is the lifetime of an exchanged key.
	KeyValidity time.Duration
	// HKDFInfo is the info string bound into key derivation.
	HKDFInfo string
	// HKDFOutputLength is the derived key length in bytes.
	HKDFOutputLength int
	// SweepInterval is how often active keys are checked for expiry.
	SweepInterval time.Duration
	// Logger is the logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *ServiceConfig) CheckAndSetDefaults() error {
	if c.Devices == nil {
		return trace.BadParameter("missing parameter Devices")
	}
	if c.Vault == nil {
		return trace.BadParameter("missing parameter Vault")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxDevicesPerUser <= 0 {
		c.MaxDevicesPerUser = defaults.MaxDevicesPerUser
	}
	if c.KeyValidity <= 0 {
		c.KeyValidity = defaults.DeviceKeyValidityDays * 24 * time.Hour
	}
	if c.HKDFInfo == "" {
		c.HKDFInfo = defaults.HKDFInfo
	}
	if c.HKDFOutputLength <= 0 {
		c.HKDFOutputLength = defaults.HKDFOutputLength
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.DeviceSweepInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(backoffice.ComponentKey, backoffice.ComponentDevices)
	}
	return nil
}

// Service performs device key exchanges and manages key lifecycle.
type Service struct {
	cfg ServiceConfig

	closeOnce sync.Once
	done      chan struct{}
}

// NewService returns a running service with the expiry sweeper started.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Service{cfg: cfg, done: make(chan struct{})}
	go s.sweepLoop()
	return s, nil
}

// Close stops the sweeper.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// ExchangeRequest is a device key exchange request.
type ExchangeRequest struct {
	// UserID is the authenticated owner of the device.
	UserID string `json:"-"`
	// DeviceID is the client-reported stable device identifier.
	DeviceID string `json:"deviceId"`
	// DevicePublicKey is the device's ephemeral P-256 public key, an
	// uncompressed point in standard base64.
	DevicePublicKey string `json:"devicePublicKey"`
	// Platform is the device platform.
	Platform string `json:"platform"`
	// AppVersion is the semantic client version.
	AppVersion string `json:"appVersion"`
	// DeviceName is an optional display name.
	DeviceName string `json:"deviceName,omitempty"`
}

// CheckAndSetDefaults validates the request.
func (r *ExchangeRequest) CheckAndSetDefaults() error {
	if r.UserID == "" {
		return trace.BadParameter("missing parameter UserID")
	}
	if r.DeviceID == "" {
		return trace.BadParameter("missing parameter DeviceID")
	}
	if r.Platform != services.PlatformAndroid && r.Platform != services.PlatformIOS {
		return trace.BadParameter("unsupported platform %q", r.Platform)
	}
	version, err := semver.NewVersion(r.AppVersion)
	if err != nil {
		return trace.BadParameter("malformed appVersion %q", r.AppVersion)
	}
	// Strict major.minor.patch only: no prerelease or build suffix.
	if version.PreRelease != "" || version.Metadata != "" {
		return trace.BadParameter("malformed appVersion %q", r.AppVersion)
	}
	if r.DevicePublicKey == "" {
		return trace.Wrap(ErrInvalidDeviceKey, "missing devicePublicKey")
	}
	return nil
}

// ExchangeResult is returned to the device. The device derives the
// shared key from ServerPublicKey and Salt; the server never returns
// the derived key itself.
type ExchangeResult struct {
	// Device is the persisted device record.
	Device services.Device `json:"device"`
	// ServerPublicKey is the server's P-256 public key, an uncompressed
	// point in standard base64.
	ServerPublicKey string `json:"serverPublicKey"`
	// Salt is the HKDF salt in standard base64.
	Salt string `json:"salt"`
	// Rotated is set when this exchange replaced an active key of the
	// same device.
	Rotated bool `json:"rotated"`
}

// Exchange performs the ECDH exchange and persists the new device key.
// A repeated exchange for an already active device rotates its key.
func (s *Service) Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	if err := req.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	devicePub, err := parseDevicePublicKey(req.DevicePublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	existing, err := s.cfg.Devices.ListUserDevices(ctx, req.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var predecessor *services.Device
	active := 0
	for i, device := range existing {
		if device.Status != services.DeviceStatusActive {
			continue
		}
		active++
		if device.DeviceID == req.DeviceID {
			predecessor = &existing[i]
		}
	}
	// A rotation replaces its predecessor, so it never counts against
	// the cap.
	if predecessor == nil && active >= s.cfg.MaxDevicesPerUser {
		return nil, trace.Wrap(ErrDeviceLimitReached, "user has %d active devices", active)
	}

	serverKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	secret, err := serverKey.ECDH(devicePub)
	if err != nil {
		return nil, trace.Wrap(ErrInvalidDeviceKey, "key agreement failed: %v", err)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, trace.Wrap(err)
	}
	derived := make([]byte, s.cfg.HKDFOutputLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(s.cfg.HKDFInfo)), derived); err != nil {
		return nil, trace.Wrap(err)
	}

	handleBytes := make([]byte, keyHandleLen)
	if _, err := rand.Read(handleBytes); err != nil {
		return nil, trace.Wrap(err)
	}
	keyHandle := base64.RawURLEncoding.EncodeToString(handleBytes)
	serverPublic := base64.StdEncoding.EncodeToString(serverKey.PublicKey().Bytes())
	saltHex := hex.EncodeToString(salt)
	now := s.cfg.Clock.Now().UTC()

	// Key material goes to the secret store first so a half-failed
	// exchange leaves no device record pointing at nothing.
	if err := s.cfg.Vault.WriteKV(ctx, keyPath(keyHandle), map[string]interface{}{
		"derived_key":       hex.EncodeToString(derived),
		"salt":              saltHex,
		"device_public_key": req.DevicePublicKey,
		"server_public_key": serverPublic,
		"user_id":           req.UserID,
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	device := services.Device{
		ID:                 uuid.NewString(),
		DeviceID:           req.DeviceID,
		UserID:             req.UserID,
		KeyHandle:          keyHandle,
		DevicePublicKey:    req.DevicePublicKey,
		ServerPublicKeyRef: serverPublic,
		SaltHex:            saltHex,
		Status:             services.DeviceStatusActive,
		IssuedAt:           now,
		ExpiresAt:          now.Add(s.cfg.KeyValidity),
		Platform:           req.Platform,
		AppVersion:         req.AppVersion,
		DeviceName:         req.DeviceName,
	}
	created, err := s.cfg.Devices.CreateDevice(ctx, device)
	if err != nil {
		// Compensating delete keeps the secret store consistent.
		if cleanupErr := s.cfg.Vault.DeleteKV(ctx, keyPath(keyHandle)); cleanupErr != nil {
			s.cfg.Logger.ErrorContext(ctx, "failed to clean up key material after store failure",
				"error", cleanupErr, "key_handle", keyHandle)
		}
		return nil, trace.Wrap(err)
	}

	rotated := false
	if predecessor != nil {
		if err := s.retire(ctx, predecessor, created); err != nil {
			s.cfg.Logger.WarnContext(ctx, "failed to retire rotated device key",
				"error", err, "device_id", predecessor.DeviceID)
		} else {
			rotated = true
		}
	}

	deviceExchanges.Inc()
	if rotated {
		deviceRotations.Inc()
		s.cfg.Bus.Emit(eventbus.TopicDeviceKeyRotated, *created)
	} else {
		s.cfg.Bus.Emit(eventbus.TopicDeviceRegistered, *created)
	}
	s.cfg.Logger.InfoContext(ctx, "device key exchanged",
		"device_id", created.DeviceID, "user_id", created.UserID, "rotated", rotated)
	return &ExchangeResult{
		Device:          *created,
		ServerPublicKey: serverPublic,
		Salt:            base64.StdEncoding.EncodeToString(salt),
		Rotated:         rotated,
	}, nil
}

// retire marks the predecessor rotated, records the rotation and drops
// its key material.
func (s *Service) retire(ctx context.Context, old *services.Device, replacement *services.Device) error {
	old.Status = services.DeviceStatusRotated
	if _, err := s.cfg.Devices.UpdateDevice(ctx, *old); err != nil {
		return trace.Wrap(err)
	}
	if err := s.cfg.Devices.CreateRotationRecord(ctx, services.RotationRecord{
		DeviceID:     old.DeviceID,
		OldKeyHandle: old.KeyHandle,
		NewKeyHandle: replacement.KeyHandle,
		RotatedAt:    s.cfg.Clock.Now().UTC(),
	}); err != nil {
		return trace.Wrap(err)
	}
	if err := s.cfg.Vault.DeleteKV(ctx, keyPath(old.KeyHandle)); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Revoke invalidates an active device key immediately.
func (s *Service) Revoke(ctx context.Context, id string) (*services.Device, error) {
	device, err := s.cfg.Devices.GetDevice(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if device.Status != services.DeviceStatusActive {
		return nil, trace.Wrap(ErrDeviceNotActive, "device key is %s", device.Status)
	}
	device.Status = services.DeviceStatusRevoked
	updated, err := s.cfg.Devices.UpdateDevice(ctx, *device)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Vault.DeleteKV(ctx, keyPath(device.KeyHandle)); err != nil {
		return nil, trace.Wrap(err)
	}
	s.cfg.Bus.Emit(eventbus.TopicDeviceRevoked, *updated)
	s.cfg.Logger.InfoContext(ctx, "device key revoked",
		"device_id", updated.DeviceID, "user_id", updated.UserID)
	return updated, nil
}

// DerivedKey fetches the derived key material for an active key handle.
func (s *Service) DerivedKey(ctx context.Context, keyHandle string) ([]byte, error) {
	data, err := s.cfg.Vault.ReadKV(ctx, keyPath(keyHandle))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	encoded, ok := data["derived_key"].(string)
	if !ok {
		return nil, trace.NotFound("key handle %q has no derived key", keyHandle)
	}
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// RotationHistory returns a device's rotation records, oldest first.
func (s *Service) RotationHistory(ctx context.Context, deviceID string) ([]services.RotationRecord, error) {
	records, err := s.cfg.Devices.ListRotationRecords(ctx, deviceID)
	return records, trace.Wrap(err)
}

// SweepExpired expires every active key past its expiry and returns the
// number expired.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	devices, err := s.cfg.Devices.ListActiveDevices(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now()
	expired := 0
	for _, device := range devices {
		if device.ExpiresAt.After(now) {
			continue
		}
		device.Status = services.DeviceStatusExpired
		if _, err := s.cfg.Devices.UpdateDevice(ctx, device); err != nil {
			s.cfg.Logger.WarnContext(ctx, "failed to expire device key",
				"error", err, "device_id", device.DeviceID)
			continue
		}
		if err := s.cfg.Vault.DeleteKV(ctx, keyPath(device.KeyHandle)); err != nil {
			s.cfg.Logger.WarnContext(ctx, "failed to drop expired key material",
				"error", err, "key_handle", device.KeyHandle)
		}
		deviceExpirations.Inc()
		s.cfg.Bus.Emit(eventbus.TopicDeviceExpired, device)
		expired++
	}
	return expired, nil
}

func (s *Service) sweepLoop() {
	ticker := s.cfg.Clock.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if _, err := s.SweepExpired(context.Background()); err != nil {
				s.cfg.Logger.Warn("device expiry sweep failed", "error", err)
			}
		case <-s.done:
			return
		}
	}
}

func keyPath(keyHandle string) string {
	return "device/" + keyHandle
}

// parseDevicePublicKey decodes and validates an uncompressed P-256
// public key point.
func parseDevicePublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, trace.Wrap(ErrInvalidDeviceKey, "devicePublicKey is not valid base64")
	}
	if len(raw) != uncompressedPointLen {
		return nil, trace.Wrap(ErrInvalidDeviceKey, "devicePublicKey must be a %d byte uncompressed point", uncompressedPointLen)
	}
	if raw[0] != 0x04 {
		return nil, trace.Wrap(ErrInvalidDeviceKey, "devicePublicKey must be an uncompressed point")
	}
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, trace.Wrap(ErrInvalidDeviceKey, "devicePublicKey is not on the curve")
	}
	return pub, nil
}
