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

package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/backoffice"
	"github.com/gravitational/backoffice/lib/defaults"
	"github.com/gravitational/backoffice/lib/eventbus"
	"github.com/gravitational/backoffice/lib/vault"
)

// ErrNoActiveKey is returned when no active signing key is available.
// The service fails closed: without an active key no tokens are issued.
var ErrNoActiveKey = errors.New("NO_ACTIVE_KEY")

const (
	// jwksMetadataPath is the vault path holding the kid -> metadata map.
	jwksMetadataPath = "jwks"
	// jwksPrivatePrefix prefixes per-kid private key material paths.
	jwksPrivatePrefix = "jwks-private/"
	// privateKeyField is the vault data field the PEM is stored under.
	privateKeyField = "private_key"
)

var (
	keyRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jwks_key_rotations_total",
		Help: "Number of signing key rotations",
	})
	keyRingSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jwks_keys_total",
		Help: "Number of keys currently held by the ring",
	})
)

func init() {
	prometheus.MustRegister(keyRotationsTotal, keyRingSize)
}

// SigningKey is the public view of a ring key. Private material never
// leaves the secret store except transiently during signing.
type SigningKey struct {
	KeyID        string    `json:"kid"`
	Algorithm    string    `json:"alg"`
	PublicKeyPEM string    `json:"publicKeyPem"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	IsActive     bool      `json:"isActive"`
}

// KeyRingConfig holds creation parameters for NewKeyRing.
type KeyRingConfig struct {
	// Vault is the secret store holding key metadata and private material.
	Vault vault.Client
	// Bus receives key lifecycle events.
	Bus *eventbus.Bus
	// Clock is used for key expiry and rotation scheduling.
	Clock clockwork.Clock
	// RotationInterval is the period of automatic rotation.
	RotationInterval time.Duration
	// KeyTTL is how long a newly generated key may sign.
	KeyTTL time.Duration
	// Logger is an optional logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *KeyRingConfig) CheckAndSetDefaults() error {
	if c.Vault == nil {
		return trace.BadParameter("missing parameter Vault")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RotationInterval <= 0 {
		c.RotationInterval = defaults.KeyRotationInterval
	}
	if c.KeyTTL <= 0 {
		c.KeyTTL = defaults.SigningKeyTTL
	}
	if c.Logger == nil {
		c.Logger = slog.With(backoffice.ComponentKey, backoffice.ComponentKeyRing)
	}
	return nil
}

// KeyRing owns the RSA signing keys and their public JWKS view. Exactly
// one key is active at a time; rotation and invalidation are serialized
// behind a single writer lock.
type KeyRing struct {
	cfg KeyRingConfig
	log *slog.Logger

	mu        sync.RWMutex
	keys      map[string]SigningKey
	activeKid string

	closeCtx context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewKeyRing loads the ring from the secret store and ensures an active
// key exists. A secret store failure here is fatal: the caller must not
// accept traffic without a signing key.
func NewKeyRing(ctx context.Context, cfg KeyRingConfig) (*KeyRing, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	closeCtx, cancel := context.WithCancel(context.Background())
	ring := &KeyRing{
		cfg:      cfg,
		log:      cfg.Logger,
		keys:     make(map[string]SigningKey),
		closeCtx: closeCtx,
		cancel:   cancel,
	}
	if err := ring.load(ctx); err != nil {
		cancel()
		return nil, trace.Wrap(err)
	}
	ring.wg.Add(1)
	go ring.rotationLoop()
	return ring, nil
}

// load reads metadata from the secret store and guarantees an active key.
func (r *KeyRing) load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.cfg.Vault.ReadKV(ctx, jwksMetadataPath)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	for kid, raw := range data {
		encoded, ok := raw.(string)
		if !ok {
			return trace.BadParameter("malformed jwks metadata for kid %q", kid)
		}
		var key SigningKey
		if err := json.Unmarshal([]byte(encoded), &key); err != nil {
			return trace.Wrap(err, "parsing jwks metadata for kid %q", kid)
		}
		key.KeyID = kid
		r.keys[kid] = key
		if key.IsActive {
			r.activeKid = kid
		}
	}

	if len(r.keys) == 0 {
		if _, err := r.rotateLocked(ctx, defaults.InitialKeyID); err != nil {
			return trace.Wrap(err)
		}
		return nil
	}
	if r.activeKid == "" {
		// Activate the first key rather than generating a new one.
		for kid := range r.keys {
			key := r.keys[kid]
			key.IsActive = true
			r.keys[kid] = key
			r.activeKid = kid
			break
		}
		if err := r.persistLocked(ctx); err != nil {
			return trace.Wrap(err)
		}
	}
	keyRingSize.Set(float64(len(r.keys)))
	return nil
}

// GetActiveKey returns the current signing key, rotating synchronously
// first if the active key has expired.
func (r *KeyRing) GetActiveKey(ctx context.Context) (*SigningKey, error) {
	r.mu.RLock()
	key, ok := r.keys[r.activeKid]
	r.mu.RUnlock()
	if ok && key.ExpiresAt.After(r.cfg.Clock.Now()) {
		return &key, nil
	}
	if !ok {
		return nil, trace.Wrap(ErrNoActiveKey, "key ring has no active key")
	}
	rotated, err := r.Rotate(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return rotated, nil
}

// GetKey returns the key with the given kid, expired keys included.
func (r *KeyRing) GetKey(kid string) (*SigningKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[kid]
	if !ok {
		return nil, trace.NotFound("signing key %q is not found", kid)
	}
	return &key, nil
}

// ListKeys returns all keys currently held by the ring.
func (r *KeyRing) ListKeys() []SigningKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SigningKey, 0, len(r.keys))
	for _, key := range r.keys {
		out = append(out, key)
	}
	return out
}

// ActiveKid returns the kid of the active key, or an empty string.
func (r *KeyRing) ActiveKid() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeKid
}

// GetActivePrivateKey fetches the active key's private material from the
// secret store. The PEM is parsed to catch corrupted store contents early.
func (r *KeyRing) GetActivePrivateKey(ctx context.Context) (*rsa.PrivateKey, *SigningKey, error) {
	key, err := r.GetActiveKey(ctx)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	data, err := r.cfg.Vault.ReadKV(ctx, jwksPrivatePrefix+key.KeyID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nil, trace.Wrap(ErrNoActiveKey, "private material for kid %q is missing", key.KeyID)
		}
		return nil, nil, trace.Wrap(err)
	}
	pemStr, ok := data[privateKeyField].(string)
	if !ok {
		return nil, nil, trace.Wrap(ErrNoActiveKey, "private material for kid %q is malformed", key.KeyID)
	}
	private, err := parsePrivateKeyPEM([]byte(pemStr))
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return private, key, nil
}

// Rotate generates a fresh key pair, makes it the single active key and
// persists both private material and metadata before returning.
func (r *KeyRing) Rotate(ctx context.Context) (*SigningKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, err := r.rotateLocked(ctx, uuid.NewString())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// Invalidate removes the key with the given kid from the ring and wipes
// its private material. Invalidating the active key rotates first so the
// ring never goes without an active key.
func (r *KeyRing) Invalidate(ctx context.Context, kid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[kid]; !ok {
		return trace.NotFound("signing key %q is not found", kid)
	}
	if r.activeKid == kid {
		if _, err := r.rotateLocked(ctx, uuid.NewString()); err != nil {
			return trace.Wrap(err)
		}
	}
	delete(r.keys, kid)
	if err := r.persistLocked(ctx); err != nil {
		return trace.Wrap(err)
	}
	if err := r.cfg.Vault.DeleteKV(ctx, jwksPrivatePrefix+kid); err != nil {
		return trace.Wrap(err)
	}
	keyRingSize.Set(float64(len(r.keys)))
	r.cfg.Bus.Emit(eventbus.TopicKeyInvalidated, map[string]interface{}{"kid": kid})
	return nil
}

// Close stops the rotation loop.
func (r *KeyRing) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

// rotateLocked is called with the writer lock held.
func (r *KeyRing) rotateLocked(ctx context.Context, kid string) (*SigningKey, error) {
	private, err := rsa.GenerateKey(rand.Reader, defaults.SigningKeyBits)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := r.cfg.Clock.Now().UTC()
	key := SigningKey{
		KeyID:        kid,
		Algorithm:    defaults.SigningAlgorithm,
		PublicKeyPEM: string(marshalPublicKeyPEM(&private.PublicKey)),
		CreatedAt:    now,
		ExpiresAt:    now.Add(r.cfg.KeyTTL),
		IsActive:     true,
	}

	// Private material first: a metadata entry without private material
	// is unusable, the reverse merely orphans a secret.
	err = r.cfg.Vault.WriteKV(ctx, jwksPrivatePrefix+kid, map[string]interface{}{
		privateKeyField: string(marshalPrivateKeyPEM(private)),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	prevActive := r.activeKid
	if prev, ok := r.keys[prevActive]; ok {
		prev.IsActive = false
		r.keys[prevActive] = prev
	}
	r.keys[kid] = key
	r.activeKid = kid
	if err := r.persistLocked(ctx); err != nil {
		return nil, trace.Wrap(err)
	}

	keyRotationsTotal.Inc()
	keyRingSize.Set(float64(len(r.keys)))
	r.cfg.Bus.Emit(eventbus.TopicKeyRotated, map[string]interface{}{
		"kid":      kid,
		"previous": prevActive,
	})
	r.log.InfoContext(ctx, "rotated signing key", "kid", kid, "previous", prevActive)
	return &key, nil
}

// persistLocked writes the metadata map back to the secret store.
func (r *KeyRing) persistLocked(ctx context.Context) error {
	data := make(map[string]interface{}, len(r.keys))
	for kid, key := range r.keys {
		encoded, err := json.Marshal(key)
		if err != nil {
			return trace.Wrap(err)
		}
		data[kid] = string(encoded)
	}
	return trace.Wrap(r.cfg.Vault.WriteKV(ctx, jwksMetadataPath, data))
}

func (r *KeyRing) rotationLoop() {
	defer r.wg.Done()
	ticker := r.cfg.Clock.NewTicker(r.cfg.RotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closeCtx.Done():
			return
		case <-ticker.Chan():
			if _, err := r.Rotate(r.closeCtx); err != nil {
				r.log.ErrorContext(r.closeCtx, "scheduled key rotation failed", "error", err)
			}
		}
	}
}

func marshalPrivateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func marshalPublicKeyPEM(key *rsa.PublicKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(key),
	})
}

// parsePrivateKeyPEM parses PEM-encoded RSA private key material. A key
// that fails to parse indicates secret store corruption.
func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, trace.BadParameter("no PEM block found in private key material")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing private key")
	}
	return key, nil
}

// parsePublicKeyPEM parses PEM-encoded RSA public key material.
func parsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, trace.BadParameter("no PEM block found in public key material")
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing public key")
	}
	return key, nil
}
