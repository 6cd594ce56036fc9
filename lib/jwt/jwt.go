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

// Package jwt is the token issuance and verification engine: a rotating
// RS256 key ring backed by the secret store, an anti-replay set over
// token identifiers and the sign/verify surface that ties them together.
package jwt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/backoffice"
	"github.com/gravitational/backoffice/lib/defaults"
	"github.com/gravitational/backoffice/lib/eventbus"
)

// Typed failures of the token engine. All verification failures map to
// 401 semantics at the HTTP boundary; sign failures map to 500.
var (
	// ErrInvalidToken covers every verification failure: bad signature,
	// wrong issuer or audience, expiry, missing kid or jti, unknown kid.
	ErrInvalidToken = errors.New("JWT_INVALID")
	// ErrSignFailed covers failures while producing a token.
	ErrSignFailed = errors.New("JWT_SIGN_FAILED")
	// ErrReplayDetected marks a second use of a live access token.
	ErrReplayDetected = errors.New("REPLAY_DETECTED")
	// ErrRegistrationFailed marks a jti that could not be recorded; the
	// token is withheld because it could not be tracked.
	ErrRegistrationFailed = errors.New("JTI_REGISTRATION_FAILED")
)

// TypeRefresh marks refresh tokens, which are reusable within their
// lifetime and exempt from anti-replay.
const TypeRefresh = "refresh"

var (
	tokensSignedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jwt_tokens_signed_total",
		Help: "Number of tokens signed, by type",
	}, []string{"type"})
	tokenVerifyFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jwt_verify_failures_total",
		Help: "Number of failed token verifications, by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(tokensSignedTotal, tokenVerifyFailures)
}

// Claims is the decoded claim set of a service token.
type Claims struct {
	Subject  string    `json:"sub"`
	Issuer   string    `json:"iss"`
	Audience []string  `json:"aud"`
	Scope    string    `json:"scope"`
	JTI      string    `json:"jti"`
	IssuedAt time.Time `json:"iat"`
	Expiry   time.Time `json:"exp"`
	Type     string    `json:"type,omitempty"`
}

// Scopes splits the space-separated scope claim.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// IsRefresh reports whether the claims describe a refresh token.
func (c *Claims) IsRefresh() bool {
	return c.Type == TypeRefresh
}

// privateClaims carries the non-registered claims on the wire.
type privateClaims struct {
	Scope string `json:"scope,omitempty"`
	Type  string `json:"type,omitempty"`
}

// EngineConfig holds creation parameters for NewEngine.
type EngineConfig struct {
	// KeyRing provides signing and verification keys.
	KeyRing *KeyRing
	// Replay is the anti-replay set for access token identifiers.
	Replay ReplaySet
	// Bus receives token lifecycle events.
	Bus *eventbus.Bus
	// Clock is used for claim timestamps and validation.
	Clock clockwork.Clock
	// Issuer is the iss claim stamped on and required of every token.
	Issuer string
	// Audience is the aud claim stamped on and required of every token.
	Audience string
	// ClockSkew is the leeway applied to time-based claims.
	ClockSkew time.Duration
	// AccessTokenTTL is the lifetime of issued access tokens.
	AccessTokenTTL time.Duration
	// RefreshTokenTTL is the lifetime of issued refresh tokens.
	RefreshTokenTTL time.Duration
	// Logger is an optional logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *EngineConfig) CheckAndSetDefaults() error {
	if c.KeyRing == nil {
		return trace.BadParameter("missing parameter KeyRing")
	}
	if c.Replay == nil {
		return trace.BadParameter("missing parameter Replay")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.Issuer == "" {
		return trace.BadParameter("missing parameter Issuer")
	}
	if c.Audience == "" {
		return trace.BadParameter("missing parameter Audience")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = defaults.ClockSkew
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = defaults.TokenExpiration
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = defaults.RefreshTokenExpiration
	}
	if c.Logger == nil {
		c.Logger = slog.With(backoffice.ComponentKey, backoffice.ComponentTokens)
	}
	return nil
}

// NewEngine returns a token engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg, log: cfg.Logger}, nil
}

// Engine signs and verifies RS256 tokens against the key ring and the
// anti-replay set.
type Engine struct {
	cfg EngineConfig
	log *slog.Logger
}

// SignParams are the inputs to Sign.
type SignParams struct {
	// Subject is the sub claim.
	Subject string
	// Scopes become the space-separated scope claim.
	Scopes []string
	// Refresh requests a refresh token instead of an access token.
	Refresh bool
}

// SignResult is the output of Sign.
type SignResult struct {
	// Token is the compact serialized JWT.
	Token string
	// KeyID is the kid the token was signed with.
	KeyID string
	// ExpiresAt is the token expiry.
	ExpiresAt time.Time
}

// Sign issues a token. The fresh jti is registered with the anti-replay
// set before the token is returned; a token that cannot be tracked is
// never emitted.
func (e *Engine) Sign(ctx context.Context, params SignParams) (*SignResult, error) {
	if params.Subject == "" {
		return nil, trace.BadParameter("missing parameter Subject")
	}
	private, key, err := e.cfg.KeyRing.GetActivePrivateKey(ctx)
	if err != nil {
		if errors.Is(err, ErrNoActiveKey) {
			return nil, trace.Wrap(err)
		}
		return nil, trace.Wrap(ErrSignFailed, "obtaining signing key: %v", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: private},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KeyID),
	)
	if err != nil {
		return nil, trace.Wrap(ErrSignFailed, "creating signer: %v", err)
	}

	now := e.cfg.Clock.Now().UTC()
	ttl := e.cfg.AccessTokenTTL
	tokenType := ""
	if params.Refresh {
		ttl = e.cfg.RefreshTokenTTL
		tokenType = TypeRefresh
	}
	expires := now.Add(ttl)
	jti := uuid.NewString()

	claims := josejwt.Claims{
		Subject:  params.Subject,
		Issuer:   e.cfg.Issuer,
		Audience: josejwt.Audience{e.cfg.Audience},
		ID:       jti,
		IssuedAt: josejwt.NewNumericDate(now),
		Expiry:   josejwt.NewNumericDate(expires),
	}
	extra := privateClaims{
		Scope: strings.Join(params.Scopes, " "),
		Type:  tokenType,
	}
	token, err := josejwt.Signed(signer).Claims(claims).Claims(extra).Serialize()
	if err != nil {
		return nil, trace.Wrap(ErrSignFailed, "signing token: %v", err)
	}

	// Refresh tokens are reusable and never enter the replay set.
	if !params.Refresh {
		registered, err := e.cfg.Replay.Register(jti, expires)
		if err != nil {
			return nil, trace.Wrap(ErrRegistrationFailed, "registering jti: %v", err)
		}
		if !registered {
			return nil, trace.Wrap(ErrRegistrationFailed, "jti %q is already registered", jti)
		}
	}

	tokensSignedTotal.WithLabelValues(label(tokenType)).Inc()
	e.cfg.Bus.Emit(eventbus.TopicJWTGenerated, map[string]interface{}{
		"sub":  params.Subject,
		"kid":  key.KeyID,
		"jti":  jti,
		"type": tokenType,
	})
	return &SignResult{Token: token, KeyID: key.KeyID, ExpiresAt: expires}, nil
}

// Verify validates a compact serialized token: signature against the
// ring key named by kid, canonical claims with clock skew, and the
// anti-replay rule for access tokens.
func (e *Engine) Verify(ctx context.Context, token string) (*Claims, error) {
	claims, err := e.verify(ctx, token)
	if err != nil {
		tokenVerifyFailures.WithLabelValues(failureReason(err)).Inc()
		e.cfg.Bus.Emit(eventbus.TopicJWTValidationFailed, map[string]interface{}{
			"error": err.Error(),
		})
		return nil, trace.Wrap(err)
	}
	e.cfg.Bus.Emit(eventbus.TopicJWTValidated, map[string]interface{}{
		"sub": claims.Subject,
		"jti": claims.JTI,
	})
	return claims, nil
}

func (e *Engine) verify(ctx context.Context, token string) (*Claims, error) {
	parsed, err := josejwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, trace.Wrap(ErrInvalidToken, "parsing token: %v", err)
	}
	if len(parsed.Headers) != 1 {
		return nil, trace.Wrap(ErrInvalidToken, "expected a single signature header")
	}
	kid := parsed.Headers[0].KeyID
	if kid == "" {
		return nil, trace.Wrap(ErrInvalidToken, "token header is missing kid")
	}
	key, err := e.cfg.KeyRing.GetKey(kid)
	if err != nil {
		return nil, trace.Wrap(ErrInvalidToken, "unknown kid %q", kid)
	}
	public, err := parsePublicKeyPEM([]byte(key.PublicKeyPEM))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var registered josejwt.Claims
	var private privateClaims
	if err := parsed.Claims(public, &registered, &private); err != nil {
		return nil, trace.Wrap(ErrInvalidToken, "bad signature: %v", err)
	}
	err = registered.ValidateWithLeeway(josejwt.Expected{
		Issuer:      e.cfg.Issuer,
		AnyAudience: josejwt.Audience{e.cfg.Audience},
		Time:        e.cfg.Clock.Now(),
	}, e.cfg.ClockSkew)
	if err != nil {
		return nil, trace.Wrap(ErrInvalidToken, "claims validation failed: %v", err)
	}
	if registered.ID == "" {
		return nil, trace.Wrap(ErrInvalidToken, "token is missing jti")
	}

	claims := &Claims{
		Subject:  registered.Subject,
		Issuer:   registered.Issuer,
		Audience: registered.Audience,
		Scope:    private.Scope,
		JTI:      registered.ID,
		Type:     private.Type,
	}
	if registered.IssuedAt != nil {
		claims.IssuedAt = registered.IssuedAt.Time()
	}
	if registered.Expiry != nil {
		claims.Expiry = registered.Expiry.Time()
	}

	// Access tokens are single use: the first verification consumes the
	// jti, later verifications of a live jti are replays.
	if !claims.IsRefresh() {
		if err := e.consume(claims); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return claims, nil
}

func (e *Engine) consume(claims *Claims) error {
	if e.cfg.Replay.IsConsumed(claims.JTI) {
		e.cfg.Bus.Emit(eventbus.TopicReplayDetected, map[string]interface{}{
			"sub": claims.Subject,
			"jti": claims.JTI,
		})
		return trace.Wrap(ErrReplayDetected, "token %q was already used", claims.JTI)
	}
	if err := e.cfg.Replay.Consume(claims.JTI, claims.Expiry.Add(e.cfg.ClockSkew)); err != nil {
		return trace.Wrap(ErrInvalidToken, "recording token use: %v", err)
	}
	return nil
}

// DecodeResult is the unverified view of a token.
type DecodeResult struct {
	// Header is the protected header.
	Header map[string]interface{}
	// Claims is the unverified claim set.
	Claims Claims
	// KeyID is the kid from the header.
	KeyID string
}

// Decode parses a token without verifying the signature. Never use the
// result for authorization decisions.
func (e *Engine) Decode(token string) (*DecodeResult, error) {
	parsed, err := josejwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, trace.Wrap(ErrInvalidToken, "parsing token: %v", err)
	}
	if len(parsed.Headers) != 1 {
		return nil, trace.Wrap(ErrInvalidToken, "expected a single signature header")
	}
	var registered josejwt.Claims
	var private privateClaims
	if err := parsed.UnsafeClaimsWithoutVerification(&registered, &private); err != nil {
		return nil, trace.Wrap(ErrInvalidToken, "decoding claims: %v", err)
	}
	header := parsed.Headers[0]
	result := &DecodeResult{
		Header: map[string]interface{}{
			"alg": string(header.Algorithm),
			"kid": header.KeyID,
		},
		KeyID: header.KeyID,
		Claims: Claims{
			Subject:  registered.Subject,
			Issuer:   registered.Issuer,
			Audience: registered.Audience,
			Scope:    private.Scope,
			JTI:      registered.ID,
			Type:     private.Type,
		},
	}
	if registered.IssuedAt != nil {
		result.Claims.IssuedAt = registered.IssuedAt.Time()
	}
	if registered.Expiry != nil {
		result.Claims.Expiry = registered.Expiry.Time()
	}
	return result, nil
}

// ActiveKid returns the kid tokens are currently signed with.
func (e *Engine) ActiveKid() string {
	return e.cfg.KeyRing.ActiveKid()
}

func label(tokenType string) string {
	if tokenType == "" {
		return "access"
	}
	return tokenType
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrReplayDetected):
		return "replay"
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	default:
		return "other"
	}
}
