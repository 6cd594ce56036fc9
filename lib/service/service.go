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

// Package service wires the components of the back office trust core
// into a running process.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/backoffice"
	"github.com/gravitational/backoffice/lib/authz"
	"github.com/gravitational/backoffice/lib/backend/memory"
	"github.com/gravitational/backoffice/lib/config"
	"github.com/gravitational/backoffice/lib/defaults"
	"github.com/gravitational/backoffice/lib/devicetrust"
	"github.com/gravitational/backoffice/lib/eventbus"
	"github.com/gravitational/backoffice/lib/events"
	"github.com/gravitational/backoffice/lib/jwt"
	"github.com/gravitational/backoffice/lib/services/local"
	"github.com/gravitational/backoffice/lib/vault"
	"github.com/gravitational/backoffice/lib/web"
)

// accessPoint joins the identity and role stores behind the resolver
// interface.
type accessPoint struct {
	*local.IdentityService
	*local.AccessService
}

// Process is a fully wired instance of the service. Components are
// closed in reverse start order.
type Process struct {
	cfg   *config.Config
	clock clockwork.Clock
	log   *slog.Logger

	handler *web.Handler
	server  *http.Server

	closers []func()
}

// New wires a process from configuration. The signing key ring must
// load before the process is allowed to accept traffic, so a secret
// store failure here is fatal.
func New(ctx context.Context, cfg *config.Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Process{
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		log:   slog.With(backoffice.ComponentKey, backoffice.ComponentService),
	}
	if err := p.init(ctx); err != nil {
		p.Close()
		return nil, trace.Wrap(err)
	}
	return p, nil
}

func (p *Process) init(ctx context.Context) error {
	secrets, err := p.newSecretStore()
	if err != nil {
		return trace.Wrap(err)
	}

	bk, err := memory.New(memory.Config{Clock: p.clock})
	if err != nil {
		return trace.Wrap(err)
	}
	p.onClose(func() { bk.Close() })

	bus := eventbus.New()
	p.onClose(bus.Close)

	ring, err := jwt.NewKeyRing(ctx, jwt.KeyRingConfig{
		Vault:            secrets,
		Bus:              bus,
		Clock:            p.clock,
		RotationInterval: p.cfg.KeyRotationInterval,
		KeyTTL:           p.cfg.SigningKeyTTL,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.onClose(func() { ring.Close() })

	replay, err := jwt.NewMemoryReplaySet(jwt.MemoryReplaySetConfig{Clock: p.clock})
	if err != nil {
		return trace.Wrap(err)
	}
	p.onClose(func() { replay.Close() })

	engine, err := jwt.NewEngine(jwt.EngineConfig{
		KeyRing:         ring,
		Replay:          replay,
		Bus:             bus,
		Clock:           p.clock,
		Issuer:          p.cfg.Issuer,
		Audience:        p.cfg.Audience,
		ClockSkew:       p.cfg.ClockSkew,
		AccessTokenTTL:  p.cfg.AccessTokenTTL,
		RefreshTokenTTL: p.cfg.RefreshTokenTTL,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	access := local.NewAccessService(bk, bus)
	identity := local.NewIdentityService(bk)
	modules := local.NewModuleService(bk, bus)
	tenants := local.NewTenantService(bk, secrets)
	deviceRecords := local.NewDeviceService(bk)

	if err := p.seed(ctx, access, identity); err != nil {
		return trace.Wrap(err)
	}

	resolver, err := authz.NewResolver(authz.ResolverConfig{
		AccessPoint: accessPoint{identity, access},
		Bus:         bus,
		CacheTTL:    p.cfg.AuthzCacheTTL,
		CacheSize:   p.cfg.AuthzCacheSize,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.onClose(resolver.Close)

	guard, err := authz.NewGuard(authz.GuardConfig{
		Resolver: resolver,
		Bus:      bus,
		Clock:    p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	auditLog := events.NewLog(bk)
	pipeline, err := events.NewPipeline(events.PipelineConfig{
		Log:   auditLog,
		Bus:   bus,
		Clock: p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.onClose(pipeline.Close)

	devices, err := devicetrust.NewService(devicetrust.ServiceConfig{
		Devices:           deviceRecords,
		Vault:             secrets,
		Bus:               bus,
		Clock:             p.clock,
		MaxDevicesPerUser: p.cfg.MaxDevicesPerUser,
		KeyValidity:       p.cfg.DeviceKeyValidity,
		HKDFInfo:          p.cfg.HKDFInfo,
		HKDFOutputLength:  p.cfg.HKDFOutputLength,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.onClose(devices.Close)

	p.handler, err = web.NewHandler(web.Config{
		Engine:        engine,
		KeyRing:       ring,
		Guard:         guard,
		Identity:      identity,
		Access:        access,
		Modules:       modules,
		Tenants:       tenants,
		Devices:       devices,
		DeviceRecords: deviceRecords,
		Audit:         pipeline,
		AuditLog:      auditLog,
		Bus:           bus,
		APIKey:        p.cfg.APIKey,
		Clock:         p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.server = &http.Server{
		Addr:              p.cfg.ListenAddr,
		Handler:           p.handler,
		IdleTimeout:       defaults.HTTPIdleTimeout,
		ReadHeaderTimeout: defaults.HTTPReadHeaderTimeout,
	}
	return nil
}

// newSecretStore picks the vault client: a real KV v2 mount when an
// address is configured, the in-process store otherwise.
func (p *Process) newSecretStore() (vault.Client, error) {
	if p.cfg.VaultAddr == "" {
		p.log.Warn("VAULT_ADDR is not set, secrets are held in process memory and will not survive a restart")
		return vault.NewMemoryClient(), nil
	}
	client, err := vault.NewClient(vault.Config{
		Addr:  p.cfg.VaultAddr,
		Token: p.cfg.VaultToken,
		Mount: p.cfg.VaultKVMount,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return client, nil
}

// seed installs the preset roles and, when credentials are configured
// and the user collection is empty, the initial super admin.
func (p *Process) seed(ctx context.Context, access *local.AccessService, identity *local.IdentityService) error {
	if err := access.SeedPresetRoles(ctx); err != nil {
		return trace.Wrap(err)
	}
	if p.cfg.SuperAdminEmail == "" || p.cfg.SuperAdminPassword == "" {
		return nil
	}
	created, err := identity.SeedSuperAdmin(ctx, p.cfg.SuperAdminEmail, p.cfg.SuperAdminPassword, "")
	if err != nil {
		return trace.Wrap(err)
	}
	if created {
		p.log.Info("seeded initial super admin", "email", p.cfg.SuperAdminEmail)
	}
	return nil
}

// Run serves the API until ctx is canceled, then shuts down gracefully.
func (p *Process) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		p.log.Info("listening", "addr", p.cfg.ListenAddr, "version", backoffice.Version)
		errCh <- p.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	p.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()
	if err := p.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.log.Warn("forced shutdown of the API server", "error", err)
	}
	p.Close()
	return nil
}

// Handler exposes the wired API handler, used in tests.
func (p *Process) Handler() http.Handler {
	return p.handler
}

// Close tears the process down in reverse start order.
func (p *Process) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}

func (p *Process) onClose(fn func()) {
	p.closers = append(p.closers, fn)
}
