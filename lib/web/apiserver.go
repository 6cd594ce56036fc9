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

// Package web implements the HTTP API of the trust core.
package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/backoffice"
	"github.com/gravitational/backoffice/lib/authz"
	"github.com/gravitational/backoffice/lib/devicetrust"
	"github.com/gravitational/backoffice/lib/eventbus"
	"github.com/gravitational/backoffice/lib/events"
	"github.com/gravitational/backoffice/lib/httplib"
	"github.com/gravitational/backoffice/lib/jwt"
	"github.com/gravitational/backoffice/lib/reqcontext"
	"github.com/gravitational/backoffice/lib/services"
	"github.com/gravitational/backoffice/lib/services/local"
)

// Config holds the handler dependencies.
type Config struct {
	// Engine signs and verifies tokens.
	Engine *jwt.Engine
	// KeyRing serves the JWKS document.
	KeyRing *jwt.KeyRing
	// Guard enforces permissions.
	Guard *authz.Guard
	// Identity is the user store.
	Identity *local.IdentityService
	// Access is the role store.
	Access *local.AccessService
	// Modules is the module registry.
	Modules *local.ModuleService
	// Tenants is the tenant and card store.
	Tenants *local.TenantService
	// Devices performs device key exchanges.
	Devices *devicetrust.Service
	// DeviceRecords reads device records directly.
	DeviceRecords *local.DeviceService
	// Audit records business events.
	Audit *events.Pipeline
	// AuditLog queries the persisted audit log.
	AuditLog *events.Log
	// Bus carries response captures.
	Bus *eventbus.Bus
	// APIKey guards non-public endpoints.
	APIKey string
	// Clock overrides time source, used in tests.
	Clock clockwork.Clock
	// Logger is the logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	for name, missing := range map[string]bool{
		"Engine":        c.Engine == nil,
		"KeyRing":       c.KeyRing == nil,
		"Guard":         c.Guard == nil,
		"Identity":      c.Identity == nil,
		"Access":        c.Access == nil,
		"Modules":       c.Modules == nil,
		"Tenants":       c.Tenants == nil,
		"Devices":       c.Devices == nil,
		"DeviceRecords": c.DeviceRecords == nil,
		"Audit":         c.Audit == nil,
		"AuditLog":      c.AuditLog == nil,
		"Bus":           c.Bus == nil,
	} {
		if missing {
			return trace.BadParameter("missing parameter %s", name)
		}
	}
	if c.APIKey == "" {
		return trace.BadParameter("missing parameter APIKey")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(backoffice.ComponentKey, backoffice.ComponentWeb)
	}
	return nil
}

// Handler is the API server.
type Handler struct {
	cfg    Config
	router *httprouter.Router
	chain  http.Handler
}

// NewHandler returns the API server handler.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg, router: httprouter.New()}
	h.bindRoutes()

	// Outermost first: request context, response capture, api key,
	// bearer auth, routing.
	h.chain = h.withRequestContext(
		h.withResponseCapture(
			h.withAPIKey(
				h.withBearerAuth(h.router))))
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.chain.ServeHTTP(w, r)
}

func (h *Handler) bindRoutes() {
	r := h.router

	r.HandlerFunc(http.MethodGet, "/", h.health)
	r.HandlerFunc(http.MethodGet, "/health", h.health)
	r.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	r.HandlerFunc(http.MethodGet, "/.well-known/jwks.json", h.jwks)

	r.HandlerFunc(http.MethodPost, "/auth/login", h.login)
	r.HandlerFunc(http.MethodPost, "/auth/refresh", h.refresh)

	r.HandlerFunc(http.MethodGet, "/users", h.guarded(h.listUsers, "users.read"))
	r.HandlerFunc(http.MethodPost, "/users", h.guarded(h.createUser, "users.create"))
	r.Handle(http.MethodGet, "/users/:id", h.guardedP(h.getUser, "users.read"))
	r.Handle(http.MethodPut, "/users/:id", h.guardedP(h.updateUser, "users.update"))
	r.Handle(http.MethodDelete, "/users/:id", h.guardedP(h.deleteUser, "users.delete"))
	r.Handle(http.MethodPost, "/users/:id/password", h.guardedP(h.setUserPassword, "users.update"))

	r.HandlerFunc(http.MethodGet, "/roles", h.guarded(h.listRoles, "roles.read"))
	r.HandlerFunc(http.MethodPost, "/roles", h.guarded(h.createRole, "roles.create"))
	r.Handle(http.MethodGet, "/roles/:key", h.guardedP(h.getRole, "roles.read"))
	r.Handle(http.MethodPut, "/roles/:key", h.guardedP(h.updateRole, "roles.update"))
	r.Handle(http.MethodDelete, "/roles/:key", h.guardedP(h.deleteRole, "roles.delete"))

	r.HandlerFunc(http.MethodGet, "/modules", h.guarded(h.listModules, "modules.read"))
	r.HandlerFunc(http.MethodPost, "/modules", h.guarded(h.createModule, "modules.create"))
	// Reorder rides the collection PUT; httprouter does not allow a
	// static segment next to the :id wildcard.
	r.HandlerFunc(http.MethodPut, "/modules", h.guarded(h.reorderModules, "modules.update"))
	r.Handle(http.MethodGet, "/modules/:id", h.guardedP(h.getModule, "modules.read"))
	r.Handle(http.MethodPut, "/modules/:id", h.guardedP(h.updateModule, "modules.update"))
	r.Handle(http.MethodDelete, "/modules/:id", h.guardedP(h.deleteModule, "modules.delete"))
	r.Handle(http.MethodPost, "/modules/:id/permissions/:permId", h.guardedP(h.togglePermission, "modules.update"))

	r.HandlerFunc(http.MethodGet, "/tenants", h.guarded(h.listTenants, "tenants.read"))
	r.HandlerFunc(http.MethodPost, "/tenants", h.guarded(h.createTenant, "tenants.create"))
	r.Handle(http.MethodGet, "/tenants/:id", h.guardedP(h.getTenant, "tenants.read"))
	r.Handle(http.MethodPut, "/tenants/:id", h.guardedP(h.updateTenant, "tenants.update"))
	r.Handle(http.MethodDelete, "/tenants/:id", h.guardedP(h.deleteTenant, "tenants.delete"))
	r.Handle(http.MethodGet, "/tenants/:id/cards", h.guardedP(h.listTenantCards, "cards.read"))
	r.Handle(http.MethodPost, "/tenants/:id/cards", h.guardedP(h.createCard, "cards.create"))
	r.Handle(http.MethodDelete, "/cards/:id", h.guardedP(h.deleteCard, "cards.delete"))

	r.HandlerFunc(http.MethodGet, "/audit", h.guarded(h.queryAudit, "audit.read"))
	r.HandlerFunc(http.MethodGet, "/audit/summary", h.guarded(h.summarizeAudit, "audit.read"))
	r.HandlerFunc(http.MethodPost, "/audit/archive", h.guarded(h.archiveAudit, "audit.archive"))

	r.HandlerFunc(http.MethodGet, "/devices", h.listOwnDevices)
	// httprouter cannot register the static /devices/exchange next to
	// the :id wildcard on the same method, so the wildcard dispatches.
	r.Handle(http.MethodPost, "/devices/:id", h.devicePost)
	r.Handle(http.MethodPost, "/devices/:id/revoke", h.guardedP(h.revokeDevice, "devices.revoke"))
	r.Handle(http.MethodGet, "/devices/:id/rotations", h.guardedP(h.deviceRotations, "devices.read"))
}

// guarded wraps a handler with an all-of permission check.
func (h *Handler) guarded(next http.HandlerFunc, required ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.cfg.Guard.Check(r.Context(), required...); err != nil {
			httplib.Error(w, r, trace.Wrap(err))
			return
		}
		next(w, r)
	}
}

// guardedP is guarded for parameterized routes.
func (h *Handler) guardedP(next httprouter.Handle, required ...string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if err := h.cfg.Guard.Check(r.Context(), required...); err != nil {
			httplib.Error(w, r, trace.Wrap(err))
			return
		}
		next(w, r, params)
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	httplib.OK(w, r, map[string]interface{}{
		"status":    "ok",
		"version":   backoffice.Version,
		"activeKid": h.cfg.Engine.ActiveKid(),
	})
}

func (h *Handler) jwks(w http.ResponseWriter, r *http.Request) {
	response, err := h.cfg.KeyRing.JWKS()
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	httplib.OK(w, r, response)
}

type loginRequest struct {
	// Username is the login identifier, an email address. Email is an
	// accepted alias.
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	KeyID        string `json:"key_id,omitempty"`
	User         any    `json:"user,omitempty"`
}

// expiresIn renders an absolute expiry as whole seconds from now.
func (h *Handler) expiresIn(expiresAt time.Time) int64 {
	return int64(expiresAt.Sub(h.cfg.Clock.Now()).Round(time.Second) / time.Second)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httplib.ReadJSON(w, r, &req); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	if req.Username == "" {
		req.Username = req.Email
	}
	ctx := r.Context()
	user, err := h.cfg.Identity.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		h.cfg.Audit.Record(ctx, events.AuditEvent{
			Action:       events.ActionLogin,
			ResourceType: "auth",
			Result:       events.ResultDeny,
			Reason:       "invalid credentials",
			Severity:     events.SeverityMedium,
		})
		// Bad credentials are a malformed login, not an expired session.
		if trace.IsAccessDenied(err) {
			err = trace.BadParameter("invalid credentials")
		}
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	access, err := h.cfg.Engine.Sign(ctx, jwt.SignParams{Subject: user.ID, Scopes: user.RoleKeys()})
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	refresh, err := h.cfg.Engine.Sign(ctx, jwt.SignParams{Subject: user.ID, Scopes: user.RoleKeys(), Refresh: true})
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.Record(ctx, events.AuditEvent{
		ActorKid:     user.ID,
		ActorSub:     user.Email,
		Action:       events.ActionLogin,
		ResourceType: "auth",
		ResourceRef:  user.ID,
		Result:       events.ResultAllow,
		Severity:     events.SeverityLow,
	})
	httplib.OK(w, r, tokenResponse{
		AccessToken:  access.Token,
		TokenType:    "Bearer",
		ExpiresIn:    h.expiresIn(access.ExpiresAt),
		RefreshToken: refresh.Token,
		KeyID:        access.KeyID,
		User:         user,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httplib.ReadJSON(w, r, &req); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	ctx := r.Context()
	claims, err := h.cfg.Engine.Verify(ctx, req.RefreshToken)
	if err != nil {
		httplib.Error(w, r, trace.BadParameter("invalid or expired refresh token"))
		return
	}
	if !claims.IsRefresh() {
		httplib.Error(w, r, trace.BadParameter("invalid or expired refresh token"))
		return
	}
	// Scopes are re-resolved so role changes take effect on refresh.
	roleKeys, err := h.cfg.Identity.GetUserRoleKeys(ctx, claims.Subject)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	access, err := h.cfg.Engine.Sign(ctx, jwt.SignParams{Subject: claims.Subject, Scopes: roleKeys})
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.Record(ctx, events.AuditEvent{
		ActorKid:     claims.Subject,
		Action:       events.ActionTokenRefresh,
		ResourceType: "auth",
		ResourceRef:  claims.Subject,
		Result:       events.ResultAllow,
		Severity:     events.SeverityLow,
	})
	httplib.OK(w, r, tokenResponse{
		AccessToken: access.Token,
		TokenType:   "Bearer",
		ExpiresIn:   h.expiresIn(access.ExpiresAt),
		KeyID:       access.KeyID,
	})
}

type createUserRequest struct {
	services.User
	Password string `json:"password"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.cfg.Identity.ListUsers(r.Context())
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	httplib.OK(w, r, users)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := httplib.ReadJSON(w, r, &req); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	if req.RoleKey == services.RoleSuperAdmin {
		httplib.Error(w, r, trace.BadParameter("super_admin is seeded, not created"))
		return
	}
	user, err := h.cfg.Identity.CreateUser(r.Context(), req.User, req.Password)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "USER_CREATE", "users", user.ID)
	httplib.Created(w, r, user)
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	user, err := h.cfg.Identity.GetUser(r.Context(), params.ByName("id"))
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	httplib.OK(w, r, user)
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var user services.User
	if err := httplib.ReadJSON(w, r, &user); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	user.ID = params.ByName("id")
	updated, err := h.cfg.Identity.UpdateUser(r.Context(), user)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "USER_UPDATE", "users", updated.ID)
	httplib.OK(w, r, updated)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	if err := h.cfg.Identity.DeleteUser(r.Context(), id); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "USER_DELETE", "users", id)
	httplib.OK(w, r, map[string]string{"id": id})
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (h *Handler) setUserPassword(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req passwordRequest
	if err := httplib.ReadJSON(w, r, &req); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	id := params.ByName("id")
	if err := h.cfg.Identity.SetUserPassword(r.Context(), id, req.Password); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "USER_PASSWORD_SET", "users", id)
	httplib.OK(w, r, map[string]string{"id": id})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.cfg.Access.ListRoles(r.Context())
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	httplib.OK(w, r, roles)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var role services.Role
	if err := httplib.ReadJSON(w, r, &role); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	created, err := h.cfg.Access.CreateRole(r.Context(), role)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "ROLE_CREATE", "roles", created.Key)
	httplib.Created(w, r, created)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	role, err := h.cfg.Access.GetRole(r.Context(), params.ByName("key"))
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	httplib.OK(w, r, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var role services.Role
	if err := httplib.ReadJSON(w, r, &role); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	role.Key = params.ByName("key")
	updated, err := h.cfg.Access.UpdateRole(r.Context(), role)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "ROLE_UPDATE", "roles", updated.Key)
	httplib.OK(w, r, updated)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	key := params.ByName("key")
	if err := h.cfg.Access.DeleteRole(r.Context(), key); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "ROLE_DELETE", "roles", key)
	httplib.OK(w, r, map[string]string{"key": key})
}

func (h *Handler) listModules(w http.ResponseWriter, r *http.Request) {
	modules, err := h.cfg.Modules.ListModules(r.Context())
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	httplib.OK(w, r, modules)
}

func (h *Handler) createModule(w http.ResponseWriter, r *http.Request) {
	var module services.Module
	if err := httplib.ReadJSON(w, r, &module); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	created, err := h.cfg.Modules.CreateModule(r.Context(), module)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "MODULE_CREATE", "modules", created.Indicator)
	httplib.Created(w, r, created)
}

func (h *Handler) getModule(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	module, err := h.cfg.Modules.GetModule(r.Context(), params.ByName("id"))
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	httplib.OK(w, r, module)
}

func (h *Handler) updateModule(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var module services.Module
	if err := httplib.ReadJSON(w, r, &module); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	module.ID = params.ByName("id")
	updated, err := h.cfg.Modules.UpdateModule(r.Context(), module)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "MODULE_UPDATE", "modules", updated.Indicator)
	httplib.OK(w, r, updated)
}

func (h *Handler) deleteModule(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	if err := h.cfg.Modules.DeleteModule(r.Context(), id); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "MODULE_DELETE", "modules", id)
	httplib.OK(w, r, map[string]string{"id": id})
}

type reorderRequest struct {
	ID     string `json:"id"`
	Order  int    `json:"order"`
	Parent string `json:"parent"`
}

func (h *Handler) reorderModules(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := httplib.ReadJSON(w, r, &req); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	if err := h.cfg.Modules.Reorder(r.Context(), req.ID, req.Order, req.Parent); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	modules, err := h.cfg.Modules.ListModules(r.Context())
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "MODULE_REORDER", "modules", req.ID)
	httplib.OK(w, r, modules)
}

type togglePermissionRequest struct {
	Enabled            bool `json:"enabled"`
	RequiresSuperAdmin bool `json:"requiresSuperAdmin"`
}

func (h *Handler) togglePermission(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req togglePermissionRequest
	if err := httplib.ReadJSON(w, r, &req); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	module, err := h.cfg.Modules.TogglePermission(r.Context(),
		params.ByName("id"), params.ByName("permId"), req.Enabled, req.RequiresSuperAdmin)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "PERMISSION_TOGGLE", "modules", params.ByName("permId"))
	httplib.OK(w, r, module)
}

type createTenantRequest struct {
	services.Tenant
	PAN         string `json:"pan,omitempty"`
	OAuthSecret string `json:"oauthSecret,omitempty"`
}

func (h *Handler) listTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.cfg.Tenants.ListTenants(r.Context())
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	httplib.OK(w, r, tenants)
}

func (h *Handler) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := httplib.ReadJSON(w, r, &req); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	tenant, err := h.cfg.Tenants.CreateTenant(r.Context(), req.Tenant, req.PAN, req.OAuthSecret)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "TENANT_CREATE", "tenants", tenant.ID)
	httplib.Created(w, r, tenant)
}

func (h *Handler) getTenant(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	tenant, err := h.cfg.Tenants.GetTenant(r.Context(), params.ByName("id"))
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	httplib.OK(w, r, tenant)
}

func (h *Handler) updateTenant(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var tenant services.Tenant
	if err := httplib.ReadJSON(w, r, &tenant); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	tenant.ID = params.ByName("id")
	updated, err := h.cfg.Tenants.UpdateTenant(r.Context(), tenant)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "TENANT_UPDATE", "tenants", updated.ID)
	httplib.OK(w, r, updated)
}

func (h *Handler) deleteTenant(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	if err := h.cfg.Tenants.DeleteTenant(r.Context(), id); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "TENANT_DELETE", "tenants", id)
	httplib.OK(w, r, map[string]string{"id": id})
}

type createCardRequest struct {
	services.Card
	PAN string `json:"pan"`
}

func (h *Handler) listTenantCards(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	cards, err := h.cfg.Tenants.ListTenantCards(r.Context(), params.ByName("id"))
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	httplib.OK(w, r, cards)
}

func (h *Handler) createCard(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req createCardRequest
	if err := httplib.ReadJSON(w, r, &req); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	req.Card.TenantID = params.ByName("id")
	card, err := h.cfg.Tenants.CreateCard(r.Context(), req.Card, req.PAN)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "CARD_CREATE", "cards", card.ID)
	httplib.Created(w, r, card)
}

func (h *Handler) deleteCard(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	if err := h.cfg.Tenants.DeleteCard(r.Context(), id); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "CARD_DELETE", "cards", id)
	httplib.OK(w, r, map[string]string{"id": id})
}

func (h *Handler) queryAudit(w http.ResponseWriter, r *http.Request) {
	filter, pagination, err := auditQueryParams(r)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	page, err := h.cfg.AuditLog.Query(r.Context(), filter, pagination)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	httplib.OKPage(w, r, page.Events, httplib.Pagination{
		Page:       page.Page,
		Limit:      page.Limit,
		Total:      page.Total,
		TotalPages: page.TotalPages,
	})
}

func (h *Handler) summarizeAudit(w http.ResponseWriter, r *http.Request) {
	filter, _, err := auditQueryParams(r)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	summary, err := h.cfg.AuditLog.Summarize(r.Context(), filter)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	httplib.OK(w, r, summary)
}

type archiveRequest struct {
	Before time.Time `json:"before"`
}

func (h *Handler) archiveAudit(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if err := httplib.ReadJSON(w, r, &req); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	if req.Before.IsZero() {
		httplib.Error(w, r, trace.BadParameter("missing parameter before"))
		return
	}
	removed, err := h.cfg.AuditLog.Archive(r.Context(), req.Before)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "AUDIT_ARCHIVE", "audit", req.Before.Format(time.RFC3339))
	httplib.OK(w, r, map[string]int{"removed": removed})
}

func auditQueryParams(r *http.Request) (events.Filter, events.Pagination, error) {
	query := r.URL.Query()
	filter := events.Filter{
		RequestID:     query.Get("requestId"),
		Actions:       splitParam(query.Get("action")),
		ActorKids:     splitParam(query.Get("actorKid")),
		ActorSubs:     splitParam(query.Get("actorSub")),
		ResourceTypes: splitParam(query.Get("resourceType")),
		Results:       splitParam(query.Get("result")),
		Severities:    splitParam(query.Get("severity")),
		Methods:       splitParam(query.Get("method")),
		Search:        query.Get("search"),
	}
	for _, raw := range splitParam(query.Get("statusCode")) {
		code, err := strconv.Atoi(raw)
		if err != nil {
			return filter, events.Pagination{}, trace.BadParameter("malformed statusCode %q", raw)
		}
		filter.StatusCodes = append(filter.StatusCodes, code)
	}
	var err error
	if filter.From, err = parseTimeParam(query.Get("from")); err != nil {
		return filter, events.Pagination{}, trace.Wrap(err)
	}
	if filter.To, err = parseTimeParam(query.Get("to")); err != nil {
		return filter, events.Pagination{}, trace.Wrap(err)
	}
	pagination := events.Pagination{SortOrder: query.Get("sortOrder")}
	if raw := query.Get("page"); raw != "" {
		if pagination.Page, err = strconv.Atoi(raw); err != nil {
			return filter, pagination, trace.BadParameter("malformed page %q", raw)
		}
	}
	if raw := query.Get("limit"); raw != "" {
		if pagination.Limit, err = strconv.Atoi(raw); err != nil {
			return filter, pagination, trace.BadParameter("malformed limit %q", raw)
		}
	}
	return filter, pagination, nil
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, trace.BadParameter("malformed time %q, want RFC3339", raw)
	}
	return parsed, nil
}

// devicePost routes POST /devices/:id. Only the exchange action lives
// on the collection wildcard.
func (h *Handler) devicePost(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if params.ByName("id") != "exchange" {
		httplib.Error(w, r, trace.NotFound("POST /devices/%s not found", params.ByName("id")))
		return
	}
	h.deviceExchange(w, r)
}

func (h *Handler) deviceExchange(w http.ResponseWriter, r *http.Request) {
	actor, ok := reqcontext.ActorFrom(r.Context())
	if !ok {
		httplib.Error(w, r, trace.AccessDenied("device exchange requires authentication"))
		return
	}
	var req devicetrust.ExchangeRequest
	if err := httplib.ReadJSON(w, r, &req); err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	req.UserID = actor.ID
	result, err := h.cfg.Devices.Exchange(r.Context(), req)
	if err != nil {
		h.cfg.Audit.Record(r.Context(), events.AuditEvent{
			Action:       events.ActionDeviceExchange,
			ResourceType: "devices",
			ResourceRef:  req.DeviceID,
			Result:       events.ResultError,
			ErrorMessage: err.Error(),
			Severity:     events.SeverityMedium,
		})
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), events.ActionDeviceExchange, "devices", result.Device.DeviceID)
	httplib.OK(w, r, result)
}

func (h *Handler) listOwnDevices(w http.ResponseWriter, r *http.Request) {
	actor, ok := reqcontext.ActorFrom(r.Context())
	if !ok {
		httplib.Error(w, r, trace.AccessDenied("missing authenticated actor"))
		return
	}
	devices, err := h.cfg.DeviceRecords.ListUserDevices(r.Context(), actor.ID)
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	httplib.OK(w, r, devices)
}

func (h *Handler) revokeDevice(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	device, err := h.cfg.Devices.Revoke(r.Context(), params.ByName("id"))
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	h.cfg.Audit.LogAllow(r.Context(), "DEVICE_REVOKE", "devices", device.DeviceID)
	httplib.OK(w, r, device)
}

func (h *Handler) deviceRotations(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	records, err := h.cfg.Devices.RotationHistory(r.Context(), params.ByName("id"))
	if err != nil {
		httplib.Error(w, r, trace.Wrap(err))
		return
	}
	httplib.OK(w, r, records)
}
