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

package local

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/backoffice/lib/backend"
	"github.com/gravitational/backoffice/lib/backend/memory"
	"github.com/gravitational/backoffice/lib/eventbus"
	"github.com/gravitational/backoffice/lib/services"
	"github.com/gravitational/backoffice/lib/vault"
)

func newTestBackend(t *testing.T) backend.Backend {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	return bk
}

func TestAccessServiceSeedAndInvariants(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	access := NewAccessService(bk, nil)

	require.NoError(t, access.SeedPresetRoles(ctx))
	// Seeding is idempotent.
	require.NoError(t, access.SeedPresetRoles(ctx))

	roles, err := access.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 5)

	sa, err := access.GetRole(ctx, services.RoleSuperAdmin)
	require.NoError(t, err)
	require.True(t, sa.IsSystem)
	require.Equal(t, []string{services.PermissionWildcard}, sa.PermissionKeys)

	// System roles cannot be disabled.
	disabled := *sa
	disabled.Status = services.StatusDisabled
	_, err = access.UpdateRole(ctx, disabled)
	require.Error(t, err)

	// super_admin permissions cannot be modified.
	stripped := *sa
	stripped.PermissionKeys = []string{"roles.*"}
	_, err = access.UpdateRole(ctx, stripped)
	require.Error(t, err)

	// System roles cannot be deleted.
	require.Error(t, access.DeleteRole(ctx, services.RoleAdmin))
}

func TestAccessServiceCustomRoleLifecycle(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	bus := eventbus.New()
	defer bus.Close()
	sub := bus.Subscribe(eventbus.TopicPermissionsChanged)
	defer sub.Close()
	access := NewAccessService(bk, bus)

	role, err := access.CreateRole(ctx, services.Role{
		Key:            "auditor",
		Name:           "Auditor",
		PermissionKeys: []string{"audit.read", "audit.export"},
	})
	require.NoError(t, err)
	require.Equal(t, services.StatusActive, role.Status)

	_, err = access.CreateRole(ctx, services.Role{Key: "auditor", Name: "Dup"})
	require.True(t, trace.IsAlreadyExists(err))

	// Active custom roles cannot be hard-deleted.
	require.Error(t, access.DeleteRole(ctx, "auditor"))

	role.Status = services.StatusDisabled
	_, err = access.UpdateRole(ctx, *role)
	require.NoError(t, err)
	require.NoError(t, access.DeleteRole(ctx, "auditor"))

	_, err = access.GetRole(ctx, "auditor")
	require.True(t, trace.IsNotFound(err))

	// Every mutation published an invalidation.
	changes := 0
	for done := false; !done; {
		select {
		case <-sub.Events():
			changes++
		case <-time.After(100 * time.Millisecond):
			done = true
		}
	}
	require.Equal(t, 3, changes)
}

func TestAccessServiceGetRolesByKeys(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	access := NewAccessService(bk, nil)
	require.NoError(t, access.SeedPresetRoles(ctx))

	roles, err := access.GetRolesByKeys(ctx, []string{"admin", "no_such_role", "user"})
	require.NoError(t, err)
	require.Len(t, roles, 2)
}

func TestAccessServiceListCache(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	access := NewAccessService(bk, nil)
	require.NoError(t, access.SeedPresetRoles(ctx))

	roles, err := access.ListRoles(ctx)
	require.NoError(t, err)
	seeded := len(roles)

	// A write bypassing the store stays invisible to the cached listing.
	ghost := services.Role{ID: "ghost", Key: "ghost", Name: "Ghost", Status: services.StatusActive}
	raw, err := json.Marshal(ghost)
	require.NoError(t, err)
	_, err = bk.Put(ctx, backend.Item{Key: roleKey("ghost"), Value: raw})
	require.NoError(t, err)

	roles, err = access.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, seeded)

	// A write through the store drops the cached listing.
	_, err = access.CreateRole(ctx, services.Role{Key: "auditor", Name: "Auditor"})
	require.NoError(t, err)
	roles, err = access.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, seeded+2)
}

func TestModuleServiceListCache(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	modules := NewModuleService(bk, nil)

	_, err := modules.CreateModule(ctx, services.Module{
		Indicator: "roles", Name: "Roles", Actions: []string{"read"},
	})
	require.NoError(t, err)

	list, err := modules.ListModules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	ghost := services.Module{ID: "ghost", Indicator: "ghost", Name: "Ghost", Status: services.StatusActive}
	raw, err := json.Marshal(ghost)
	require.NoError(t, err)
	_, err = bk.Put(ctx, backend.Item{Key: moduleKey("ghost"), Value: raw})
	require.NoError(t, err)

	// Served from cache, the direct write is not visible yet.
	list, err = modules.ListModules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// A write through the store drops the cached listing.
	_, err = modules.CreateModule(ctx, services.Module{
		Indicator: "users", Name: "Users", Actions: []string{"read"},
	})
	require.NoError(t, err)
	list, err = modules.ListModules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
}

func TestModuleServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	modules := NewModuleService(bk, nil)

	for _, indicator := range []string{"roles", "users", "audit"} {
		_, err := modules.CreateModule(ctx, services.Module{
			Indicator: indicator,
			Name:      services.Titleize(indicator),
			Actions:   []string{"create", "read", "update"},
		})
		require.NoError(t, err)
	}
	_, err := modules.CreateModule(ctx, services.Module{Indicator: "roles", Name: "Roles", Actions: []string{"read"}})
	require.True(t, trace.IsAlreadyExists(err))

	list, err := modules.ListModules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, module := range list {
		require.Equal(t, i, module.Order)
	}
	require.Equal(t, "roles", list[0].Indicator)

	byIndicator, err := modules.GetModuleByIndicator(ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, "audit", byIndicator.ID)
	_, err = modules.GetModuleByIndicator(ctx, "nope")
	require.True(t, trace.IsNotFound(err))
}

func TestModuleServiceReorderAndDelete(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	modules := NewModuleService(bk, nil)

	for _, indicator := range []string{"roles", "users", "audit", "cards"} {
		_, err := modules.CreateModule(ctx, services.Module{
			Indicator: indicator,
			Name:      services.Titleize(indicator),
			Actions:   []string{"read"},
		})
		require.NoError(t, err)
	}

	// Relocating the third module to the front shifts the displaced
	// siblings and keeps orders dense.
	require.NoError(t, modules.Reorder(ctx, "audit", 0, ""))
	list, err := modules.ListModules(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"audit", "roles", "users", "cards"},
		[]string{list[0].ID, list[1].ID, list[2].ID, list[3].ID})
	for i, module := range list {
		require.Equal(t, i, module.Order)
	}

	// Unknown modules, wrong parents and out-of-range targets are
	// rejected.
	err = modules.Reorder(ctx, "nope", 0, "")
	require.True(t, trace.IsNotFound(err))
	err = modules.Reorder(ctx, "audit", 0, "other-parent")
	require.True(t, trace.IsNotFound(err))
	err = modules.Reorder(ctx, "audit", 4, "")
	require.True(t, trace.IsBadParameter(err))
	err = modules.Reorder(ctx, "audit", -1, "")
	require.True(t, trace.IsBadParameter(err))

	// Deletion closes the order gap.
	require.NoError(t, modules.DeleteModule(ctx, "roles"))
	list, err = modules.ListModules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, module := range list {
		require.Equal(t, i, module.Order)
	}
}

func TestModuleServiceReorderScopedToParent(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	modules := NewModuleService(bk, nil)

	for _, m := range []services.Module{
		{Indicator: "alpha", Parent: ""},
		{Indicator: "beta", Parent: ""},
		{Indicator: "gamma", Parent: "ops"},
		{Indicator: "delta", Parent: "ops"},
	} {
		m.Name = services.Titleize(m.Indicator)
		m.Actions = []string{"read"}
		_, err := modules.CreateModule(ctx, m)
		require.NoError(t, err)
	}

	// Each sibling group numbers from zero on its own.
	gamma, err := modules.GetModule(ctx, "gamma")
	require.NoError(t, err)
	require.Equal(t, 0, gamma.Order)

	require.NoError(t, modules.Reorder(ctx, "delta", 0, "ops"))

	gamma, err = modules.GetModule(ctx, "gamma")
	require.NoError(t, err)
	require.Equal(t, 1, gamma.Order)
	delta, err := modules.GetModule(ctx, "delta")
	require.NoError(t, err)
	require.Equal(t, 0, delta.Order)

	// The other sibling group is untouched.
	alpha, err := modules.GetModule(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, 0, alpha.Order)
	beta, err := modules.GetModule(ctx, "beta")
	require.NoError(t, err)
	require.Equal(t, 1, beta.Order)
}

func TestModuleServiceSystemGuards(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	modules := NewModuleService(bk, nil)

	created, err := modules.CreateModule(ctx, services.Module{
		Indicator: "settings",
		Name:      "Settings",
		Actions:   []string{"read"},
		IsSystem:  true,
	})
	require.NoError(t, err)

	// System modules cannot be disabled.
	disabled := *created
	disabled.Status = services.StatusDisabled
	_, err = modules.UpdateModule(ctx, disabled)
	require.True(t, trace.IsBadParameter(err))

	// Other field updates still go through.
	renamed := *created
	renamed.Name = "System Settings"
	updated, err := modules.UpdateModule(ctx, renamed)
	require.NoError(t, err)
	require.Equal(t, "System Settings", updated.Name)
	require.True(t, updated.IsSystem)

	// System modules cannot be deleted.
	err = modules.DeleteModule(ctx, created.ID)
	require.True(t, trace.IsBadParameter(err))
}

func TestModuleServiceUpdatePreservesFlags(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	modules := NewModuleService(bk, nil)

	created, err := modules.CreateModule(ctx, services.Module{
		Indicator: "roles",
		Name:      "Roles",
		Actions:   []string{"create", "read"},
	})
	require.NoError(t, err)

	var readPermID string
	for _, p := range created.Permissions {
		if p.Indicator == "roles.read" {
			readPermID = p.ID
		}
	}
	_, err = modules.TogglePermission(ctx, created.ID, readPermID, false, true)
	require.NoError(t, err)

	updated, err := modules.UpdateModule(ctx, services.Module{
		ID:        created.ID,
		Indicator: "roles",
		Name:      "Roles",
		Actions:   []string{"create", "read", "export"},
	})
	require.NoError(t, err)
	require.Len(t, updated.Permissions, 3)
	for _, p := range updated.Permissions {
		switch p.Indicator {
		case "roles.read":
			require.False(t, p.Enabled)
			require.True(t, p.RequiresSuperAdmin)
		default:
			require.True(t, p.Enabled)
		}
	}

	// The indicator is immutable.
	_, err = modules.UpdateModule(ctx, services.Module{ID: created.ID, Indicator: "other", Name: "Roles"})
	require.Error(t, err)
}

func TestIdentityServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	identity := NewIdentityService(bk)

	user, err := identity.CreateUser(ctx, services.User{
		Email:              "Alice@Example.com",
		Phone:              "+15550100",
		Fullname:           "Alice Example",
		RoleKey:            "user",
		AdditionalRoleKeys: []string{"merchant"},
	}, "password123")
	require.NoError(t, err)
	require.NotEmpty(t, user.ID)
	require.Empty(t, user.PasswordHash)

	_, err = identity.CreateUser(ctx, services.User{
		Email: "alice@example.com", Phone: "+1", Fullname: "Dup", RoleKey: "user",
	}, "password123")
	require.True(t, trace.IsAlreadyExists(err))

	fetched, err := identity.GetUserByEmail(ctx, " ALICE@example.com ")
	require.NoError(t, err)
	require.Equal(t, user.ID, fetched.ID)
	require.Empty(t, fetched.PasswordHash)

	keys, err := identity.GetUserRoleKeys(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"user", "merchant"}, keys)
}

func TestIdentityServiceAuthenticate(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	identity := NewIdentityService(bk)

	user, err := identity.CreateUser(ctx, services.User{
		Email: "bob@example.com", Phone: "+15550101", Fullname: "Bob", RoleKey: "user",
	}, "correct-horse")
	require.NoError(t, err)

	authed, err := identity.Authenticate(ctx, "bob@example.com", "correct-horse")
	require.NoError(t, err)
	require.Equal(t, user.ID, authed.ID)

	_, err = identity.Authenticate(ctx, "bob@example.com", "wrong")
	require.True(t, trace.IsAccessDenied(err))
	_, err = identity.Authenticate(ctx, "nobody@example.com", "correct-horse")
	require.True(t, trace.IsAccessDenied(err))

	// Disabled users cannot authenticate or resolve roles.
	user.Status = services.StatusDisabled
	_, err = identity.UpdateUser(ctx, *user)
	require.NoError(t, err)
	_, err = identity.Authenticate(ctx, "bob@example.com", "correct-horse")
	require.True(t, trace.IsAccessDenied(err))
	_, err = identity.GetUserRoleKeys(ctx, user.ID)
	require.True(t, trace.IsAccessDenied(err))
}

func TestIdentityServiceHidesSuperAdmin(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	identity := NewIdentityService(bk)

	seeded, err := identity.SeedSuperAdmin(ctx, "root@example.com", "super-secret", "")
	require.NoError(t, err)
	require.True(t, seeded)

	// Seeding only happens into an empty collection.
	seeded, err = identity.SeedSuperAdmin(ctx, "root2@example.com", "super-secret", "")
	require.NoError(t, err)
	require.False(t, seeded)

	// Unset credentials silently skip seeding.
	seeded, err = identity.SeedSuperAdmin(ctx, "", "", "")
	require.NoError(t, err)
	require.False(t, seeded)

	_, err = identity.CreateUser(ctx, services.User{
		Email: "carol@example.com", Phone: "+15550102", Fullname: "Carol", RoleKey: "user",
	}, "password123")
	require.NoError(t, err)

	users, err := identity.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "carol@example.com", users[0].Email)

	// Direct lookup still resolves the super admin.
	root, err := identity.GetUserByEmail(ctx, "root@example.com")
	require.NoError(t, err)
	require.Equal(t, services.RoleSuperAdmin, root.RoleKey)
}

func TestIdentityServiceServiceAccounts(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	identity := NewIdentityService(bk)

	account, err := identity.UpsertServiceAccount(ctx, services.ServiceAccount{
		Name:     "reporting",
		RoleKeys: []string{"Auditor"},
	})
	require.NoError(t, err)

	keys, err := identity.GetServiceRoleKeys(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"auditor"}, keys)

	account.Status = services.StatusDisabled
	_, err = identity.UpsertServiceAccount(ctx, *account)
	require.NoError(t, err)
	_, err = identity.GetServiceRoleKeys(ctx, account.ID)
	require.True(t, trace.IsAccessDenied(err))

	_, err = identity.GetServiceRoleKeys(ctx, "no-such-service")
	require.True(t, trace.IsNotFound(err))
}

func TestDeviceServiceRotationOrder(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	devices := NewDeviceService(bk)

	created, err := devices.CreateDevice(ctx, services.Device{
		DeviceID: "dev-1", UserID: "user-1", KeyHandle: "h1",
		Status: services.DeviceStatusActive, IssuedAt: bk.Clock().Now(),
	})
	require.NoError(t, err)

	base := bk.Clock().Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, devices.CreateRotationRecord(ctx, services.RotationRecord{
			DeviceID:     "dev-1",
			OldKeyHandle: "h1",
			NewKeyHandle: "h2",
			RotatedAt:    base.Add(time.Duration(i) * time.Second),
		}))
	}
	records, err := devices.ListRotationRecords(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i := 1; i < len(records); i++ {
		require.True(t, !records[i].RotatedAt.Before(records[i-1].RotatedAt))
	}

	active, err := devices.ListActiveDevices(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, created.ID, active[0].ID)
}

func TestTenantServiceSecrets(t *testing.T) {
	ctx := context.Background()
	bk := newTestBackend(t)
	secrets := vault.NewMemoryClient()
	tenants := NewTenantService(bk, secrets)

	tenant, err := tenants.CreateTenant(ctx, services.Tenant{Name: "Acme"}, "4111111111111111", "oauth-secret")
	require.NoError(t, err)

	pan, err := tenants.GetTenantPAN(ctx, tenant.ID)
	require.NoError(t, err)
	require.Equal(t, "4111111111111111", pan)

	card, err := tenants.CreateCard(ctx, services.Card{TenantID: tenant.ID, Holder: "Alice"}, "5555444433332222")
	require.NoError(t, err)
	require.Equal(t, "2222", card.Last4)

	// The record itself never carries the PAN.
	fetched, err := tenants.GetCard(ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, "2222", fetched.Last4)

	cards, err := tenants.ListTenantCards(ctx, tenant.ID)
	require.NoError(t, err)
	require.Len(t, cards, 1)

	require.Error(t, func() error {
		_, err := tenants.CreateCard(ctx, services.Card{TenantID: "no-tenant", Holder: "X"}, "5555444433332222")
		return err
	}())

	require.NoError(t, tenants.DeleteCard(ctx, card.ID))
	_, err = secrets.ReadKV(ctx, "cards/"+card.ID)
	require.Error(t, err)

	require.NoError(t, tenants.DeleteTenant(ctx, tenant.ID))
	_, err = secrets.ReadKV(ctx, "tenants/"+tenant.ID+"/pan")
	require.Error(t, err)
}
