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

package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/backoffice/lib/eventbus"
	"github.com/gravitational/backoffice/lib/events"
	"github.com/gravitational/backoffice/lib/reqcontext"
	"github.com/gravitational/backoffice/lib/services"
)

type fakeAccessPoint struct {
	userRoles    map[string][]string
	serviceRoles map[string][]string
	roles        map[string]services.Role
	lookupErr    error
	calls        int
}

func (f *fakeAccessPoint) GetUserRoleKeys(ctx context.Context, userID string) ([]string, error) {
	f.calls++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.userRoles[userID], nil
}

func (f *fakeAccessPoint) GetServiceRoleKeys(ctx context.Context, serviceID string) ([]string, error) {
	f.calls++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.serviceRoles[serviceID], nil
}

func (f *fakeAccessPoint) GetRolesByKeys(ctx context.Context, keys []string) ([]services.Role, error) {
	var out []services.Role
	for _, key := range keys {
		if role, ok := f.roles[key]; ok && role.Status == services.StatusActive {
			out = append(out, role)
		}
	}
	return out, nil
}

func newFakeAccessPoint() *fakeAccessPoint {
	return &fakeAccessPoint{
		userRoles: map[string][]string{
			"root":   {"super_admin"},
			"alice":  {"role_admin"},
			"bob":    {"auditor"},
			"orphan": {"no_such_role"},
			"nobody": nil,
			"mixed":  {"role_admin", "auditor"},
			"stale":  {"disabled_role"},
		},
		serviceRoles: map[string][]string{
			"svc-reporting": {"auditor"},
		},
		roles: map[string]services.Role{
			"super_admin": {
				Key: "super_admin", Status: services.StatusActive,
				PermissionKeys: []string{"*"},
			},
			"role_admin": {
				Key: "role_admin", Status: services.StatusActive,
				PermissionKeys: []string{"roles.*", "users.read"},
			},
			"auditor": {
				Key: "auditor", Status: services.StatusActive,
				PermissionKeys: []string{"audit.read", "audit.export"},
			},
			"disabled_role": {
				Key: "disabled_role", Status: services.StatusDisabled,
				PermissionKeys: []string{"*"},
			},
		},
	}
}

func userActor(id string) reqcontext.Actor {
	return reqcontext.Actor{Kind: reqcontext.ActorUser, ID: id}
}

func TestResolveWildcardClasses(t *testing.T) {
	ctx := context.Background()
	resolver, err := NewResolver(ResolverConfig{AccessPoint: newFakeAccessPoint()})
	require.NoError(t, err)
	defer resolver.Close()

	view := resolver.Resolve(ctx, userActor("root"))
	require.True(t, view.HasGlobalWildcard)
	require.True(t, view.Allows("anything.at_all"))

	view = resolver.Resolve(ctx, userActor("alice"))
	require.False(t, view.HasGlobalWildcard)
	require.True(t, view.Allows("roles.create"))
	require.True(t, view.Allows("roles.delete"))
	require.True(t, view.Allows("users.read"))
	require.False(t, view.Allows("users.create"))
	require.False(t, view.Allows("audit.read"))

	view = resolver.Resolve(ctx, userActor("mixed"))
	require.True(t, view.Allows("roles.reorder"))
	require.True(t, view.Allows("audit.export"))
	require.False(t, view.Allows("users.delete"))
}

func TestResolveFailsClosed(t *testing.T) {
	ctx := context.Background()

	ap := newFakeAccessPoint()
	ap.lookupErr = errors.New("store unavailable")
	resolver, err := NewResolver(ResolverConfig{AccessPoint: ap})
	require.NoError(t, err)
	defer resolver.Close()

	view := resolver.Resolve(ctx, userActor("root"))
	require.True(t, view.IsEmpty())
	require.False(t, view.Allows("roles.read"))
}

func TestResolveUnknownInputsDeny(t *testing.T) {
	ctx := context.Background()
	resolver, err := NewResolver(ResolverConfig{AccessPoint: newFakeAccessPoint()})
	require.NoError(t, err)
	defer resolver.Close()

	require.True(t, resolver.Resolve(ctx, userActor("orphan")).IsEmpty())
	require.True(t, resolver.Resolve(ctx, userActor("nobody")).IsEmpty())
	require.True(t, resolver.Resolve(ctx, userActor("stale")).IsEmpty())
	require.True(t, resolver.Resolve(ctx, reqcontext.Actor{Kind: "other", ID: "x"}).IsEmpty())
	require.True(t, resolver.Resolve(ctx, reqcontext.Actor{}).IsEmpty())
}

func TestResolveServiceActor(t *testing.T) {
	ctx := context.Background()
	resolver, err := NewResolver(ResolverConfig{AccessPoint: newFakeAccessPoint()})
	require.NoError(t, err)
	defer resolver.Close()

	view := resolver.Resolve(ctx, reqcontext.Actor{Kind: reqcontext.ActorService, ID: "svc-reporting"})
	require.True(t, view.Allows("audit.read"))
	require.False(t, view.Allows("roles.read"))
}

func TestResolveCaches(t *testing.T) {
	ctx := context.Background()
	ap := newFakeAccessPoint()
	resolver, err := NewResolver(ResolverConfig{AccessPoint: ap})
	require.NoError(t, err)
	defer resolver.Close()

	resolver.Resolve(ctx, userActor("alice"))
	resolver.Resolve(ctx, userActor("alice"))
	require.Equal(t, 1, ap.calls)

	resolver.Invalidate(reqcontext.ActorUser, "alice")
	resolver.Resolve(ctx, userActor("alice"))
	require.Equal(t, 2, ap.calls)
}

func TestResolveBusInvalidation(t *testing.T) {
	ctx := context.Background()
	ap := newFakeAccessPoint()
	bus := eventbus.New()
	defer bus.Close()
	resolver, err := NewResolver(ResolverConfig{AccessPoint: ap, Bus: bus})
	require.NoError(t, err)
	defer resolver.Close()

	resolver.Resolve(ctx, userActor("alice"))
	require.Equal(t, 1, ap.calls)

	bus.Emit(eventbus.TopicPermissionsChanged, "role_admin")
	require.Eventually(t, func() bool {
		resolver.Resolve(ctx, userActor("alice"))
		return ap.calls > 1
	}, 2*time.Second, 10*time.Millisecond)
}

func newTestGuard(t *testing.T, bus *eventbus.Bus) *Guard {
	t.Helper()
	resolver, err := NewResolver(ResolverConfig{AccessPoint: newFakeAccessPoint()})
	require.NoError(t, err)
	t.Cleanup(resolver.Close)
	guard, err := NewGuard(GuardConfig{Resolver: resolver, Bus: bus})
	require.NoError(t, err)
	return guard
}

func TestGuardPublicOperation(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	guard := newTestGuard(t, bus)

	// No requirements, no actor: public.
	require.NoError(t, guard.Check(context.Background()))
}

func TestGuardDeniesWithoutActor(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	guard := newTestGuard(t, bus)

	err := guard.Check(context.Background(), "roles.read")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestGuardAllOf(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	guard := newTestGuard(t, bus)

	ctx := reqcontext.WithActor(context.Background(), userActor("alice"))
	require.NoError(t, guard.Check(ctx, "roles.create", "users.read"))

	err := guard.Check(ctx, "roles.create", "users.delete")
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestGuardAnyOf(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	guard := newTestGuard(t, bus)

	ctx := reqcontext.WithActor(context.Background(), userActor("bob"))
	require.NoError(t, guard.CheckAny(ctx, "roles.read", "audit.read"))
	require.ErrorIs(t, guard.CheckAny(ctx, "roles.read", "users.read"), ErrPermissionDenied)
}

func TestGuardDenyPublishesAudit(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	sub := bus.Subscribe(eventbus.TopicAuditEventCreated)
	defer sub.Close()
	guard := newTestGuard(t, bus)

	ctx := reqcontext.WithRequestID(context.Background(), "req-7")
	ctx = reqcontext.WithActor(ctx, userActor("bob"))
	require.Error(t, guard.Check(ctx, "roles.delete"))

	select {
	case busEvent := <-sub.Events():
		event, ok := busEvent.Payload.(events.AuditEvent)
		require.True(t, ok)
		require.Equal(t, events.ActionPermissionDenied, event.Action)
		require.Equal(t, events.SeverityHigh, event.Severity)
		require.Equal(t, events.ResultDeny, event.Result)
		require.Equal(t, "bob", event.ActorKid)
		require.Equal(t, "req-7", event.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("no audit event published on denial")
	}
}
