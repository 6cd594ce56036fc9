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

// Package local implements the domain stores over the storage backend.
package local

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gravitational/backoffice/lib/backend"
	"github.com/gravitational/backoffice/lib/defaults"
	"github.com/gravitational/backoffice/lib/eventbus"
	"github.com/gravitational/backoffice/lib/services"
)

const (
	rolesPrefix = "roles"

	// registryCacheSize bounds the role and module read caches.
	registryCacheSize = 256

	// rolesListKey is the single cache slot for the full listing.
	rolesListKey = "all"
)

// AccessService manages role records. System roles cannot be disabled
// or deleted, and super_admin permissions cannot be edited.
type AccessService struct {
	backend   backend.Backend
	bus       *eventbus.Bus
	cache     *lru.LRU[string, services.Role]
	listCache *lru.LRU[string, []services.Role]
}

// NewAccessService returns a role store. bus may be nil in tests that
// do not exercise invalidation.
func NewAccessService(b backend.Backend, bus *eventbus.Bus) *AccessService {
	return &AccessService{
		backend:   b,
		bus:       bus,
		cache:     lru.NewLRU[string, services.Role](registryCacheSize, nil, defaults.RegistryCacheTTL),
		listCache: lru.NewLRU[string, []services.Role](1, nil, defaults.RegistryCacheTTL),
	}
}

func roleKey(key string) []byte {
	return backend.Key(rolesPrefix, key)
}

// SeedPresetRoles creates any missing system role. Existing roles are
// left untouched.
func (s *AccessService) SeedPresetRoles(ctx context.Context) error {
	for _, role := range services.NewPresetRoles() {
		role := role
		now := s.backend.Clock().Now().UTC()
		role.CreatedAt = now
		role.UpdatedAt = now
		value, err := json.Marshal(role)
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = s.backend.Create(ctx, backend.Item{Key: roleKey(role.Key), Value: value})
		if err != nil && !trace.IsAlreadyExists(err) {
			return trace.Wrap(err)
		}
	}
	s.listCache.Remove(rolesListKey)
	return nil
}

// CreateRole creates a new custom role.
func (s *AccessService) CreateRole(ctx context.Context, role services.Role) (*services.Role, error) {
	if err := role.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if role.IsSystem {
		return nil, trace.BadParameter("system roles are seeded, not created")
	}
	if role.ID == "" {
		role.ID = role.Key
	}
	now := s.backend.Clock().Now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now
	value, err := json.Marshal(role)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.backend.Create(ctx, backend.Item{Key: roleKey(role.Key), Value: value}); err != nil {
		if trace.IsAlreadyExists(err) {
			return nil, trace.AlreadyExists("role %q already exists", role.Key)
		}
		return nil, trace.Wrap(err)
	}
	s.changed(role.Key)
	return &role, nil
}

// GetRole fetches a role by key, serving reads from a TTL cache.
func (s *AccessService) GetRole(ctx context.Context, key string) (*services.Role, error) {
	key = services.NormalizePermission(key)
	if cached, ok := s.cache.Get(key); ok {
		return &cached, nil
	}
	item, err := s.backend.Get(ctx, roleKey(key))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("role %q not found", key)
		}
		return nil, trace.Wrap(err)
	}
	var role services.Role
	if err := json.Unmarshal(item.Value, &role); err != nil {
		return nil, trace.Wrap(err)
	}
	s.cache.Add(key, role)
	return &role, nil
}

// ListRoles returns every role sorted by key, serving repeat reads
// from a TTL cache. Writes through this store invalidate it.
func (s *AccessService) ListRoles(ctx context.Context) ([]services.Role, error) {
	if cached, ok := s.listCache.Get(rolesListKey); ok {
		return cached, nil
	}
	startKey := backend.ExactKey(rolesPrefix)
	result, err := s.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	roles := make([]services.Role, 0, len(result.Items))
	for _, item := range result.Items {
		var role services.Role
		if err := json.Unmarshal(item.Value, &role); err != nil {
			return nil, trace.Wrap(err)
		}
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Key < roles[j].Key })
	s.listCache.Add(rolesListKey, roles)
	return roles, nil
}

// GetRolesByKeys returns the active roles among keys. Missing and
// disabled roles are skipped, never an error: permission resolution
// treats them as granting nothing.
func (s *AccessService) GetRolesByKeys(ctx context.Context, keys []string) ([]services.Role, error) {
	var roles []services.Role
	for _, key := range keys {
		role, err := s.GetRole(ctx, key)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		if role.Status != services.StatusActive {
			continue
		}
		roles = append(roles, *role)
	}
	return roles, nil
}

// UpdateRole updates a role's name, permissions or status under the
// system role invariants.
func (s *AccessService) UpdateRole(ctx context.Context, role services.Role) (*services.Role, error) {
	if err := role.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := s.getUncached(ctx, role.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if existing.IsSystem {
		if role.Status == services.StatusDisabled {
			return nil, trace.BadParameter("system role %q cannot be disabled", role.Key)
		}
		if existing.Key == services.RoleSuperAdmin && !equalStrings(existing.PermissionKeys, role.PermissionKeys) {
			return nil, trace.BadParameter("super_admin permissions cannot be modified")
		}
	}
	role.ID = existing.ID
	role.IsSystem = existing.IsSystem
	role.CreatedAt = existing.CreatedAt
	role.UpdatedAt = s.backend.Clock().Now().UTC()
	value, err := json.Marshal(role)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.backend.Update(ctx, backend.Item{Key: roleKey(role.Key), Value: value}); err != nil {
		return nil, trace.Wrap(err)
	}
	s.changed(role.Key)
	return &role, nil
}

// DeleteRole hard-deletes a role. Only disabled custom roles can go.
func (s *AccessService) DeleteRole(ctx context.Context, key string) error {
	role, err := s.getUncached(ctx, key)
	if err != nil {
		return trace.Wrap(err)
	}
	if role.IsSystem {
		return trace.BadParameter("system role %q cannot be deleted", role.Key)
	}
	if role.Status != services.StatusDisabled {
		return trace.BadParameter("role %q must be disabled before deletion", role.Key)
	}
	if err := s.backend.Delete(ctx, roleKey(role.Key)); err != nil {
		return trace.Wrap(err)
	}
	s.changed(role.Key)
	return nil
}

func (s *AccessService) getUncached(ctx context.Context, key string) (*services.Role, error) {
	key = services.NormalizePermission(key)
	item, err := s.backend.Get(ctx, roleKey(key))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("role %q not found", key)
		}
		return nil, trace.Wrap(err)
	}
	var role services.Role
	if err := json.Unmarshal(item.Value, &role); err != nil {
		return nil, trace.Wrap(err)
	}
	return &role, nil
}

func (s *AccessService) changed(roleKey string) {
	s.cache.Remove(roleKey)
	s.listCache.Remove(rolesListKey)
	if s.bus != nil {
		s.bus.Emit(eventbus.TopicPermissionsChanged, roleKey)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// now is a convenience for stores that stamp records.
func now(b backend.Backend) time.Time {
	return b.Clock().Now().UTC()
}
