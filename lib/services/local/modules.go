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
	"sort"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gravitational/backoffice/lib/backend"
	"github.com/gravitational/backoffice/lib/defaults"
	"github.com/gravitational/backoffice/lib/eventbus"
	"github.com/gravitational/backoffice/lib/services"
)

const (
	modulesPrefix = "modules"

	// modulesListKey is the single cache slot for the full listing.
	modulesListKey = "all"
)

// ModuleService manages the module registry. Order is kept dense within
// each sibling group, modules sharing the same parent; reordering
// rewrites every displaced sibling.
type ModuleService struct {
	backend backend.Backend
	bus     *eventbus.Bus
	cache   *lru.LRU[string, []services.Module]
}

// NewModuleService returns a module store.
func NewModuleService(b backend.Backend, bus *eventbus.Bus) *ModuleService {
	return &ModuleService{
		backend: b,
		bus:     bus,
		cache:   lru.NewLRU[string, []services.Module](1, nil, defaults.RegistryCacheTTL),
	}
}

func moduleKey(id string) []byte {
	return backend.Key(modulesPrefix, id)
}

// CreateModule creates a module and assigns it the next order slot.
func (s *ModuleService) CreateModule(ctx context.Context, module services.Module) (*services.Module, error) {
	if err := module.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := s.ListModules(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	siblings := 0
	for _, m := range existing {
		if m.Indicator == module.Indicator {
			return nil, trace.AlreadyExists("module %q already exists", module.Indicator)
		}
		if m.Parent == module.Parent {
			siblings++
		}
	}
	module.Order = siblings
	module.CreatedAt = now(s.backend)
	module.UpdatedAt = module.CreatedAt
	value, err := json.Marshal(module)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.backend.Create(ctx, backend.Item{Key: moduleKey(module.ID), Value: value}); err != nil {
		if trace.IsAlreadyExists(err) {
			return nil, trace.AlreadyExists("module %q already exists", module.ID)
		}
		return nil, trace.Wrap(err)
	}
	s.invalidate()
	s.changed(module.Indicator)
	return &module, nil
}

// GetModule fetches a module by id.
func (s *ModuleService) GetModule(ctx context.Context, id string) (*services.Module, error) {
	item, err := s.backend.Get(ctx, moduleKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("module %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	var module services.Module
	if err := json.Unmarshal(item.Value, &module); err != nil {
		return nil, trace.Wrap(err)
	}
	return &module, nil
}

// GetModuleByIndicator fetches a module by its permission indicator.
func (s *ModuleService) GetModuleByIndicator(ctx context.Context, indicator string) (*services.Module, error) {
	indicator = services.NormalizePermission(indicator)
	modules, err := s.ListModules(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range modules {
		if modules[i].Indicator == indicator {
			return &modules[i], nil
		}
	}
	return nil, trace.NotFound("module with indicator %q not found", indicator)
}

// ListModules returns every module sorted by order, serving repeat
// reads from a TTL cache. Writes through this store invalidate it.
func (s *ModuleService) ListModules(ctx context.Context) ([]services.Module, error) {
	if cached, ok := s.cache.Get(modulesListKey); ok {
		return cached, nil
	}
	startKey := backend.ExactKey(modulesPrefix)
	result, err := s.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	modules := make([]services.Module, 0, len(result.Items))
	for _, item := range result.Items {
		var module services.Module
		if err := json.Unmarshal(item.Value, &module); err != nil {
			return nil, trace.Wrap(err)
		}
		modules = append(modules, module)
	}
	sort.Slice(modules, func(i, j int) bool {
		if modules[i].Order != modules[j].Order {
			return modules[i].Order < modules[j].Order
		}
		return modules[i].ID < modules[j].ID
	})
	s.cache.Add(modulesListKey, modules)
	return modules, nil
}

// UpdateModule rewrites a module's mutable fields. The permission list
// is re-derived from the new actions, preserving Enabled and
// RequiresSuperAdmin flags of unchanged indicators.
func (s *ModuleService) UpdateModule(ctx context.Context, module services.Module) (*services.Module, error) {
	existing, err := s.GetModule(ctx, module.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Flags carry over through derivation against the stored list.
	module.Permissions = existing.Permissions
	if err := module.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if module.Indicator != existing.Indicator {
		return nil, trace.BadParameter("module indicator is immutable")
	}
	if existing.IsSystem && module.Status == services.StatusDisabled {
		return nil, trace.BadParameter("system module %q cannot be disabled", existing.Indicator)
	}
	module.IsSystem = existing.IsSystem
	module.Order = existing.Order
	module.CreatedAt = existing.CreatedAt
	module.UpdatedAt = now(s.backend)
	if err := s.put(ctx, module); err != nil {
		return nil, trace.Wrap(err)
	}
	s.changed(module.Indicator)
	return &module, nil
}

// TogglePermission flips the flags of one derived permission.
func (s *ModuleService) TogglePermission(ctx context.Context, moduleID, permissionID string, enabled, requiresSuperAdmin bool) (*services.Module, error) {
	module, err := s.GetModule(ctx, moduleID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	found := false
	for i := range module.Permissions {
		if module.Permissions[i].ID == permissionID {
			module.Permissions[i].Enabled = enabled
			module.Permissions[i].RequiresSuperAdmin = requiresSuperAdmin
			found = true
			break
		}
	}
	if !found {
		return nil, trace.NotFound("permission %q not found in module %q", permissionID, moduleID)
	}
	module.UpdatedAt = now(s.backend)
	if err := s.put(ctx, *module); err != nil {
		return nil, trace.Wrap(err)
	}
	s.changed(module.Indicator)
	return module, nil
}

// DeleteModule removes a non-system module and closes the order gap it
// leaves behind.
func (s *ModuleService) DeleteModule(ctx context.Context, id string) error {
	module, err := s.GetModule(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if module.IsSystem {
		return trace.BadParameter("system module %q cannot be deleted", module.Indicator)
	}
	if err := s.backend.Delete(ctx, moduleKey(id)); err != nil {
		return trace.Wrap(err)
	}
	s.invalidate()
	if err := s.compactOrder(ctx); err != nil {
		return trace.Wrap(err)
	}
	s.changed(module.Indicator)
	return nil
}

// Reorder relocates one module to position order among its siblings,
// the modules sharing parent. Every displaced sibling is rewritten so
// sibling orders stay dense 0..n-1.
func (s *ModuleService) Reorder(ctx context.Context, id string, order int, parent string) error {
	modules, err := s.ListModules(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	siblings := make([]services.Module, 0, len(modules))
	found := false
	for _, module := range modules {
		if module.Parent != parent {
			continue
		}
		if module.ID == id {
			found = true
		}
		siblings = append(siblings, module)
	}
	if !found {
		return trace.NotFound("module %q not found under parent %q", id, parent)
	}
	if order < 0 || order >= len(siblings) {
		return trace.BadParameter("order %d out of range, want 0..%d", order, len(siblings)-1)
	}
	var moved services.Module
	rest := make([]services.Module, 0, len(siblings)-1)
	for _, module := range siblings {
		if module.ID == id {
			moved = module
			continue
		}
		rest = append(rest, module)
	}
	sequence := make([]services.Module, 0, len(siblings))
	sequence = append(sequence, rest[:order]...)
	sequence = append(sequence, moved)
	sequence = append(sequence, rest[order:]...)
	for position, module := range sequence {
		if module.Order == position {
			continue
		}
		module.Order = position
		module.UpdatedAt = now(s.backend)
		if err := s.put(ctx, module); err != nil {
			return trace.Wrap(err)
		}
	}
	s.changed("")
	return nil
}

// compactOrder renumbers each sibling group densely 0..n-1 preserving
// relative order.
func (s *ModuleService) compactOrder(ctx context.Context) error {
	modules, err := s.ListModules(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	next := make(map[string]int)
	for _, module := range modules {
		order := next[module.Parent]
		next[module.Parent]++
		if module.Order == order {
			continue
		}
		module.Order = order
		if err := s.put(ctx, module); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (s *ModuleService) put(ctx context.Context, module services.Module) error {
	value, err := json.Marshal(module)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.backend.Put(ctx, backend.Item{Key: moduleKey(module.ID), Value: value}); err != nil {
		return trace.Wrap(err)
	}
	s.invalidate()
	return nil
}

func (s *ModuleService) invalidate() {
	s.cache.Remove(modulesListKey)
}

func (s *ModuleService) changed(indicator string) {
	if s.bus != nil {
		s.bus.Emit(eventbus.TopicPermissionsChanged, indicator)
	}
}
