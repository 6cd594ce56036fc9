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

// Package authz resolves actor permissions from role assignments and
// enforces them. Resolution fails closed: any error yields an empty
// permission view, never a partially populated one.
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/backoffice"
	"github.com/gravitational/backoffice/lib/defaults"
	"github.com/gravitational/backoffice/lib/eventbus"
	"github.com/gravitational/backoffice/lib/reqcontext"
	"github.com/gravitational/backoffice/lib/services"
)

var (
	authzCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_cache_hits_total",
		Help: "Number of permission views served from cache",
	})
	authzCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_cache_misses_total",
		Help: "Number of permission views resolved from roles",
	})
	authzResolveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_resolve_failures_total",
		Help: "Number of permission resolutions that failed closed",
	})
)

func init() {
	prometheus.MustRegister(authzCacheHits, authzCacheMisses, authzResolveFailures)
}

// moduleWildcardPattern matches module-scoped wildcards such as
// "roles.*". The bare "*" is handled separately.
var moduleWildcardPattern = regexp.MustCompile(`^[a-z0-9_]+\.\*$`)

// PermissionView is an actor's resolved permission set, split into the
// three wildcard classes checked at enforcement time.
type PermissionView struct {
	// HasGlobalWildcard is set when any role grants "*".
	HasGlobalWildcard bool
	// ModuleWildcards holds modules granted "<module>.*".
	ModuleWildcards map[string]struct{}
	// ExactPermissions holds fully qualified permission indicators.
	ExactPermissions map[string]struct{}
}

// NewPermissionView returns an empty view, which denies everything.
func NewPermissionView() *PermissionView {
	return &PermissionView{
		ModuleWildcards:  make(map[string]struct{}),
		ExactPermissions: make(map[string]struct{}),
	}
}

// Allows reports whether the view grants the permission indicator.
func (v *PermissionView) Allows(permission string) bool {
	permission = services.NormalizePermission(permission)
	if permission == "" {
		return false
	}
	if v.HasGlobalWildcard {
		return true
	}
	if module, _, ok := strings.Cut(permission, "."); ok {
		if _, granted := v.ModuleWildcards[module]; granted {
			return true
		}
	}
	_, granted := v.ExactPermissions[permission]
	return granted
}

// IsEmpty reports whether the view grants nothing.
func (v *PermissionView) IsEmpty() bool {
	return !v.HasGlobalWildcard && len(v.ModuleWildcards) == 0 && len(v.ExactPermissions) == 0
}

// MarshalJSON serializes the sets as sorted arrays.
func (v *PermissionView) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		HasGlobalWildcard bool     `json:"hasGlobalWildcard"`
		ModuleWildcards   []string `json:"moduleWildcards"`
		ExactPermissions  []string `json:"exactPermissions"`
	}{
		HasGlobalWildcard: v.HasGlobalWildcard,
		ModuleWildcards:   sortedKeys(v.ModuleWildcards),
		ExactPermissions:  sortedKeys(v.ExactPermissions),
	})
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// AccessPoint is the role and role-assignment reader the resolver
// depends on.
type AccessPoint interface {
	// GetUserRoleKeys returns the role keys of an active user.
	GetUserRoleKeys(ctx context.Context, userID string) ([]string, error)
	// GetServiceRoleKeys returns the role keys bound to a service
	// credential.
	GetServiceRoleKeys(ctx context.Context, serviceID string) ([]string, error)
	// GetRolesByKeys returns the active roles among keys; missing or
	// disabled roles are silently skipped.
	GetRolesByKeys(ctx context.Context, keys []string) ([]services.Role, error)
}

// ResolverConfig configures the permission resolver.
type ResolverConfig struct {
	// AccessPoint reads roles and assignments.
	AccessPoint AccessPoint
	// Bus delivers permissions.changed invalidations.
	Bus *eventbus.Bus
	// CacheTTL bounds how long a resolved view is served.
	CacheTTL time.Duration
	// CacheSize bounds the number of cached views.
	CacheSize int
	// Logger is the logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *ResolverConfig) CheckAndSetDefaults() error {
	if c.AccessPoint == nil {
		return trace.BadParameter("missing parameter AccessPoint")
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.PermissionCacheTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaults.PermissionCacheSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(backoffice.ComponentKey, backoffice.ComponentAuthz)
	}
	return nil
}

// Resolver computes permission views from role assignments, with a
// TTL-bounded cache keyed per actor.
type Resolver struct {
	cfg   ResolverConfig
	cache *lru.LRU[string, *PermissionView]
	sub   *eventbus.Subscription
	done  chan struct{}
}

// NewResolver returns a running resolver. When cfg.Bus is set the
// resolver drops its whole cache on every permissions.changed event.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Resolver{
		cfg:   cfg,
		cache: lru.NewLRU[string, *PermissionView](cfg.CacheSize, nil, cfg.CacheTTL),
		done:  make(chan struct{}),
	}
	if cfg.Bus != nil {
		r.sub = cfg.Bus.Subscribe(eventbus.TopicPermissionsChanged)
		go r.watchInvalidations()
	}
	return r, nil
}

// Close stops the bus watcher.
func (r *Resolver) Close() {
	select {
	case <-r.done:
		return
	default:
	}
	close(r.done)
	if r.sub != nil {
		r.sub.Close()
	}
}

func (r *Resolver) watchInvalidations() {
	for {
		select {
		case _, ok := <-r.sub.Events():
			if !ok {
				return
			}
			r.ClearAll()
		case <-r.done:
			return
		}
	}
}

func cacheKey(kind reqcontext.ActorKind, id string) string {
	return fmt.Sprintf("permissions:%s:%s", kind, id)
}

// Resolve returns the actor's permission view. Any failure along the
// way returns an empty view.
func (r *Resolver) Resolve(ctx context.Context, actor reqcontext.Actor) *PermissionView {
	if actor.ID == "" {
		return NewPermissionView()
	}
	key := cacheKey(actor.Kind, actor.ID)
	if view, ok := r.cache.Get(key); ok {
		authzCacheHits.Inc()
		return view
	}
	authzCacheMisses.Inc()
	view, err := r.resolve(ctx, actor)
	if err != nil {
		authzResolveFailures.Inc()
		r.cfg.Logger.WarnContext(ctx, "permission resolution failed closed",
			"error", err, "actor_kind", actor.Kind, "actor_id", actor.ID)
		return NewPermissionView()
	}
	r.cache.Add(key, view)
	return view
}

func (r *Resolver) resolve(ctx context.Context, actor reqcontext.Actor) (*PermissionView, error) {
	var roleKeys []string
	var err error
	switch actor.Kind {
	case reqcontext.ActorUser:
		roleKeys, err = r.cfg.AccessPoint.GetUserRoleKeys(ctx, actor.ID)
	case reqcontext.ActorService:
		roleKeys, err = r.cfg.AccessPoint.GetServiceRoleKeys(ctx, actor.ID)
	default:
		return nil, trace.BadParameter("unsupported actor kind %q", actor.Kind)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	roles, err := r.cfg.AccessPoint.GetRolesByKeys(ctx, roleKeys)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	view := NewPermissionView()
	for _, role := range roles {
		for _, permission := range role.PermissionKeys {
			permission = services.NormalizePermission(permission)
			switch {
			case permission == services.PermissionWildcard:
				view.HasGlobalWildcard = true
			case moduleWildcardPattern.MatchString(permission):
				module := strings.TrimSuffix(permission, ".*")
				view.ModuleWildcards[module] = struct{}{}
			case permission != "":
				view.ExactPermissions[permission] = struct{}{}
			}
		}
	}
	return view, nil
}

// Invalidate drops the cached view of a single actor.
func (r *Resolver) Invalidate(kind reqcontext.ActorKind, id string) {
	r.cache.Remove(cacheKey(kind, id))
}

// ClearAll drops every cached view.
func (r *Resolver) ClearAll() {
	r.cache.Purge()
}
