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

// Package services defines the domain entities of the trust core and
// their validation rules. Persistence lives in services/local.
package services

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Status values shared by roles, modules and users.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Well-known role keys.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleUser       = "user"
	RoleMerchant   = "merchant"
	RoleOps        = "ops"
)

// PermissionWildcard grants every permission.
const PermissionWildcard = "*"

// roleKeyRe constrains role keys to the lowercased immutable form.
var roleKeyRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// Role maps a key to a set of permission keys. System roles cannot be
// disabled or deleted; super_admin permissions cannot be modified.
type Role struct {
	ID             string    `json:"id"`
	Key            string    `json:"key"`
	Name           string    `json:"name"`
	PermissionKeys []string  `json:"permissionKeys"`
	Status         string    `json:"status"`
	IsSystem       bool      `json:"isSystem"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// CheckAndSetDefaults validates the role and normalizes its fields.
func (r *Role) CheckAndSetDefaults() error {
	r.Key = NormalizePermission(r.Key)
	if r.Key == "" {
		return trace.BadParameter("missing parameter Key")
	}
	if !roleKeyRe.MatchString(r.Key) {
		return trace.BadParameter("role key %q must match %s", r.Key, roleKeyRe.String())
	}
	if r.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	if r.Status != StatusActive && r.Status != StatusDisabled {
		return trace.BadParameter("unsupported role status %q", r.Status)
	}
	normalized := make([]string, 0, len(r.PermissionKeys))
	for _, key := range r.PermissionKeys {
		key = NormalizePermission(key)
		if key == "" {
			continue
		}
		if !slices.Contains(normalized, key) {
			normalized = append(normalized, key)
		}
	}
	r.PermissionKeys = normalized
	return nil
}

// NormalizePermission lowercases and trims a permission or role key.
// Comparisons are never done on the raw form.
func NormalizePermission(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// ErrInvalidRoleCombination is returned when a user's primary and
// additional roles violate the combination matrix.
const ErrInvalidRoleCombination = "INVALID_ROLE_COMBINATION"

// ValidateRoleCombination enforces the role combination matrix:
// super_admin stands alone and never appears as an additional role;
// user combines with merchant, admin and ops; merchant, admin and ops
// combine only with user.
func ValidateRoleCombination(roleKey string, additional []string) error {
	roleKey = NormalizePermission(roleKey)
	seen := make(map[string]struct{}, len(additional))
	for _, key := range additional {
		key = NormalizePermission(key)
		if key == roleKey {
			return trace.BadParameter("%s: role %q duplicated in additional roles", ErrInvalidRoleCombination, key)
		}
		if _, ok := seen[key]; ok {
			return trace.BadParameter("%s: duplicate additional role %q", ErrInvalidRoleCombination, key)
		}
		seen[key] = struct{}{}
		if key == RoleSuperAdmin {
			return trace.BadParameter("%s: super_admin cannot be an additional role", ErrInvalidRoleCombination)
		}
	}
	switch roleKey {
	case RoleSuperAdmin:
		if len(additional) != 0 {
			return trace.BadParameter("%s: super_admin cannot hold additional roles", ErrInvalidRoleCombination)
		}
	case RoleUser:
		for key := range seen {
			switch key {
			case RoleMerchant, RoleAdmin, RoleOps:
			default:
				return trace.BadParameter("%s: user cannot combine with %q", ErrInvalidRoleCombination, key)
			}
		}
	case RoleMerchant, RoleAdmin, RoleOps:
		for key := range seen {
			if key != RoleUser {
				return trace.BadParameter("%s: %s can only combine with user, got %q", ErrInvalidRoleCombination, roleKey, key)
			}
		}
	}
	return nil
}

// NewPresetRoles returns the system roles seeded on first start.
func NewPresetRoles() []Role {
	newRole := func(key, name string, permissionKeys ...string) Role {
		return Role{
			ID:             key,
			Key:            key,
			Name:           name,
			PermissionKeys: permissionKeys,
			Status:         StatusActive,
			IsSystem:       true,
		}
	}
	return []Role{
		newRole(RoleSuperAdmin, "Super Administrator", PermissionWildcard),
		newRole(RoleAdmin, "Administrator", PermissionWildcard),
		newRole(RoleUser, "User"),
		newRole(RoleMerchant, "Merchant"),
		newRole(RoleOps, "Operations"),
	}
}
