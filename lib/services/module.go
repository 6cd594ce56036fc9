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

package services

import (
	"regexp"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Module types.
const (
	ModuleTypeBasic = "basic"
	ModuleTypeGroup = "group"
)

var moduleIndicatorRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// Permission is a single derived module permission.
type Permission struct {
	// ID is the deterministic short id derived from indicator and action.
	ID string `json:"id"`
	// Name is the human readable action name.
	Name string `json:"name"`
	// Indicator is "{module}.{action}".
	Indicator string `json:"indicator"`
	// Enabled toggles the permission without removing it.
	Enabled bool `json:"enabled"`
	// RequiresSuperAdmin restricts the permission to super_admin actors.
	RequiresSuperAdmin bool `json:"requiresSuperAdmin"`
}

// Module is a functional area of the product. Every action yields a
// derived permission "{indicator}.{action}" embedded in Permissions.
type Module struct {
	ID          string       `json:"id"`
	Indicator   string       `json:"indicator"`
	Name        string       `json:"name"`
	Type        string       `json:"type"`
	Parent      string       `json:"parent,omitempty"`
	Order       int          `json:"order"`
	Actions     []string     `json:"actions"`
	Permissions []Permission `json:"permissions"`
	IsSystem    bool         `json:"isSystem"`
	IsNavigable bool         `json:"isNavigable"`
	Status      string       `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// CheckAndSetDefaults validates the module, normalizes its fields and
// regenerates the embedded permissions from the action list.
func (m *Module) CheckAndSetDefaults() error {
	m.Indicator = NormalizePermission(m.Indicator)
	if m.Indicator == "" {
		return trace.BadParameter("missing parameter Indicator")
	}
	if !moduleIndicatorRe.MatchString(m.Indicator) {
		return trace.BadParameter("module indicator %q must match %s", m.Indicator, moduleIndicatorRe.String())
	}
	if m.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	switch m.Type {
	case "":
		m.Type = ModuleTypeBasic
	case ModuleTypeBasic, ModuleTypeGroup:
	default:
		return trace.BadParameter("unsupported module type %q", m.Type)
	}
	if m.Status == "" {
		m.Status = StatusActive
	}
	if m.Status != StatusActive && m.Status != StatusDisabled {
		return trace.BadParameter("unsupported module status %q", m.Status)
	}
	if m.ID == "" {
		m.ID = m.Indicator
	}
	m.Permissions = DerivePermissions(m.Indicator, m.Actions, m.Permissions)
	return nil
}

// DerivePermissions regenerates the embedded permission list from
// actions. Enabled and RequiresSuperAdmin flags of permissions whose
// indicator is unchanged are preserved; duplicates within one module
// collapse by id.
func DerivePermissions(indicator string, actions []string, prior []Permission) []Permission {
	priorByIndicator := make(map[string]Permission, len(prior))
	for _, p := range prior {
		priorByIndicator[p.Indicator] = p
	}
	seen := make(map[string]struct{}, len(actions))
	out := make([]Permission, 0, len(actions))
	for _, action := range actions {
		action = NormalizePermission(action)
		if action == "" {
			continue
		}
		id := PermissionID(indicator, action)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		perm := Permission{
			ID:        id,
			Name:      Titleize(action),
			Indicator: indicator + "." + action,
			Enabled:   true,
		}
		if previous, ok := priorByIndicator[perm.Indicator]; ok {
			perm.Enabled = previous.Enabled
			perm.RequiresSuperAdmin = previous.RequiresSuperAdmin
		}
		out = append(out, perm)
	}
	return out
}

// PermissionID derives the deterministic short id: the first two
// lowercased characters of the indicator, an underscore and the first
// lowercased character of the action.
func PermissionID(indicator, action string) string {
	indicator = NormalizePermission(indicator)
	action = NormalizePermission(action)
	prefix := indicator
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	suffix := action
	if len(suffix) > 1 {
		suffix = suffix[:1]
	}
	return prefix + "_" + suffix
}

// Titleize renders an action name for display: "list_all" -> "List All".
func Titleize(action string) string {
	words := strings.FieldsFunc(action, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
