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
	"time"

	"github.com/gravitational/trace"
)

// ServiceAccount is a machine principal. Its ID doubles as the actor id
// carried in service tokens.
type ServiceAccount struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RoleKeys  []string  `json:"roleKeys"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckAndSetDefaults validates the service account.
func (s *ServiceAccount) CheckAndSetDefaults() error {
	if s.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	for i, key := range s.RoleKeys {
		s.RoleKeys[i] = NormalizePermission(key)
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
	if s.Status != StatusActive && s.Status != StatusDisabled {
		return trace.BadParameter("unsupported service account status %q", s.Status)
	}
	return nil
}
