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

// Tenant is a business tenant. The tenant PAN and oauth2 secret are
// held only by the secret store, never on this record.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckAndSetDefaults validates the tenant.
func (t *Tenant) CheckAndSetDefaults() error {
	if t.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	return nil
}

// Card is a stored card reference. The PAN is held only by the secret
// store under cards/{cardId}; this record keeps display fields.
type Card struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Holder    string    `json:"holder"`
	Brand     string    `json:"brand,omitempty"`
	Last4     string    `json:"last4"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckAndSetDefaults validates the card.
func (c *Card) CheckAndSetDefaults() error {
	if c.TenantID == "" {
		return trace.BadParameter("missing parameter TenantID")
	}
	if c.Holder == "" {
		return trace.BadParameter("missing parameter Holder")
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	return nil
}
