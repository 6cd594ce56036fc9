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

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/backoffice/lib/backend"
	"github.com/gravitational/backoffice/lib/services"
	"github.com/gravitational/backoffice/lib/vault"
)

const (
	tenantsPrefix = "tenants"
	cardsPrefix   = "cards"
)

// TenantService manages tenant and card records. PANs and oauth2
// secrets go to the secret store only; backend records carry display
// fields.
type TenantService struct {
	backend backend.Backend
	vault   vault.Client
}

// NewTenantService returns a tenant store.
func NewTenantService(b backend.Backend, v vault.Client) *TenantService {
	return &TenantService{backend: b, vault: v}
}

func tenantKey(id string) []byte {
	return backend.Key(tenantsPrefix, id)
}

func cardKey(id string) []byte {
	return backend.Key(cardsPrefix, id)
}

func tenantPANPath(id string) string {
	return "tenants/" + id + "/pan"
}

func tenantOAuthPath(id string) string {
	return "tenants/" + id + "/oauth2-secret"
}

func cardPANPath(id string) string {
	return "cards/" + id
}

// CreateTenant creates a tenant, storing pan and oauthSecret in the
// secret store when set.
func (s *TenantService) CreateTenant(ctx context.Context, tenant services.Tenant, pan, oauthSecret string) (*services.Tenant, error) {
	if err := tenant.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if tenant.ID == "" {
		tenant.ID = uuid.NewString()
	}
	tenant.CreatedAt = now(s.backend)
	tenant.UpdatedAt = tenant.CreatedAt
	if pan != "" {
		if err := s.vault.WriteKV(ctx, tenantPANPath(tenant.ID), map[string]interface{}{"pan": pan}); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if oauthSecret != "" {
		if err := s.vault.WriteKV(ctx, tenantOAuthPath(tenant.ID), map[string]interface{}{"secret": oauthSecret}); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	value, err := json.Marshal(tenant)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.backend.Create(ctx, backend.Item{Key: tenantKey(tenant.ID), Value: value}); err != nil {
		return nil, trace.Wrap(err)
	}
	return &tenant, nil
}

// GetTenant fetches a tenant by id.
func (s *TenantService) GetTenant(ctx context.Context, id string) (*services.Tenant, error) {
	item, err := s.backend.Get(ctx, tenantKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("tenant %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	var tenant services.Tenant
	if err := json.Unmarshal(item.Value, &tenant); err != nil {
		return nil, trace.Wrap(err)
	}
	return &tenant, nil
}

// ListTenants returns all tenants sorted by name.
func (s *TenantService) ListTenants(ctx context.Context) ([]services.Tenant, error) {
	startKey := backend.ExactKey(tenantsPrefix)
	result, err := s.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tenants := make([]services.Tenant, 0, len(result.Items))
	for _, item := range result.Items {
		var tenant services.Tenant
		if err := json.Unmarshal(item.Value, &tenant); err != nil {
			return nil, trace.Wrap(err)
		}
		tenants = append(tenants, tenant)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Name < tenants[j].Name })
	return tenants, nil
}

// UpdateTenant rewrites a tenant's mutable fields.
func (s *TenantService) UpdateTenant(ctx context.Context, tenant services.Tenant) (*services.Tenant, error) {
	if err := tenant.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := s.GetTenant(ctx, tenant.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tenant.CreatedAt = existing.CreatedAt
	tenant.UpdatedAt = now(s.backend)
	value, err := json.Marshal(tenant)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.backend.Update(ctx, backend.Item{Key: tenantKey(tenant.ID), Value: value}); err != nil {
		return nil, trace.Wrap(err)
	}
	return &tenant, nil
}

// DeleteTenant removes a tenant and its secrets.
func (s *TenantService) DeleteTenant(ctx context.Context, id string) error {
	if _, err := s.GetTenant(ctx, id); err != nil {
		return trace.Wrap(err)
	}
	if err := s.backend.Delete(ctx, tenantKey(id)); err != nil {
		return trace.Wrap(err)
	}
	if err := s.vault.DeleteKV(ctx, tenantPANPath(id)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.vault.DeleteKV(ctx, tenantOAuthPath(id)))
}

// GetTenantPAN reads the tenant PAN from the secret store.
func (s *TenantService) GetTenantPAN(ctx context.Context, id string) (string, error) {
	data, err := s.vault.ReadKV(ctx, tenantPANPath(id))
	if err != nil {
		return "", trace.Wrap(err)
	}
	pan, ok := data["pan"].(string)
	if !ok {
		return "", trace.NotFound("tenant %q has no stored PAN", id)
	}
	return pan, nil
}

// CreateCard creates a card record. The PAN goes to the secret store;
// the record keeps only the last four digits.
func (s *TenantService) CreateCard(ctx context.Context, card services.Card, pan string) (*services.Card, error) {
	if err := card.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(pan) < 12 {
		return nil, trace.BadParameter("malformed PAN")
	}
	if _, err := s.GetTenant(ctx, card.TenantID); err != nil {
		return nil, trace.Wrap(err)
	}
	if card.ID == "" {
		card.ID = uuid.NewString()
	}
	card.Last4 = pan[len(pan)-4:]
	card.CreatedAt = now(s.backend)
	card.UpdatedAt = card.CreatedAt
	if err := s.vault.WriteKV(ctx, cardPANPath(card.ID), map[string]interface{}{"pan": pan}); err != nil {
		return nil, trace.Wrap(err)
	}
	value, err := json.Marshal(card)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.backend.Create(ctx, backend.Item{Key: cardKey(card.ID), Value: value}); err != nil {
		if cleanupErr := s.vault.DeleteKV(ctx, cardPANPath(card.ID)); cleanupErr != nil {
			return nil, trace.NewAggregate(err, cleanupErr)
		}
		return nil, trace.Wrap(err)
	}
	return &card, nil
}

// GetCard fetches a card by id.
func (s *TenantService) GetCard(ctx context.Context, id string) (*services.Card, error) {
	item, err := s.backend.Get(ctx, cardKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("card %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	var card services.Card
	if err := json.Unmarshal(item.Value, &card); err != nil {
		return nil, trace.Wrap(err)
	}
	return &card, nil
}

// ListTenantCards returns a tenant's cards.
func (s *TenantService) ListTenantCards(ctx context.Context, tenantID string) ([]services.Card, error) {
	startKey := backend.ExactKey(cardsPrefix)
	result, err := s.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var cards []services.Card
	for _, item := range result.Items {
		var card services.Card
		if err := json.Unmarshal(item.Value, &card); err != nil {
			return nil, trace.Wrap(err)
		}
		if card.TenantID == tenantID {
			cards = append(cards, card)
		}
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].CreatedAt.After(cards[j].CreatedAt) })
	return cards, nil
}

// DeleteCard removes a card record and its PAN.
func (s *TenantService) DeleteCard(ctx context.Context, id string) error {
	if _, err := s.GetCard(ctx, id); err != nil {
		return trace.Wrap(err)
	}
	if err := s.backend.Delete(ctx, cardKey(id)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.vault.DeleteKV(ctx, cardPANPath(id)))
}
