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
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/backoffice/lib/backend"
	"github.com/gravitational/backoffice/lib/services"
)

const (
	usersPrefix           = "users"
	serviceAccountsPrefix = "service_accounts"
)

// IdentityService manages user and service account records. Stored
// records carry the password hash; every read path strips it before
// returning.
type IdentityService struct {
	backend backend.Backend
}

// NewIdentityService returns an identity store.
func NewIdentityService(b backend.Backend) *IdentityService {
	return &IdentityService{backend: b}
}

func userKey(id string) []byte {
	return backend.Key(usersPrefix, id)
}

func serviceAccountKey(id string) []byte {
	return backend.Key(serviceAccountsPrefix, id)
}

// storedUser is the persisted form; the hash is only serialized here.
type storedUser struct {
	services.User
	PasswordHash string `json:"passwordHash"`
}

// CreateUser creates a user with the given plaintext password. Email
// uniqueness is enforced over the normalized form.
func (s *IdentityService) CreateUser(ctx context.Context, user services.User, password string) (*services.User, error) {
	if err := user.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	hash, err := services.HashPassword(password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if user.Email != "" {
		if _, err := s.GetUserByEmail(ctx, user.Email); err == nil {
			return nil, trace.AlreadyExists("user with email %q already exists", user.Email)
		} else if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = now(s.backend)
	user.UpdatedAt = user.CreatedAt
	value, err := json.Marshal(storedUser{User: user, PasswordHash: hash})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.backend.Create(ctx, backend.Item{Key: userKey(user.ID), Value: value}); err != nil {
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// GetUser fetches a user by id. super_admin users resolve like any
// other; hiding them is a listing concern only.
func (s *IdentityService) GetUser(ctx context.Context, id string) (*services.User, error) {
	stored, err := s.getStored(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user := stored.User
	user.PasswordHash = ""
	return &user, nil
}

// GetUserByEmail fetches a user by normalized email.
func (s *IdentityService) GetUserByEmail(ctx context.Context, email string) (*services.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, trace.BadParameter("missing parameter email")
	}
	stored, err := s.findStored(ctx, func(u *storedUser) bool { return u.Email == email })
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if stored == nil {
		return nil, trace.NotFound("user with email %q not found", email)
	}
	user := stored.User
	user.PasswordHash = ""
	return &user, nil
}

// ListUsers returns all users sorted by creation time, newest first.
// super_admin users never appear in listings.
func (s *IdentityService) ListUsers(ctx context.Context) ([]services.User, error) {
	stored, err := s.listStored(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	users := make([]services.User, 0, len(stored))
	for _, record := range stored {
		if record.RoleKey == services.RoleSuperAdmin {
			continue
		}
		user := record.User
		user.PasswordHash = ""
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.After(users[j].CreatedAt) })
	return users, nil
}

// UpdateUser rewrites a user's mutable fields. Password and created
// time are preserved.
func (s *IdentityService) UpdateUser(ctx context.Context, user services.User) (*services.User, error) {
	if err := user.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := s.getStored(ctx, user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user.CreatedAt = existing.CreatedAt
	user.UpdatedAt = now(s.backend)
	value, err := json.Marshal(storedUser{User: user, PasswordHash: existing.PasswordHash})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.backend.Update(ctx, backend.Item{Key: userKey(user.ID), Value: value}); err != nil {
		return nil, trace.Wrap(err)
	}
	user.PasswordHash = ""
	return &user, nil
}

// SetUserPassword replaces a user's password.
func (s *IdentityService) SetUserPassword(ctx context.Context, id, password string) error {
	existing, err := s.getStored(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	hash, err := services.HashPassword(password)
	if err != nil {
		return trace.Wrap(err)
	}
	existing.PasswordHash = hash
	existing.UpdatedAt = now(s.backend)
	value, err := json.Marshal(existing)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.backend.Update(ctx, backend.Item{Key: userKey(id), Value: value})
	return trace.Wrap(err)
}

// DeleteUser removes a user record.
func (s *IdentityService) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.getStored(ctx, id); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.backend.Delete(ctx, userKey(id)))
}

// Authenticate verifies email and password against an active user. The
// same error comes back for unknown email, disabled user and wrong
// password.
func (s *IdentityService) Authenticate(ctx context.Context, email, password string) (*services.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	stored, err := s.findStored(ctx, func(u *storedUser) bool { return u.Email == email })
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if stored == nil || stored.Status != services.StatusActive {
		return nil, trace.AccessDenied("invalid credentials")
	}
	ok, err := services.VerifyPassword(stored.PasswordHash, password)
	if err != nil || !ok {
		return nil, trace.AccessDenied("invalid credentials")
	}
	user := stored.User
	user.PasswordHash = ""
	return &user, nil
}

// GetUserRoleKeys returns the role keys of an active user, satisfying
// the authorization access point.
func (s *IdentityService) GetUserRoleKeys(ctx context.Context, userID string) ([]string, error) {
	stored, err := s.getStored(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if stored.Status != services.StatusActive {
		return nil, trace.AccessDenied("user %q is not active", userID)
	}
	return stored.RoleKeys(), nil
}

// GetServiceRoleKeys returns the role keys of an active service
// account.
func (s *IdentityService) GetServiceRoleKeys(ctx context.Context, serviceID string) ([]string, error) {
	item, err := s.backend.Get(ctx, serviceAccountKey(serviceID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("service account %q not found", serviceID)
		}
		return nil, trace.Wrap(err)
	}
	var account services.ServiceAccount
	if err := json.Unmarshal(item.Value, &account); err != nil {
		return nil, trace.Wrap(err)
	}
	if account.Status != services.StatusActive {
		return nil, trace.AccessDenied("service account %q is not active", serviceID)
	}
	return account.RoleKeys, nil
}

// UpsertServiceAccount creates or updates a service account.
func (s *IdentityService) UpsertServiceAccount(ctx context.Context, account services.ServiceAccount) (*services.ServiceAccount, error) {
	if err := account.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now(s.backend)
	}
	account.UpdatedAt = now(s.backend)
	value, err := json.Marshal(account)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.backend.Put(ctx, backend.Item{Key: serviceAccountKey(account.ID), Value: value}); err != nil {
		return nil, trace.Wrap(err)
	}
	return &account, nil
}

// SeedSuperAdmin creates the initial super_admin user, but only when
// the user collection is completely empty. It returns false when
// seeding was skipped.
func (s *IdentityService) SeedSuperAdmin(ctx context.Context, email, password, fullname string) (bool, error) {
	if email == "" || password == "" {
		return false, nil
	}
	stored, err := s.listStored(ctx)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if len(stored) > 0 {
		return false, nil
	}
	if fullname == "" {
		fullname = "Super Administrator"
	}
	_, err = s.CreateUser(ctx, services.User{
		Email:    email,
		Phone:    "unset",
		Fullname: fullname,
		RoleKey:  services.RoleSuperAdmin,
	}, password)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return true, nil
}

func (s *IdentityService) getStored(ctx context.Context, id string) (*storedUser, error) {
	if id == "" {
		return nil, trace.BadParameter("missing parameter id")
	}
	item, err := s.backend.Get(ctx, userKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	var stored storedUser
	if err := json.Unmarshal(item.Value, &stored); err != nil {
		return nil, trace.Wrap(err)
	}
	return &stored, nil
}

func (s *IdentityService) listStored(ctx context.Context) ([]storedUser, error) {
	startKey := backend.ExactKey(usersPrefix)
	result, err := s.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stored := make([]storedUser, 0, len(result.Items))
	for _, item := range result.Items {
		var record storedUser
		if err := json.Unmarshal(item.Value, &record); err != nil {
			return nil, trace.Wrap(err)
		}
		stored = append(stored, record)
	}
	return stored, nil
}

func (s *IdentityService) findStored(ctx context.Context, match func(*storedUser) bool) (*storedUser, error) {
	stored, err := s.listStored(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range stored {
		if match(&stored[i]) {
			return &stored[i], nil
		}
	}
	return nil, nil
}
