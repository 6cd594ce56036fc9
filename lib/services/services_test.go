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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRoleCombination(t *testing.T) {
	tests := []struct {
		name       string
		role       string
		additional []string
		wantErr    bool
	}{
		{name: "super_admin alone", role: "super_admin"},
		{name: "super_admin with additional", role: "super_admin", additional: []string{"user"}, wantErr: true},
		{name: "super_admin as additional", role: "user", additional: []string{"super_admin"}, wantErr: true},
		{name: "user with merchant", role: "user", additional: []string{"merchant"}},
		{name: "user with admin and ops", role: "user", additional: []string{"admin", "ops"}},
		{name: "user with custom", role: "user", additional: []string{"security_officer"}, wantErr: true},
		{name: "merchant with user", role: "merchant", additional: []string{"user"}},
		{name: "merchant with admin", role: "merchant", additional: []string{"admin"}, wantErr: true},
		{name: "admin with user", role: "admin", additional: []string{"user"}},
		{name: "ops with merchant", role: "ops", additional: []string{"merchant"}, wantErr: true},
		{name: "duplicate additional", role: "user", additional: []string{"admin", "admin"}, wantErr: true},
		{name: "additional equals primary", role: "user", additional: []string{"user"}, wantErr: true},
		{name: "custom role alone", role: "security_officer"},
		{name: "case insensitive", role: "USER", additional: []string{" Merchant "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoleCombination(tt.role, tt.additional)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRoleNormalization(t *testing.T) {
	role := Role{
		Key:            " Security_Officer ",
		Name:           "Security Officer",
		PermissionKeys: []string{" Roles.* ", "roles.*", "AUDIT.read"},
	}
	require.NoError(t, role.CheckAndSetDefaults())
	require.Equal(t, "security_officer", role.Key)
	require.Equal(t, []string{"roles.*", "audit.read"}, role.PermissionKeys)
	require.Equal(t, StatusActive, role.Status)
}

func TestDerivePermissions(t *testing.T) {
	perms := DerivePermissions("roles", []string{"create", "read", "update", "delete"}, nil)
	require.Len(t, perms, 4)
	require.Equal(t, "ro_c", perms[0].ID)
	require.Equal(t, "roles.create", perms[0].Indicator)
	require.Equal(t, "Create", perms[0].Name)
	require.True(t, perms[0].Enabled)
	require.False(t, perms[0].RequiresSuperAdmin)
}

func TestDerivePermissionsPreservesFlags(t *testing.T) {
	prior := DerivePermissions("roles", []string{"create", "delete"}, nil)
	prior[1].Enabled = false
	prior[1].RequiresSuperAdmin = true

	// Re-deriving with an extra action keeps the flags of unchanged
	// indicators and defaults the new one.
	perms := DerivePermissions("roles", []string{"create", "delete", "export"}, prior)
	require.Len(t, perms, 3)
	byIndicator := make(map[string]Permission)
	for _, p := range perms {
		byIndicator[p.Indicator] = p
	}
	require.False(t, byIndicator["roles.delete"].Enabled)
	require.True(t, byIndicator["roles.delete"].RequiresSuperAdmin)
	require.True(t, byIndicator["roles.create"].Enabled)
	require.True(t, byIndicator["roles.export"].Enabled)
}

func TestDerivePermissionsCollapsesDuplicates(t *testing.T) {
	// "delete" and "disable" share the short id "ro_d" and collapse.
	perms := DerivePermissions("roles", []string{"delete", "disable"}, nil)
	require.Len(t, perms, 1)
	require.Equal(t, "roles.delete", perms[0].Indicator)
}

func TestTitleize(t *testing.T) {
	require.Equal(t, "List All", Titleize("list_all"))
	require.Equal(t, "Read", Titleize("read"))
	require.Equal(t, "Re Order", Titleize("re-order"))
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("password123")
	require.NoError(t, err)
	require.Contains(t, hash, "$argon2id$")

	ok, err := VerifyPassword(hash, "password123")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyPassword(hash, "password124")
	require.NoError(t, err)
	require.False(t, ok)

	// Hashes are salted: same password, different encodings.
	hash2, err := HashPassword("password123")
	require.NoError(t, err)
	require.NotEqual(t, hash, hash2)
}

func TestVerifyPasswordMalformed(t *testing.T) {
	_, err := VerifyPassword("not-a-hash", "p")
	require.Error(t, err)
}

func TestUserCheckAndSetDefaults(t *testing.T) {
	user := User{
		Phone:              "+15550100",
		Fullname:           "Alice Example",
		Email:              " Alice@Example.COM ",
		RoleKey:            "User",
		AdditionalRoleKeys: []string{"Merchant"},
	}
	require.NoError(t, user.CheckAndSetDefaults())
	require.Equal(t, "alice@example.com", user.Email)
	require.Equal(t, "user", user.RoleKey)
	require.Equal(t, []string{"merchant"}, user.AdditionalRoleKeys)

	bad := User{Phone: "+15550100", Fullname: "Bob", RoleKey: "merchant", AdditionalRoleKeys: []string{"ops"}}
	require.Error(t, bad.CheckAndSetDefaults())
}
