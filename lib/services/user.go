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
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/argon2"
)

// User is an identity with a single primary role plus additional roles
// constrained by the combination matrix.
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email,omitempty"`
	Phone              string    `json:"phone"`
	IDNumber           string    `json:"idNumber"`
	Fullname           string    `json:"fullname"`
	PasswordHash       string    `json:"-"`
	RoleKey            string    `json:"roleKey"`
	AdditionalRoleKeys []string  `json:"additionalRoleKeys"`
	Status             string    `json:"status"`
	PhoneConfirmed     bool      `json:"phoneConfirmed"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// RoleKeys returns the primary role followed by the additional roles.
func (u *User) RoleKeys() []string {
	keys := make([]string, 0, len(u.AdditionalRoleKeys)+1)
	keys = append(keys, u.RoleKey)
	keys = append(keys, u.AdditionalRoleKeys...)
	return keys
}

// CheckAndSetDefaults validates the user and normalizes its fields.
func (u *User) CheckAndSetDefaults() error {
	if u.Phone == "" && u.Email == "" {
		return trace.BadParameter("user needs at least one of phone or email")
	}
	if u.Fullname == "" {
		return trace.BadParameter("missing parameter Fullname")
	}
	u.RoleKey = NormalizePermission(u.RoleKey)
	if u.RoleKey == "" {
		return trace.BadParameter("missing parameter RoleKey")
	}
	for i, key := range u.AdditionalRoleKeys {
		u.AdditionalRoleKeys[i] = NormalizePermission(key)
	}
	if err := ValidateRoleCombination(u.RoleKey, u.AdditionalRoleKeys); err != nil {
		return trace.Wrap(err)
	}
	if u.Status == "" {
		u.Status = StatusActive
	}
	if u.Status != StatusActive && u.Status != StatusDisabled {
		return trace.BadParameter("unsupported user status %q", u.Status)
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	return nil
}

// argon2id parameters, RFC 9106 second recommended option.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashPassword derives an argon2id hash in the standard encoded form.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", trace.BadParameter("missing parameter password")
	}
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", trace.Wrap(err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword reports whether password matches the encoded hash.
// Comparison is constant time.
func VerifyPassword(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, trace.BadParameter("malformed password hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, trace.BadParameter("malformed password hash version")
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, trace.BadParameter("malformed password hash parameters")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, trace.BadParameter("malformed password hash salt")
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, trace.BadParameter("malformed password hash digest")
	}
	key := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}
