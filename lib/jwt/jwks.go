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

package jwt

import (
	"encoding/base64"
	"math/big"
	"sort"
	"time"

	"github.com/gravitational/trace"
)

// JWK is the published view of a single ring key.
type JWK struct {
	KeyID     string    `json:"kid"`
	Algorithm string    `json:"alg"`
	Use       string    `json:"use"`
	KeyType   string    `json:"kty"`
	Modulus   string    `json:"n"`
	Exponent  string    `json:"e"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// JWKSResponse is the payload served on the JWKS endpoint.
type JWKSResponse struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns the public view of every key in the ring, active key
// first, the rest ordered by creation time.
func (r *KeyRing) JWKS() (*JWKSResponse, error) {
	keys := r.ListKeys()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].IsActive != keys[j].IsActive {
			return keys[i].IsActive
		}
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	resp := &JWKSResponse{Keys: make([]JWK, 0, len(keys))}
	for _, key := range keys {
		jwk, err := toJWK(key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		resp.Keys = append(resp.Keys, *jwk)
	}
	return resp, nil
}

func toJWK(key SigningKey) (*JWK, error) {
	public, err := parsePublicKeyPEM([]byte(key.PublicKeyPEM))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &JWK{
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		Use:       "sig",
		KeyType:   "RSA",
		Modulus:   base64.RawURLEncoding.EncodeToString(public.N.Bytes()),
		Exponent:  base64.RawURLEncoding.EncodeToString(big.NewInt(int64(public.E)).Bytes()),
		CreatedAt: key.CreatedAt,
		ExpiresAt: key.ExpiresAt,
	}, nil
}
