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

// Package vault provides the secret store client used for private key
// material, device key handles and tenant secrets. Paths are logical
// (e.g. "jwks-private/abc") and are resolved against a single KV v2 mount.
package vault

import (
	"context"
	"errors"
	"strings"

	"github.com/gravitational/trace"
	vaultapi "github.com/hashicorp/vault/api"
)

// Client is the secret store contract consumed by the service. The
// private material of signing and device keys never leaves
// implementations of this interface except through ReadKV.
type Client interface {
	// ReadKV reads the secret at path, returns NotFound if absent.
	ReadKV(ctx context.Context, path string) (map[string]interface{}, error)

	// WriteKV writes the secret at path, overwriting prior data.
	WriteKV(ctx context.Context, path string, data map[string]interface{}) error

	// DeleteKV removes the secret at path. Deleting an absent path
	// is not an error.
	DeleteKV(ctx context.Context, path string) error
}

// Config holds configuration for the KV v2 client.
type Config struct {
	// Addr is the vault server address, defaults to VAULT_ADDR.
	Addr string
	// Token is the vault token, defaults to VAULT_TOKEN.
	Token string
	// Mount is the KV v2 mount point.
	Mount string
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Mount == "" {
		return trace.BadParameter("missing parameter Mount")
	}
	return nil
}

// NewClient returns a secret store client backed by a vault KV v2 mount.
func NewClient(cfg Config) (*KVClient, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	apiCfg := vaultapi.DefaultConfig()
	if cfg.Addr != "" {
		apiCfg.Address = cfg.Addr
	}
	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	return &KVClient{kv: client.KVv2(cfg.Mount)}, nil
}

// KVClient implements Client over a vault KV v2 mount.
type KVClient struct {
	kv *vaultapi.KVv2
}

// ReadKV reads the secret at path.
func (c *KVClient) ReadKV(ctx context.Context, path string) (map[string]interface{}, error) {
	secret, err := c.kv.Get(ctx, normalize(path))
	if err != nil {
		if isNotFound(err) {
			return nil, trace.NotFound("secret %q is not found", path)
		}
		return nil, trace.Wrap(err)
	}
	if secret == nil || secret.Data == nil {
		return nil, trace.NotFound("secret %q is not found", path)
	}
	return secret.Data, nil
}

// WriteKV writes the secret at path.
func (c *KVClient) WriteKV(ctx context.Context, path string, data map[string]interface{}) error {
	if _, err := c.kv.Put(ctx, normalize(path), data); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// DeleteKV removes the secret at path.
func (c *KVClient) DeleteKV(ctx context.Context, path string) error {
	if err := c.kv.Delete(ctx, normalize(path)); err != nil {
		if isNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	return nil
}

func normalize(path string) string {
	return strings.TrimPrefix(path, "/")
}

func isNotFound(err error) bool {
	// vault returns 404 both for missing and soft-deleted secrets
	var respErr *vaultapi.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
