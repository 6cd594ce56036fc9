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

package vault

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// NewMemoryClient returns an in-memory secret store used by the
// single-node dev profile and in tests.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{secrets: make(map[string]map[string]interface{})}
}

// MemoryClient implements Client in memory.
type MemoryClient struct {
	mu      sync.RWMutex
	secrets map[string]map[string]interface{}
}

// ReadKV reads the secret at path.
func (c *MemoryClient) ReadKV(ctx context.Context, path string) (map[string]interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.secrets[normalize(path)]
	if !ok {
		return nil, trace.NotFound("secret %q is not found", path)
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out, nil
}

// WriteKV writes the secret at path.
func (c *MemoryClient) WriteKV(ctx context.Context, path string, data map[string]interface{}) error {
	copied := make(map[string]interface{}, len(data))
	for k, v := range data {
		copied[k] = v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets[normalize(path)] = copied
	return nil
}

// DeleteKV removes the secret at path.
func (c *MemoryClient) DeleteKV(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.secrets, normalize(path))
	return nil
}

var _ Client = (*MemoryClient)(nil)
