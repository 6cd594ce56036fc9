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

// Package memory implements backend interface in memory, used
// for the single-node profile and in tests.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/backoffice/lib/backend"
)

// Config holds memory backend configuration
type Config struct {
	// Clock is the clock used for expiry, defaults to the real clock
	Clock clockwork.Clock
	// BTreeDegree sets the degree of the backing btree
	BTreeDegree int
}

// CheckAndSetDefaults checks and sets default values
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BTreeDegree <= 0 {
		c.BTreeDegree = 8
	}
	return nil
}

// New creates a new memory backend
func New(cfg Config) (*Memory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Memory{
		cfg:  cfg,
		tree: btree.NewG(cfg.BTreeDegree, func(a, b *btreeItem) bool {
			return bytes.Compare(a.Key, b.Key) < 0
		}),
	}, nil
}

// Memory is a btree-backed in-memory backend. Expired items are
// reclaimed lazily on access.
type Memory struct {
	mu     sync.Mutex
	cfg    Config
	tree   *btree.BTreeG[*btreeItem]
	nextID int64
	closed bool
}

type btreeItem struct {
	backend.Item
}

// Close releases the resources taken up by this backend
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.tree.Clear(false)
	return nil
}

// Clock returns clock used by this backend
func (m *Memory) Clock() clockwork.Clock {
	return m.cfg.Clock
}

// Create creates item if it does not exist
func (m *Memory) Create(ctx context.Context, i Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, found := m.get(i.Key); found && !m.expired(item) {
		return nil, trace.AlreadyExists("key %q already exists", string(i.Key))
	}
	m.put(i)
	return m.lease(i), nil
}

// Item is an alias kept so call sites read naturally.
type Item = backend.Item

// Put puts value into backend (creates if it does not exist,
// updates it otherwise)
func (m *Memory) Put(ctx context.Context, i Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(i)
	return m.lease(i), nil
}

// Update updates item if it exists, fails with not found error otherwise
func (m *Memory) Update(ctx context.Context, i Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, found := m.get(i.Key); !found || m.expired(item) {
		return nil, trace.NotFound("key %q is not found", string(i.Key))
	}
	m.put(i)
	return m.lease(i), nil
}

// CompareAndSwap compares the expected item with the existing one and
// replaces it if values match
func (m *Memory) CompareAndSwap(ctx context.Context, expected Item, replaceWith Item) (*backend.Lease, error) {
	if !bytes.Equal(expected.Key, replaceWith.Key) {
		return nil, trace.BadParameter("expected and replaceWith keys should match")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, found := m.get(expected.Key)
	if !found || m.expired(item) {
		return nil, trace.CompareFailed("key %q is not found", string(expected.Key))
	}
	if !bytes.Equal(item.Value, expected.Value) {
		return nil, trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
	}
	m.put(replaceWith)
	return m.lease(replaceWith), nil
}

// Get returns a single item or not found error
func (m *Memory) Get(ctx context.Context, key []byte) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, found := m.get(key)
	if !found || m.expired(item) {
		return nil, trace.NotFound("key %q is not found", string(key))
	}
	out := item.Item
	return &out, nil
}

// GetRange returns query range
func (m *Memory) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 {
		return nil, trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return nil, trace.BadParameter("missing parameter endKey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var res backend.GetResult
	m.tree.AscendRange(&btreeItem{Item: Item{Key: startKey}}, &btreeItem{Item: Item{Key: endKey}}, func(item *btreeItem) bool {
		if m.expired(item) {
			return true
		}
		res.Items = append(res.Items, item.Item)
		return limit <= 0 || len(res.Items) < limit
	})
	return &res, nil
}

// Delete deletes item by key, returns NotFound error if item does not exist
func (m *Memory) Delete(ctx context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, found := m.get(key)
	if !found || m.expired(item) {
		return trace.NotFound("key %q is not found", string(key))
	}
	m.tree.Delete(item)
	return nil
}

// DeleteRange deletes range of items with keys between startKey and endKey
func (m *Memory) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	if len(startKey) == 0 {
		return trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return trace.BadParameter("missing parameter endKey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var doomed []*btreeItem
	m.tree.AscendRange(&btreeItem{Item: Item{Key: startKey}}, &btreeItem{Item: Item{Key: endKey}}, func(item *btreeItem) bool {
		doomed = append(doomed, item)
		return true
	})
	for _, item := range doomed {
		m.tree.Delete(item)
	}
	return nil
}

// get is called under lock
func (m *Memory) get(key []byte) (*btreeItem, bool) {
	return m.tree.Get(&btreeItem{Item: Item{Key: key}})
}

// put is called under lock, assigns a fresh record id
func (m *Memory) put(i Item) {
	m.nextID++
	i.ID = m.nextID
	m.tree.ReplaceOrInsert(&btreeItem{Item: i})
}

// expired is called under lock; expired items are deleted in place
func (m *Memory) expired(item *btreeItem) bool {
	if item.Expires.IsZero() {
		return false
	}
	if item.Expires.After(m.cfg.Clock.Now()) {
		return false
	}
	m.tree.Delete(item)
	return true
}

func (m *Memory) lease(i Item) *backend.Lease {
	var lease backend.Lease
	if !i.Expires.IsZero() {
		lease.Key = i.Key
		lease.ID = i.ID
	}
	return &lease
}

var _ backend.Backend = (*Memory)(nil)
