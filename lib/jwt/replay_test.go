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
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestReplaySet(t *testing.T) (*MemoryReplaySet, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	set, err := NewMemoryReplaySet(MemoryReplaySetConfig{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { set.Close() })
	return set, clock
}

func TestReplaySetRegister(t *testing.T) {
	set, clock := newTestReplaySet(t)
	expires := clock.Now().Add(time.Hour)

	ok, err := set.Register("jti-1", expires)
	require.NoError(t, err)
	require.True(t, ok)

	// Second registration of a live jti is a replay.
	ok, err = set.Register("jti-1", expires)
	require.NoError(t, err)
	require.False(t, ok)

	// Registration is not consumption.
	require.False(t, set.IsConsumed("jti-1"))
}

func TestReplaySetConsume(t *testing.T) {
	set, clock := newTestReplaySet(t)
	expires := clock.Now().Add(time.Hour)

	_, err := set.Register("jti-1", expires)
	require.NoError(t, err)

	require.NoError(t, set.Consume("jti-1", expires))
	require.True(t, set.IsConsumed("jti-1"))

	// A jti never registered can still be consumed directly.
	require.NoError(t, set.Consume("jti-2", expires))
	require.True(t, set.IsConsumed("jti-2"))
}

func TestReplaySetExpiry(t *testing.T) {
	set, clock := newTestReplaySet(t)

	require.NoError(t, set.Consume("jti-1", clock.Now().Add(time.Minute)))
	require.True(t, set.IsConsumed("jti-1"))

	clock.Advance(2 * time.Minute)

	// Past expiry the entry no longer counts and is removed.
	require.False(t, set.IsConsumed("jti-1"))
	ok, err := set.Register("jti-1", clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReplaySetCleanup(t *testing.T) {
	set, clock := newTestReplaySet(t)

	for _, jti := range []string{"a", "b", "c"} {
		_, err := set.Register(jti, clock.Now().Add(time.Minute))
		require.NoError(t, err)
	}
	_, err := set.Register("keep", clock.Now().Add(time.Hour))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	require.Equal(t, 3, set.CleanupExpired())
	require.Equal(t, 0, set.CleanupExpired())
}

func TestReplaySetConcurrent(t *testing.T) {
	set, clock := newTestReplaySet(t)
	expires := clock.Now().Add(time.Hour)

	// Exactly one of N concurrent registrations of the same jti wins.
	const workers = 32
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := set.Register("contested", expires)
			require.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for ok := range results {
		if ok {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}
