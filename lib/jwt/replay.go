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
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/backoffice/lib/defaults"
)

var replaySetSize = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "jwt_replay_set_size",
	Help: "Number of live jti entries in the anti-replay set",
})

func init() {
	prometheus.MustRegister(replaySetSize)
}

// ReplaySet tracks issued and consumed token identifiers. The sign path
// registers each access token's jti; the first verification consumes it
// and any later verification of a live jti is a replay. Refresh tokens
// are never added. The default profile is memory resident;
// multi-instance deployments swap in a shared backend behind the same
// contract.
type ReplaySet interface {
	// Register records jti until expires. It returns false if the jti
	// is already present and unexpired.
	Register(jti string, expires time.Time) (bool, error)

	// IsConsumed reports whether jti has been consumed and is unexpired.
	// Expired entries are removed on the way out.
	IsConsumed(jti string) bool

	// Consume marks jti as consumed until expires. A jti unknown to the
	// set (issued before a restart) is inserted directly as consumed.
	Consume(jti string, expires time.Time) error

	// CleanupExpired evicts expired entries and returns the count.
	CleanupExpired() int
}

// MemoryReplaySetConfig holds creation parameters for NewMemoryReplaySet.
type MemoryReplaySetConfig struct {
	// Clock is the time source for expiry.
	Clock clockwork.Clock
	// SweepInterval is how often the background sweeper runs.
	SweepInterval time.Duration
}

// CheckAndSetDefaults checks and sets default values.
func (c *MemoryReplaySetConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.ReplaySweepInterval
	}
	return nil
}

// NewMemoryReplaySet returns a memory-resident replay set with a
// background sweeper. Close stops the sweeper.
func NewMemoryReplaySet(cfg MemoryReplaySetConfig) (*MemoryReplaySet, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	closeCtx, cancel := context.WithCancel(context.Background())
	set := &MemoryReplaySet{
		cfg:      cfg,
		entries:  make(map[string]replayEntry),
		closeCtx: closeCtx,
		cancel:   cancel,
	}
	set.wg.Add(1)
	go set.sweepLoop()
	return set, nil
}

// MemoryReplaySet implements ReplaySet in process memory.
type MemoryReplaySet struct {
	cfg MemoryReplaySetConfig

	mu      sync.Mutex
	entries map[string]replayEntry

	closeCtx context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type replayEntry struct {
	expires  time.Time
	consumed bool
}

// Register records jti until expires.
func (s *MemoryReplaySet) Register(jti string, expires time.Time) (bool, error) {
	if jti == "" {
		return false, trace.BadParameter("missing parameter jti")
	}
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[jti]; ok && existing.expires.After(now) {
		return false, nil
	}
	s.entries[jti] = replayEntry{expires: expires}
	replaySetSize.Set(float64(len(s.entries)))
	return true, nil
}

// IsConsumed reports whether jti has been consumed and is unexpired.
func (s *MemoryReplaySet) IsConsumed(jti string) bool {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[jti]
	if !ok {
		return false
	}
	if !entry.expires.After(now) {
		delete(s.entries, jti)
		replaySetSize.Set(float64(len(s.entries)))
		return false
	}
	return entry.consumed
}

// Consume marks jti as consumed until expires.
func (s *MemoryReplaySet) Consume(jti string, expires time.Time) error {
	if jti == "" {
		return trace.BadParameter("missing parameter jti")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[jti] = replayEntry{expires: expires, consumed: true}
	replaySetSize.Set(float64(len(s.entries)))
	return nil
}

// CleanupExpired evicts expired entries and returns the count.
func (s *MemoryReplaySet) CleanupExpired() int {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted int
	for jti, entry := range s.entries {
		if !entry.expires.After(now) {
			delete(s.entries, jti)
			evicted++
		}
	}
	replaySetSize.Set(float64(len(s.entries)))
	return evicted
}

// Close stops the background sweeper.
func (s *MemoryReplaySet) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *MemoryReplaySet) sweepLoop() {
	defer s.wg.Done()
	ticker := s.cfg.Clock.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCtx.Done():
			return
		case <-ticker.Chan():
			s.CleanupExpired()
		}
	}
}

var _ ReplaySet = (*MemoryReplaySet)(nil)
