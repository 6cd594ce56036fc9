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

// Package eventbus provides the process-local event bus. It exists to
// break the audit/authz dependency cycle: authorization publishes
// decisions to the bus and the audit consumer subscribes, never the
// other way around.
package eventbus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Topics published by the core.
const (
	TopicJWTGenerated        = "auth.jwt-generated"
	TopicJWTValidated        = "auth.jwt-validated"
	TopicJWTValidationFailed = "auth.jwt-validation-failed"
	TopicReplayDetected      = "auth.replay-detected"
	TopicKeyRotated          = "auth.jwks-key-rotated"
	TopicKeyInvalidated      = "auth.jwks-key-invalidated"
	TopicAuditEventCreated   = "audit.event-created"
	TopicResponseCaptured    = "audit.response-captured"
	TopicPermissionsChanged  = "permissions.changed"
	TopicDeviceRegistered    = "device.registered"
	TopicDeviceKeyRotated    = "device.key.rotated"
	TopicDeviceExpired       = "device.expired"
	TopicDeviceRevoked       = "device.revoked"
)

var busDroppedEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "eventbus_dropped_events_total",
		Help: "Number of bus events dropped because a subscriber buffer was full",
	},
	[]string{"topic"},
)

func init() {
	prometheus.MustRegister(busDroppedEvents)
}

// Event is a single published message.
type Event struct {
	// Topic is the topic the event was published on.
	Topic string
	// Payload is the topic-specific payload.
	Payload interface{}
}

// defaultBufferSize is the per-subscription channel capacity. Slow
// subscribers lose events rather than block emitters.
const defaultBufferSize = 256

// New returns a new bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string][]*Subscription)}
}

// Bus fans events out to topic subscribers. Emit never blocks.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*Subscription
	closed      bool
}

// Subscription is a single subscriber's view of the bus.
type Subscription struct {
	bus    *Bus
	topics []string
	ch     chan Event
	once   sync.Once
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close removes the subscription from the bus.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

// Subscribe registers a subscriber for the given topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		bus:    b,
		topics: topics,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return sub
	}
	for _, topic := range topics {
		b.subscribers[topic] = append(b.subscribers[topic], sub)
	}
	return sub
}

// Emit publishes payload on topic to all current subscribers. Delivery
// is at-most-once per subscriber; full buffers drop.
func (b *Bus) Emit(topic string, payload interface{}) {
	b.mu.RLock()
	subs := b.subscribers[topic]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	for _, sub := range subs {
		select {
		case sub.ch <- Event{Topic: topic, Payload: payload}:
		default:
			busDroppedEvents.WithLabelValues(topic).Inc()
		}
	}
}

// Close shuts the bus down and closes all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	seen := make(map[*Subscription]struct{})
	var subs []*Subscription
	for _, list := range b.subscribers {
		for _, sub := range list {
			if _, ok := seen[sub]; !ok {
				seen[sub] = struct{}{}
				subs = append(subs, sub)
			}
		}
	}
	b.subscribers = make(map[string][]*Subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range sub.topics {
		list := b.subscribers[topic]
		for i, s := range list {
			if s == sub {
				b.subscribers[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}
