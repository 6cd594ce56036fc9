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

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/backoffice"
	"github.com/gravitational/backoffice/lib/defaults"
	"github.com/gravitational/backoffice/lib/eventbus"
	"github.com/gravitational/backoffice/lib/reqcontext"
)

var (
	auditEventsPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_persisted_total",
		Help: "Number of audit events written to the log",
	})
	auditEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_dropped_total",
		Help: "Number of audit events dropped because the queue was full",
	})
	auditPersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_persist_failures_total",
		Help: "Number of audit events that failed to persist",
	})
)

func init() {
	prometheus.MustRegister(auditEventsPersisted, auditEventsDropped, auditPersistFailures)
}

// PipelineConfig configures the audit pipeline.
type PipelineConfig struct {
	// Log is the persisted audit log.
	Log *Log
	// Bus carries audit.event-created ingests and response captures.
	Bus *eventbus.Bus
	// Clock overrides time source, used in tests.
	Clock clockwork.Clock
	// QueueSize bounds the in-flight event queue.
	QueueSize int
	// PersistTimeout bounds a single log write.
	PersistTimeout time.Duration
	// JoinWait is how long a response capture waits for its events to
	// land before joining.
	JoinWait time.Duration
	// JoinLookback bounds how far back the join looks for events.
	JoinLookback time.Duration
	// JoinLimit caps how many events one capture may update.
	JoinLimit int
	// Logger is the logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *PipelineConfig) CheckAndSetDefaults() error {
	if c.Log == nil {
		return trace.BadParameter("missing parameter Log")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.AuditQueueSize
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = defaults.AuditPersistTimeout
	}
	if c.JoinWait <= 0 {
		c.JoinWait = defaults.AuditJoinWait
	}
	if c.JoinLookback <= 0 {
		c.JoinLookback = defaults.AuditJoinLookback
	}
	if c.JoinLimit <= 0 {
		c.JoinLimit = defaults.AuditJoinLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(backoffice.ComponentKey, backoffice.ComponentAudit)
	}
	return nil
}

// Pipeline accepts audit events without blocking callers and persists
// them asynchronously. It also consumes audit.event-created records
// published by other components and joins response captures onto
// pending events of the same request.
type Pipeline struct {
	cfg   PipelineConfig
	queue chan AuditEvent
	sub   *eventbus.Subscription
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPipeline starts the pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Pipeline{
		cfg:   cfg,
		queue: make(chan AuditEvent, cfg.QueueSize),
		sub:   cfg.Bus.Subscribe(eventbus.TopicAuditEventCreated, eventbus.TopicResponseCaptured),
		done:  make(chan struct{}),
	}
	p.wg.Add(2)
	go p.persistLoop()
	go p.consumeLoop()
	return p, nil
}

// Record enqueues an event for persistence, filling request metadata
// from ctx. It never blocks: a full queue drops the event with a
// warning.
func (p *Pipeline) Record(ctx context.Context, event AuditEvent) {
	p.fillFromContext(ctx, &event)
	event.Redact()
	p.enqueue(event)
}

// LogAllow records a successful operation.
func (p *Pipeline) LogAllow(ctx context.Context, action, resourceType, resourceRef string) {
	p.Record(ctx, AuditEvent{
		Action:       action,
		ResourceType: resourceType,
		ResourceRef:  resourceRef,
		Result:       ResultAllow,
		Severity:     SeverityLow,
	})
}

// LogDeny records a denied operation.
func (p *Pipeline) LogDeny(ctx context.Context, action, resourceType, resourceRef, reason string) {
	p.Record(ctx, AuditEvent{
		Action:       action,
		ResourceType: resourceType,
		ResourceRef:  resourceRef,
		Result:       ResultDeny,
		Reason:       reason,
		Severity:     SeverityHigh,
	})
}

// LogError records a failed operation.
func (p *Pipeline) LogError(ctx context.Context, action, resourceType string, opErr error) {
	event := AuditEvent{
		Action:       action,
		ResourceType: resourceType,
		Result:       ResultError,
		Severity:     SeverityMedium,
	}
	if opErr != nil {
		event.ErrorMessage = opErr.Error()
	}
	p.Record(ctx, event)
}

// Close stops the pipeline after draining queued events.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.done)
	p.sub.Close()
	close(p.queue)
	p.wg.Wait()
}

func (p *Pipeline) fillFromContext(ctx context.Context, event *AuditEvent) {
	if event.RequestID == "" {
		event.RequestID = reqcontext.RequestID(ctx)
	}
	if event.ActorKid == "" {
		if actor, ok := reqcontext.ActorFrom(ctx); ok {
			event.ActorKid = actor.ID
			event.ActorSub = actor.Subject
		} else {
			event.ActorKid = "anonymous"
		}
	}
	if meta, ok := reqcontext.HTTPMetadataFrom(ctx); ok {
		if event.Method == "" {
			event.Method = meta.Method
		}
		if event.Endpoint == "" {
			event.Endpoint = meta.Endpoint
		}
		if event.Query == "" {
			event.Query = meta.Query
		}
		if event.Headers == nil {
			event.Headers = meta.Headers
		}
		if event.Payload == nil {
			event.Payload = meta.Payload
		}
	}
	if event.At.IsZero() {
		event.At = p.cfg.Clock.Now().UTC()
	}
}

func (p *Pipeline) enqueue(event AuditEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- event:
	default:
		auditEventsDropped.Inc()
		p.cfg.Logger.Warn("audit queue full, dropping event",
			"action", event.Action, "request_id", event.RequestID)
	}
}

func (p *Pipeline) persistLoop() {
	defer p.wg.Done()
	for event := range p.queue {
		p.persist(event)
	}
}

// persist writes one event under its own deadline, detached from any
// request context so cancellation cannot lose audit records.
func (p *Pipeline) persist(event AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PersistTimeout)
	defer cancel()
	if err := p.cfg.Log.Emit(ctx, event); err != nil {
		auditPersistFailures.Inc()
		p.cfg.Logger.Error("failed to persist audit event",
			"error", err, "action", event.Action, "request_id", event.RequestID)
		return
	}
	auditEventsPersisted.Inc()
}

func (p *Pipeline) consumeLoop() {
	defer p.wg.Done()
	for busEvent := range p.sub.Events() {
		switch busEvent.Topic {
		case eventbus.TopicAuditEventCreated:
			p.ingest(busEvent.Payload)
		case eventbus.TopicResponseCaptured:
			if capture, ok := busEvent.Payload.(ResponseCapture); ok {
				p.wg.Add(1)
				go p.join(capture)
			}
		}
	}
}

// ingest accepts audit records published on the bus by components that
// must not depend on this package directly.
func (p *Pipeline) ingest(payload interface{}) {
	var event AuditEvent
	switch value := payload.(type) {
	case AuditEvent:
		event = value
	case *AuditEvent:
		if value == nil {
			return
		}
		event = *value
	default:
		p.cfg.Logger.Warn("dropping audit ingest with unexpected payload type")
		return
	}
	if event.At.IsZero() {
		event.At = p.cfg.Clock.Now().UTC()
	}
	event.Redact()
	p.enqueue(event)
}

// join waits briefly for the request's events to land, then stamps the
// captured response onto the most recent ones that have no status yet.
func (p *Pipeline) join(capture ResponseCapture) {
	defer p.wg.Done()
	if capture.RequestID == "" {
		return
	}
	select {
	case <-p.cfg.Clock.After(p.cfg.JoinWait):
	case <-p.done:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PersistTimeout)
	defer cancel()
	pending, err := p.cfg.Log.PendingForRequest(ctx, capture.RequestID, p.cfg.JoinLookback, p.cfg.JoinLimit)
	if err != nil {
		p.cfg.Logger.Error("response join query failed", "error", err, "request_id", capture.RequestID)
		return
	}
	for _, event := range pending {
		event.StatusCode = capture.StatusCode
		event.Response = redactValue(capture.Response, 0)
		if event.LatencyMs == 0 {
			event.LatencyMs = capture.ResponseTime
		}
		if event.Method == "" {
			event.Method = capture.Method
		}
		if event.Endpoint == "" {
			event.Endpoint = capture.Endpoint
		}
		if err := p.cfg.Log.Update(ctx, event); err != nil {
			p.cfg.Logger.Error("response join update failed", "error", err, "event_id", event.ID)
		}
	}
}
