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

package authz

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/backoffice"
	"github.com/gravitational/backoffice/lib/eventbus"
	"github.com/gravitational/backoffice/lib/events"
	"github.com/gravitational/backoffice/lib/reqcontext"
)

// ErrPermissionDenied is the stable denial code surfaced to clients.
var ErrPermissionDenied = errors.New("PERMISSION_DENIED")

var authzDenials = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "authz_denials_total",
	Help: "Number of denied authorization checks",
})

func init() {
	prometheus.MustRegister(authzDenials)
}

// GuardConfig configures the permission guard.
type GuardConfig struct {
	// Resolver resolves actor permission views.
	Resolver *Resolver
	// Bus receives denial audit records. The guard never calls the
	// audit pipeline directly.
	Bus *eventbus.Bus
	// Clock overrides time source, used in tests.
	Clock clockwork.Clock
	// Logger is the logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *GuardConfig) CheckAndSetDefaults() error {
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(backoffice.ComponentKey, backoffice.ComponentAuthz)
	}
	return nil
}

// Guard enforces permission requirements. Unknown permission indicators
// simply never match, so denial is the default for any mistake.
type Guard struct {
	cfg GuardConfig
}

// NewGuard returns a guard.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Guard{cfg: cfg}, nil
}

// Check requires the actor in ctx to hold every listed permission. An
// empty requirement list means the operation is public. Denials publish
// a high severity audit record before returning.
func (g *Guard) Check(ctx context.Context, required ...string) error {
	if len(required) == 0 {
		return nil
	}
	actor, ok := reqcontext.ActorFrom(ctx)
	if !ok {
		g.deny(ctx, reqcontext.Actor{}, required, required, "no authenticated actor")
		return trace.Wrap(ErrPermissionDenied, "request has no authenticated actor")
	}
	view := g.cfg.Resolver.Resolve(ctx, actor)
	var missing []string
	for _, permission := range required {
		if !view.Allows(permission) {
			missing = append(missing, permission)
		}
	}
	if len(missing) > 0 {
		g.deny(ctx, actor, required, missing, "missing permissions: "+strings.Join(missing, ", "))
		return trace.Wrap(ErrPermissionDenied, "access denied to %v", missing)
	}
	return nil
}

// CheckAny requires at least one of the listed permissions.
func (g *Guard) CheckAny(ctx context.Context, anyOf ...string) error {
	if len(anyOf) == 0 {
		return nil
	}
	actor, ok := reqcontext.ActorFrom(ctx)
	if !ok {
		g.deny(ctx, reqcontext.Actor{}, anyOf, anyOf, "no authenticated actor")
		return trace.Wrap(ErrPermissionDenied, "request has no authenticated actor")
	}
	view := g.cfg.Resolver.Resolve(ctx, actor)
	for _, permission := range anyOf {
		if view.Allows(permission) {
			return nil
		}
	}
	g.deny(ctx, actor, anyOf, anyOf, "missing all of: "+strings.Join(anyOf, ", "))
	return trace.Wrap(ErrPermissionDenied, "access denied, requires one of %v", anyOf)
}

func (g *Guard) deny(ctx context.Context, actor reqcontext.Actor, required, missing []string, reason string) {
	authzDenials.Inc()
	actorKid := actor.ID
	if actorKid == "" {
		actorKid = "anonymous"
	}
	event := events.AuditEvent{
		RequestID:    reqcontext.RequestID(ctx),
		At:           g.cfg.Clock.Now().UTC(),
		ActorKid:     actorKid,
		ActorSub:     actor.Subject,
		Action:       events.ActionPermissionDenied,
		ResourceType: "authorization",
		Result:       events.ResultDeny,
		Reason:       reason,
		Severity:     events.SeverityHigh,
		Payload: map[string]interface{}{
			"required": required,
			"missing":  missing,
		},
	}
	if meta, ok := reqcontext.HTTPMetadataFrom(ctx); ok {
		event.Method = meta.Method
		event.Endpoint = meta.Endpoint
	}
	if event.RequestID == "" {
		event.RequestID = "unknown"
	}
	g.cfg.Bus.Emit(eventbus.TopicAuditEventCreated, event)
	g.cfg.Logger.InfoContext(ctx, "authorization denied",
		"actor_kid", actorKid, "reason", reason)
}
