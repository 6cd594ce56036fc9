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

// Package reqcontext propagates per-request values (request id, actor,
// HTTP metadata) through context.Context across goroutine boundaries.
// It carries cross-cutting data for audit and authorization only, never
// business inputs.
package reqcontext

import "context"

// ActorKind distinguishes authenticated principal types.
type ActorKind string

const (
	// ActorUser is a human principal.
	ActorUser ActorKind = "user"
	// ActorService is a machine principal.
	ActorService ActorKind = "service"
)

// Actor is an authenticated principal. ID is the invariable identifier
// (the kid for services), distinct from any mutable login name.
type Actor struct {
	// Kind is the principal type.
	Kind ActorKind `json:"kind"`
	// ID is the invariable identifier of the principal.
	ID string `json:"id"`
	// Subject is the optional token subject.
	Subject string `json:"sub,omitempty"`
	// Scopes are the token scopes, if any.
	Scopes []string `json:"scopes,omitempty"`
	// IPAddress is the observed client address.
	IPAddress string `json:"ipAddress,omitempty"`
}

// HTTPMetadata is the request context captured for audit.
type HTTPMetadata struct {
	// Method is the HTTP method.
	Method string `json:"method,omitempty"`
	// Endpoint is the request path.
	Endpoint string `json:"endpoint,omitempty"`
	// Query is the raw query string.
	Query string `json:"query,omitempty"`
	// Headers are the request headers, single-valued.
	Headers map[string]string `json:"headers,omitempty"`
	// Payload is the parsed JSON request body, when present.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type contextKey int

const (
	requestIDKey contextKey = iota
	actorKey
	httpMetadataKey
)

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request id stored in ctx, or an empty string.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithActor returns a context carrying the authenticated actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom returns the actor stored in ctx.
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// ActorID returns the actor id stored in ctx, or an empty string.
func ActorID(ctx context.Context) string {
	actor, _ := ActorFrom(ctx)
	return actor.ID
}

// WithHTTPMetadata returns a context carrying captured HTTP metadata.
func WithHTTPMetadata(ctx context.Context, meta HTTPMetadata) context.Context {
	return context.WithValue(ctx, httpMetadataKey, meta)
}

// HTTPMetadataFrom returns the HTTP metadata stored in ctx.
func HTTPMetadataFrom(ctx context.Context) (HTTPMetadata, bool) {
	meta, ok := ctx.Value(httpMetadataKey).(HTTPMetadata)
	return meta, ok
}
