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

// Package events implements the tamper-evident audit pipeline:
// structured capture of every allow/deny/error decision, redaction,
// asynchronous persistence and the response-capture join.
package events

import (
	"fmt"
	"strings"
	"time"
)

// Result of an audited operation.
const (
	ResultAllow = "allow"
	ResultDeny  = "deny"
	ResultError = "error"
)

// Severity of an audit event.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Well-known audited actions emitted by the core itself.
const (
	ActionLogin            = "LOGIN"
	ActionTokenRefresh     = "TOKEN_REFRESH"
	ActionPermissionDenied = "PERMISSION_DENIED"
	ActionDeviceExchange   = "DEVICE_KEY_EXCHANGE"
)

// AuditEvent is a single persisted audit record. RequestID and ActorKid
// are required; everything else is context dependent.
type AuditEvent struct {
	ID            string                 `json:"id"`
	RequestID     string                 `json:"requestId"`
	At            time.Time              `json:"at"`
	ActorKid      string                 `json:"actorKid"`
	ActorSub      string                 `json:"actorSub,omitempty"`
	Action        string                 `json:"action"`
	Module        string                 `json:"module,omitempty"`
	Result        string                 `json:"result"`
	Reason        string                 `json:"reason,omitempty"`
	ResourceType  string                 `json:"resourceType"`
	ResourceRef   string                 `json:"resourceRef,omitempty"`
	Method        string                 `json:"method,omitempty"`
	Endpoint      string                 `json:"endpoint,omitempty"`
	Query         string                 `json:"query,omitempty"`
	Headers       map[string]string      `json:"headers,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	StatusCode    int                    `json:"statusCode,omitempty"`
	LatencyMs     int64                  `json:"latencyMs,omitempty"`
	Response      interface{}            `json:"response,omitempty"`
	ChangesBefore map[string]interface{} `json:"changesBefore,omitempty"`
	ChangesAfter  map[string]interface{} `json:"changesAfter,omitempty"`
	ErrorCode     string                 `json:"errorCode,omitempty"`
	ErrorMessage  string                 `json:"errorMessage,omitempty"`
	Severity      string                 `json:"severity"`
	Tags          []string               `json:"tags,omitempty"`
}

// ResponseCapture is the payload published on audit.response-captured
// by the response middleware and joined onto pending events.
type ResponseCapture struct {
	RequestID    string            `json:"requestId"`
	StatusCode   int               `json:"statusCode"`
	Response     interface{}       `json:"response,omitempty"`
	ResponseTime int64             `json:"responseTime,omitempty"`
	Method       string            `json:"method,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// RedactedValue replaces values under sensitive keys.
const RedactedValue = "***REDACTED***"

// Unserializable replaces values that cannot be represented, such as
// cyclic structures.
const Unserializable = "[UNSERIALIZABLE]"

// sensitiveKeyParts flags any key containing one of these fragments,
// case insensitively.
var sensitiveKeyParts = []string{"token", "secret", "password", "apikey", "ksn", "pin"}

// maxRedactDepth bounds recursion over nested payloads; anything deeper
// is almost certainly cyclic.
const maxRedactDepth = 32

// Redact applies recursive redaction to every payload-bearing field of
// the event, in place. It must run before persistence.
func (e *AuditEvent) Redact() {
	e.Payload = redactMap(e.Payload, 0)
	e.ChangesBefore = redactMap(e.ChangesBefore, 0)
	e.ChangesAfter = redactMap(e.ChangesAfter, 0)
	e.Response = redactValue(e.Response, 0)
	if e.Headers != nil {
		redacted := make(map[string]string, len(e.Headers))
		for key, value := range e.Headers {
			if isSensitiveKey(key) {
				redacted[key] = RedactedValue
			} else {
				redacted[key] = value
			}
		}
		e.Headers = redacted
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	// Header names use dashes where body fields use camelCase.
	lower = strings.ReplaceAll(lower, "-", "")
	lower = strings.ReplaceAll(lower, "_", "")
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

func redactMap(m map[string]interface{}, depth int) map[string]interface{} {
	if m == nil {
		return nil
	}
	if depth >= maxRedactDepth {
		return map[string]interface{}{"value": Unserializable}
	}
	out := make(map[string]interface{}, len(m))
	for key, value := range m {
		if isSensitiveKey(key) {
			out[key] = RedactedValue
			continue
		}
		out[key] = redactValue(value, depth+1)
	}
	return out
}

func redactValue(v interface{}, depth int) interface{} {
	if depth >= maxRedactDepth {
		return Unserializable
	}
	switch value := v.(type) {
	case map[string]interface{}:
		return redactMap(value, depth)
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = redactValue(item, depth+1)
		}
		return out
	case error:
		// Errors are not JSON serializable; keep name and message.
		return map[string]interface{}{
			"name":    fmt.Sprintf("%T", value),
			"message": value.Error(),
		}
	default:
		return v
	}
}
