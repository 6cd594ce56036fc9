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

package web

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/backoffice"
	"github.com/gravitational/backoffice/lib/eventbus"
	"github.com/gravitational/backoffice/lib/events"
	"github.com/gravitational/backoffice/lib/httplib"
	"github.com/gravitational/backoffice/lib/reqcontext"
)

// publicPaths skip the API key and bearer guards.
var publicPaths = map[string]struct{}{
	"/":                      {},
	"/health":                {},
	"/metrics":               {},
	"/auth/login":            {},
	"/auth/refresh":          {},
	"/.well-known/jwks.json": {},
}

func isPublicPath(path string) bool {
	_, ok := publicPaths[path]
	return ok
}

// capturedHeaders are the request headers recorded for audit.
var capturedHeaders = []string{
	"User-Agent", "Content-Type", "X-Request-Id", "X-Forwarded-For",
}

// maxCapturedResponse bounds the response body copied for the audit
// join.
const maxCapturedResponse = 16 * 1024

// withRequestContext assigns the request id and captures HTTP metadata
// into the request context.
func (h *Handler) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(backoffice.RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := reqcontext.WithRequestID(r.Context(), requestID)

		headers := make(map[string]string, len(capturedHeaders))
		for _, name := range capturedHeaders {
			if value := r.Header.Get(name); value != "" {
				headers[name] = value
			}
		}
		meta := reqcontext.HTTPMetadata{
			Method:   r.Method,
			Endpoint: r.URL.Path,
			Query:    r.URL.RawQuery,
			Headers:  headers,
		}
		if r.Body != nil && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			var payload map[string]interface{}
			var buf bytes.Buffer
			if err := json.NewDecoder(io.TeeReader(r.Body, &buf)).Decode(&payload); err == nil {
				meta.Payload = payload
			}
			r.Body = readCloser{Reader: &buf, closer: r.Body}
		}
		ctx = reqcontext.WithHTTPMetadata(ctx, meta)

		w.Header().Set(backoffice.RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withAPIKey rejects non-public requests without the service API key.
func (h *Handler) withAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(backoffice.APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.cfg.APIKey)) != 1 {
			httplib.Error(w, r, trace.AccessDenied("invalid api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withBearerAuth verifies the bearer token on non-public requests and
// installs the actor into the context.
func (h *Handler) withBearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token, err := bearerToken(r)
		if err != nil {
			httplib.Error(w, r, trace.Wrap(err))
			return
		}
		claims, err := h.cfg.Engine.Verify(r.Context(), token)
		if err != nil {
			httplib.Error(w, r, trace.Wrap(err))
			return
		}
		if claims.IsRefresh() {
			httplib.Error(w, r, trace.AccessDenied("refresh tokens cannot access the API"))
			return
		}
		actor := reqcontext.Actor{
			Kind:      reqcontext.ActorUser,
			ID:        claims.Subject,
			Subject:   claims.Subject,
			Scopes:    claims.Scopes(),
			IPAddress: clientIP(r),
		}
		for _, scope := range actor.Scopes {
			if scope == "service" {
				actor.Kind = reqcontext.ActorService
				break
			}
		}
		ctx := reqcontext.WithActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withResponseCapture snapshots the response for the audit join.
func (h *Handler) withResponseCapture(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := h.cfg.Clock.Now()
		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		requestID := reqcontext.RequestID(r.Context())
		if requestID == "" {
			return
		}
		capture := events.ResponseCapture{
			RequestID:    requestID,
			StatusCode:   recorder.status,
			ResponseTime: h.cfg.Clock.Now().Sub(start).Milliseconds(),
			Method:       r.Method,
			Endpoint:     r.URL.Path,
		}
		var body map[string]interface{}
		if err := json.Unmarshal(recorder.body.Bytes(), &body); err == nil {
			capture.Response = body
		}
		h.cfg.Bus.Emit(eventbus.TopicResponseCaptured, capture)
	})
}

// responseRecorder copies a bounded prefix of the response body.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.body.Len() < maxCapturedResponse {
		remaining := maxCapturedResponse - r.body.Len()
		if remaining > len(p) {
			remaining = len(p)
		}
		r.body.Write(p[:remaining])
	}
	return r.ResponseWriter.Write(p)
}

// readCloser re-serves a consumed body from its buffered copy.
type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r readCloser) Close() error {
	return r.closer.Close()
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", trace.AccessDenied("missing authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", trace.AccessDenied("malformed authorization header")
	}
	return token, nil
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
