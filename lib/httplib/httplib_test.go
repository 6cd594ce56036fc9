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

package httplib

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/backoffice/lib/authz"
	"github.com/gravitational/backoffice/lib/devicetrust"
	"github.com/gravitational/backoffice/lib/jwt"
	"github.com/gravitational/backoffice/lib/reqcontext"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "permission denied", err: trace.Wrap(authz.ErrPermissionDenied), wantStatus: 403, wantCode: "PERMISSION_DENIED"},
		{name: "replay surfaces as invalid token", err: trace.Wrap(jwt.ErrReplayDetected), wantStatus: 401, wantCode: "JWT_INVALID"},
		{name: "invalid token", err: trace.Wrap(jwt.ErrInvalidToken, "kid missing"), wantStatus: 401, wantCode: "JWT_INVALID"},
		{name: "no active key", err: trace.Wrap(jwt.ErrNoActiveKey), wantStatus: 503, wantCode: "NO_ACTIVE_KEY"},
		{name: "device limit", err: trace.Wrap(devicetrust.ErrDeviceLimitReached), wantStatus: 409, wantCode: "DEVICE_LIMIT_REACHED"},
		{name: "bad device key", err: trace.Wrap(devicetrust.ErrInvalidDeviceKey), wantStatus: 400, wantCode: "DEVICE_KEY_INVALID"},
		{name: "not found", err: trace.NotFound("role %q not found", "x"), wantStatus: 404, wantCode: "NOT_FOUND"},
		{name: "already exists", err: trace.AlreadyExists("dup"), wantStatus: 409, wantCode: "ALREADY_EXISTS"},
		{name: "bad parameter", err: trace.BadParameter("bad"), wantStatus: 400, wantCode: "BAD_REQUEST"},
		{name: "access denied", err: trace.AccessDenied("invalid credentials"), wantStatus: 401, wantCode: "UNAUTHORIZED"},
		{name: "unknown", err: trace.Errorf("boom"), wantStatus: 500, wantCode: "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := MapError(tt.err)
			require.Equal(t, tt.wantStatus, status)
			require.Equal(t, tt.wantCode, code)
		})
	}
}

func TestEnvelopeCarriesRequestID(t *testing.T) {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/roles", nil)
	request = request.WithContext(reqcontext.WithRequestID(request.Context(), "req-1"))

	OK(recorder, request, map[string]string{"hello": "world"})

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "application/json", recorder.Header().Get("Content-Type"))
	var envelope Envelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	require.True(t, envelope.OK)
	require.Equal(t, 200, envelope.StatusCode)
	require.Equal(t, "req-1", envelope.Meta.RequestID)
}

func TestErrorEnvelope(t *testing.T) {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/roles/x", nil)

	Error(recorder, request, trace.NotFound("role %q not found", "x"))

	require.Equal(t, http.StatusNotFound, recorder.Code)
	var envelope Envelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	require.False(t, envelope.OK)
	require.Len(t, envelope.Errors, 1)
	require.Equal(t, "NOT_FOUND", envelope.Errors[0].Code)
}

func TestReadJSON(t *testing.T) {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/roles", strings.NewReader(`{"key":"auditor"}`))
	var body struct {
		Key string `json:"key"`
	}
	require.NoError(t, ReadJSON(recorder, request, &body))
	require.Equal(t, "auditor", body.Key)

	empty := httptest.NewRequest(http.MethodPost, "/roles", strings.NewReader(""))
	require.Error(t, ReadJSON(recorder, empty, &body))

	malformed := httptest.NewRequest(http.MethodPost, "/roles", strings.NewReader("{"))
	require.Error(t, ReadJSON(recorder, malformed, &body))
}
