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

// Package httplib shapes HTTP responses: a uniform JSON envelope and
// the mapping from internal errors to status codes and stable error
// codes.
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gravitational/trace"

	"github.com/gravitational/backoffice/lib/authz"
	"github.com/gravitational/backoffice/lib/devicetrust"
	"github.com/gravitational/backoffice/lib/jwt"
	"github.com/gravitational/backoffice/lib/reqcontext"
)

// maxBodyBytes bounds request bodies accepted by ReadJSON.
const maxBodyBytes = 1 << 20

// Envelope is the uniform response shape of every endpoint.
type Envelope struct {
	OK         bool         `json:"ok"`
	StatusCode int          `json:"statusCode"`
	Data       interface{}  `json:"data,omitempty"`
	Errors     []ErrorEntry `json:"errors,omitempty"`
	Message    string       `json:"message,omitempty"`
	Meta       *Meta        `json:"meta,omitempty"`
}

// ErrorEntry is a single error with a stable machine code.
type ErrorEntry struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta carries response metadata.
type Meta struct {
	RequestID  string      `json:"requestId,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Pagination reports the page shape of list responses.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// OK writes a 200 envelope with data.
func OK(w http.ResponseWriter, r *http.Request, data interface{}) {
	WriteEnvelope(w, r, http.StatusOK, Envelope{OK: true, Data: data})
}

// Created writes a 201 envelope with data.
func Created(w http.ResponseWriter, r *http.Request, data interface{}) {
	WriteEnvelope(w, r, http.StatusCreated, Envelope{OK: true, Data: data})
}

// OKPage writes a 200 envelope with data and pagination metadata.
func OKPage(w http.ResponseWriter, r *http.Request, data interface{}, page Pagination) {
	WriteEnvelope(w, r, http.StatusOK, Envelope{
		OK:   true,
		Data: data,
		Meta: &Meta{Pagination: &page},
	})
}

// WriteEnvelope finalizes and writes the envelope. The request id from
// the request context always rides along.
func WriteEnvelope(w http.ResponseWriter, r *http.Request, status int, envelope Envelope) {
	envelope.StatusCode = status
	if requestID := reqcontext.RequestID(r.Context()); requestID != "" {
		if envelope.Meta == nil {
			envelope.Meta = &Meta{}
		}
		envelope.Meta.RequestID = requestID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}

// Error maps err to its HTTP status and stable code and writes the
// error envelope.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	status, code := MapError(err)
	message := trace.UserMessage(err)
	WriteEnvelope(w, r, status, Envelope{
		OK:      false,
		Message: message,
		Errors:  []ErrorEntry{{Code: code, Message: message}},
	})
}

// MapError resolves an error to its HTTP status and stable error code.
// Sentinel codes win over trace classes so that, for example, a denial
// wrapped in AccessDenied still surfaces PERMISSION_DENIED.
func MapError(err error) (status int, code string) {
	switch {
	case errors.Is(err, authz.ErrPermissionDenied):
		return http.StatusForbidden, "PERMISSION_DENIED"
	// A replayed jti is just another invalid token to the caller; the
	// distinct replay cause stays in logs and audit only.
	case errors.Is(err, jwt.ErrReplayDetected):
		return http.StatusUnauthorized, "JWT_INVALID"
	case errors.Is(err, jwt.ErrInvalidToken):
		return http.StatusUnauthorized, "JWT_INVALID"
	case errors.Is(err, jwt.ErrRegistrationFailed):
		return http.StatusInternalServerError, "JTI_REGISTRATION_FAILED"
	case errors.Is(err, jwt.ErrSignFailed):
		return http.StatusInternalServerError, "JWT_SIGN_FAILED"
	case errors.Is(err, jwt.ErrNoActiveKey):
		return http.StatusServiceUnavailable, "NO_ACTIVE_KEY"
	case errors.Is(err, devicetrust.ErrInvalidDeviceKey):
		return http.StatusBadRequest, "DEVICE_KEY_INVALID"
	case errors.Is(err, devicetrust.ErrDeviceLimitReached):
		return http.StatusConflict, "DEVICE_LIMIT_REACHED"
	case errors.Is(err, devicetrust.ErrDeviceNotActive):
		return http.StatusConflict, "DEVICE_NOT_ACTIVE"
	case trace.IsNotFound(err):
		return http.StatusNotFound, "NOT_FOUND"
	case trace.IsAlreadyExists(err):
		return http.StatusConflict, "ALREADY_EXISTS"
	case trace.IsBadParameter(err):
		return http.StatusBadRequest, "BAD_REQUEST"
	case trace.IsAccessDenied(err):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests, "LIMIT_EXCEEDED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// ReadJSON decodes a bounded JSON request body into out.
func ReadJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(body)
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return trace.BadParameter("request body is empty")
		}
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}
