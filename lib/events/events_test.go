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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/backoffice/lib/backend/memory"
	"github.com/gravitational/backoffice/lib/eventbus"
	"github.com/gravitational/backoffice/lib/reqcontext"
)

func newTestLog(t *testing.T, clock clockwork.Clock) *Log {
	t.Helper()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	return NewLog(bk)
}

func TestRedaction(t *testing.T) {
	event := AuditEvent{
		Payload: map[string]interface{}{
			"amount":   100,
			"password": "hunter2",
			"card": map[string]interface{}{
				"pin":  "1234",
				"last": "4242",
			},
			"items": []interface{}{
				map[string]interface{}{"apiKey": "k", "name": "n"},
			},
		},
		Headers: map[string]string{
			"x-api-key":     "secret-key",
			"authorization": "Bearer abc",
			"x-request-id":  "r1",
			"access_token":  "t",
		},
	}
	event.Redact()

	require.Equal(t, 100, event.Payload["amount"])
	require.Equal(t, RedactedValue, event.Payload["password"])
	card := event.Payload["card"].(map[string]interface{})
	require.Equal(t, RedactedValue, card["pin"])
	require.Equal(t, "4242", card["last"])
	item := event.Payload["items"].([]interface{})[0].(map[string]interface{})
	require.Equal(t, RedactedValue, item["apiKey"])
	require.Equal(t, "n", item["name"])
	require.Equal(t, RedactedValue, event.Headers["x-api-key"])
	require.Equal(t, RedactedValue, event.Headers["access_token"])
	require.Equal(t, "r1", event.Headers["x-request-id"])
	// Authorization header survives: redaction keys on name fragments.
	require.Equal(t, "Bearer abc", event.Headers["authorization"])
}

func TestRedactionDepthBound(t *testing.T) {
	deepest := map[string]interface{}{"leaf": "v"}
	current := deepest
	for i := 0; i < maxRedactDepth+4; i++ {
		current = map[string]interface{}{"next": current}
	}
	event := AuditEvent{Payload: current}
	require.NotPanics(t, event.Redact)
}

func TestLogEmitAndQuery(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	log := newTestLog(t, clock)

	for i, result := range []string{ResultAllow, ResultDeny, ResultAllow} {
		require.NoError(t, log.Emit(ctx, AuditEvent{
			RequestID:    "req-1",
			ActorKid:     "kid-1",
			Action:       "USER_UPDATE",
			ResourceType: "users",
			Result:       result,
			Severity:     SeverityLow,
			At:           clock.Now().Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, log.Emit(ctx, AuditEvent{
		RequestID:    "req-2",
		ActorKid:     "kid-2",
		Action:       "LOGIN",
		ResourceType: "auth",
		Result:       ResultAllow,
		Severity:     SeverityMedium,
	}))

	page, err := log.Query(ctx, Filter{}, Pagination{})
	require.NoError(t, err)
	require.Equal(t, 4, page.Total)
	// Default ordering is newest first.
	require.False(t, page.Events[0].At.Before(page.Events[1].At))

	page, err = log.Query(ctx, Filter{Results: []string{ResultDeny}}, Pagination{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Equal(t, "USER_UPDATE", page.Events[0].Action)

	page, err = log.Query(ctx, Filter{ActorKids: []string{"kid-2"}, Search: "login"}, Pagination{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)

	page, err = log.Query(ctx, Filter{}, Pagination{Page: 2, Limit: 3})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	require.Equal(t, 2, page.TotalPages)
}

func TestLogEmitRequiresIdentity(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t, clockwork.NewFakeClock())
	require.Error(t, log.Emit(ctx, AuditEvent{ActorKid: "k"}))
	require.Error(t, log.Emit(ctx, AuditEvent{RequestID: "r"}))
}

func TestLogSummarizeAndArchive(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	log := newTestLog(t, clock)

	old := clock.Now().Add(-48 * time.Hour)
	require.NoError(t, log.Emit(ctx, AuditEvent{
		RequestID: "r1", ActorKid: "k", Action: "A", ResourceType: "t",
		Result: ResultAllow, Severity: SeverityLow, At: old,
	}))
	require.NoError(t, log.Emit(ctx, AuditEvent{
		RequestID: "r2", ActorKid: "k", Action: "B", ResourceType: "t",
		Result: ResultDeny, Severity: SeverityHigh,
	}))

	summary, err := log.Summarize(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 1, summary.ByResult[ResultDeny])
	require.Equal(t, 1, summary.BySeverity[SeverityHigh])
	require.Equal(t, old, summary.Earliest)

	removed, err := log.Archive(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	summary, err = log.Summarize(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Total)
}

func newTestPipeline(t *testing.T) (*Pipeline, *Log, *eventbus.Bus) {
	t.Helper()
	log := newTestLog(t, clockwork.NewRealClock())
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	pipeline, err := NewPipeline(PipelineConfig{
		Log:      log,
		Bus:      bus,
		JoinWait: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(pipeline.Close)
	return pipeline, log, bus
}

func TestPipelineRecord(t *testing.T) {
	pipeline, log, _ := newTestPipeline(t)

	ctx := reqcontext.WithRequestID(context.Background(), "req-42")
	ctx = reqcontext.WithActor(ctx, reqcontext.Actor{Kind: reqcontext.ActorUser, ID: "user-1", Subject: "alice"})
	ctx = reqcontext.WithHTTPMetadata(ctx, reqcontext.HTTPMetadata{
		Method:   "POST",
		Endpoint: "/users",
		Payload:  map[string]interface{}{"password": "hunter2", "fullname": "Alice"},
	})
	pipeline.LogAllow(ctx, "USER_CREATE", "users", "user-9")

	require.Eventually(t, func() bool {
		page, err := log.Query(context.Background(), Filter{RequestID: "req-42"}, Pagination{})
		return err == nil && page.Total == 1
	}, 2*time.Second, 10*time.Millisecond)

	page, err := log.Query(context.Background(), Filter{RequestID: "req-42"}, Pagination{})
	require.NoError(t, err)
	event := page.Events[0]
	require.Equal(t, "user-1", event.ActorKid)
	require.Equal(t, "alice", event.ActorSub)
	require.Equal(t, ResultAllow, event.Result)
	require.Equal(t, "POST", event.Method)
	require.Equal(t, RedactedValue, event.Payload["password"])
	require.Equal(t, "Alice", event.Payload["fullname"])
}

func TestPipelineAnonymousActor(t *testing.T) {
	pipeline, log, _ := newTestPipeline(t)

	ctx := reqcontext.WithRequestID(context.Background(), "req-anon")
	pipeline.LogDeny(ctx, "LOGIN", "auth", "", "bad credentials")

	require.Eventually(t, func() bool {
		page, err := log.Query(context.Background(), Filter{RequestID: "req-anon"}, Pagination{})
		return err == nil && page.Total == 1 && page.Events[0].ActorKid == "anonymous"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPipelineBusIngest(t *testing.T) {
	_, log, bus := newTestPipeline(t)

	bus.Emit(eventbus.TopicAuditEventCreated, AuditEvent{
		RequestID:    "req-bus",
		ActorKid:     "svc-1",
		Action:       ActionPermissionDenied,
		ResourceType: "authorization",
		Result:       ResultDeny,
		Severity:     SeverityHigh,
		Payload:      map[string]interface{}{"secretRef": "v"},
	})

	require.Eventually(t, func() bool {
		page, err := log.Query(context.Background(), Filter{RequestID: "req-bus"}, Pagination{})
		return err == nil && page.Total == 1
	}, 2*time.Second, 10*time.Millisecond)

	page, err := log.Query(context.Background(), Filter{RequestID: "req-bus"}, Pagination{})
	require.NoError(t, err)
	require.Equal(t, ActionPermissionDenied, page.Events[0].Action)
	require.Equal(t, RedactedValue, page.Events[0].Payload["secretRef"])
}

func TestPipelineResponseJoin(t *testing.T) {
	pipeline, log, bus := newTestPipeline(t)

	ctx := reqcontext.WithRequestID(context.Background(), "req-join")
	pipeline.LogAllow(ctx, "ROLE_UPDATE", "roles", "admin")

	require.Eventually(t, func() bool {
		page, err := log.Query(context.Background(), Filter{RequestID: "req-join"}, Pagination{})
		return err == nil && page.Total == 1
	}, 2*time.Second, 10*time.Millisecond)

	bus.Emit(eventbus.TopicResponseCaptured, ResponseCapture{
		RequestID:    "req-join",
		StatusCode:   200,
		Response:     map[string]interface{}{"ok": true, "token": "jwt"},
		ResponseTime: 12,
	})

	require.Eventually(t, func() bool {
		page, err := log.Query(context.Background(), Filter{RequestID: "req-join"}, Pagination{})
		return err == nil && page.Total == 1 && page.Events[0].StatusCode == 200
	}, 2*time.Second, 10*time.Millisecond)

	page, err := log.Query(context.Background(), Filter{RequestID: "req-join"}, Pagination{})
	require.NoError(t, err)
	event := page.Events[0]
	require.EqualValues(t, 12, event.LatencyMs)
	response := event.Response.(map[string]interface{})
	require.Equal(t, RedactedValue, response["token"])

	// A second capture with the same request id finds nothing pending.
	bus.Emit(eventbus.TopicResponseCaptured, ResponseCapture{RequestID: "req-join", StatusCode: 500})
	time.Sleep(50 * time.Millisecond)
	page, err = log.Query(context.Background(), Filter{RequestID: "req-join"}, Pagination{})
	require.NoError(t, err)
	require.Equal(t, 200, page.Events[0].StatusCode)
}
