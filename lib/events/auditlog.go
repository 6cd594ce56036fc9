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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/backoffice/lib/backend"
	"github.com/gravitational/backoffice/lib/defaults"
)

const auditPrefix = "audit"

// Filter narrows an audit log query. Slice fields match any of their
// values; zero fields do not filter.
type Filter struct {
	RequestID     string
	Actions       []string
	ActorKids     []string
	ActorSubs     []string
	ResourceTypes []string
	Results       []string
	Severities    []string
	Methods       []string
	StatusCodes   []int
	From          time.Time
	To            time.Time
	// Search matches a substring of action, endpoint, reason or
	// resource reference, case insensitively.
	Search string
}

// Pagination controls page selection and ordering of query results.
type Pagination struct {
	Page      int
	Limit     int
	SortOrder string
}

// Page is one page of query results.
type Page struct {
	Events     []AuditEvent `json:"events"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
	TotalPages int          `json:"totalPages"`
}

// Summary aggregates the audit log over a filter.
type Summary struct {
	Total      int            `json:"total"`
	ByResult   map[string]int `json:"byResult"`
	BySeverity map[string]int `json:"bySeverity"`
	Earliest   time.Time      `json:"earliest,omitempty"`
	Latest     time.Time      `json:"latest,omitempty"`
}

// Log is the persisted audit log over a storage backend. Event keys
// embed the creation timestamp so range reads return chronological
// order.
type Log struct {
	backend backend.Backend
	clock   clockwork.Clock
}

// NewLog returns an audit log over the given backend.
func NewLog(b backend.Backend) *Log {
	return &Log{backend: b, clock: b.Clock()}
}

// eventKey yields keys that sort chronologically; the uuid suffix keeps
// same-nanosecond events distinct.
func eventKey(at time.Time, id string) []byte {
	return backend.Key(auditPrefix, "events", fmt.Sprintf("%020d_%s", at.UnixNano(), id))
}

// Emit persists one event. The caller is expected to have redacted it.
func (l *Log) Emit(ctx context.Context, event AuditEvent) error {
	if event.RequestID == "" {
		return trace.BadParameter("missing parameter RequestID")
	}
	if event.ActorKid == "" {
		return trace.BadParameter("missing parameter ActorKid")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = l.clock.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityLow
	}
	value, err := json.Marshal(event)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = l.backend.Put(ctx, backend.Item{Key: eventKey(event.At, event.ID), Value: value})
	return trace.Wrap(err)
}

// Update rewrites an already persisted event in place. The event must
// keep its original ID and At, otherwise the record cannot be located.
func (l *Log) Update(ctx context.Context, event AuditEvent) error {
	if event.ID == "" || event.At.IsZero() {
		return trace.BadParameter("event is missing its identity")
	}
	value, err := json.Marshal(event)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = l.backend.Update(ctx, backend.Item{Key: eventKey(event.At, event.ID), Value: value})
	return trace.Wrap(err)
}

// GetEvent fetches a single event by id.
func (l *Log) GetEvent(ctx context.Context, id string) (*AuditEvent, error) {
	events, err := l.scan(ctx, func(e *AuditEvent) bool { return e.ID == id })
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(events) == 0 {
		return nil, trace.NotFound("audit event %q not found", id)
	}
	return &events[0], nil
}

// Query returns the filtered, paginated audit log. Default ordering is
// newest first.
func (l *Log) Query(ctx context.Context, filter Filter, p Pagination) (*Page, error) {
	events, err := l.scan(ctx, filter.matches)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// scan yields ascending key order, which is ascending At.
	if p.SortOrder != "asc" {
		sort.SliceStable(events, func(i, j int) bool { return events[i].At.After(events[j].At) })
	}
	if p.Limit <= 0 {
		p.Limit = defaults.AuditQueryLimit
	}
	if p.Page <= 0 {
		p.Page = 1
	}
	total := len(events)
	totalPages := (total + p.Limit - 1) / p.Limit
	start := (p.Page - 1) * p.Limit
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}
	return &Page{
		Events:     events[start:end],
		Total:      total,
		Page:       p.Page,
		Limit:      p.Limit,
		TotalPages: totalPages,
	}, nil
}

// PendingForRequest returns the most recent events of a request that
// have no status code yet, newest first, capped at limit, looking back
// no further than lookback.
func (l *Log) PendingForRequest(ctx context.Context, requestID string, lookback time.Duration, limit int) ([]AuditEvent, error) {
	cutoff := l.clock.Now().UTC().Add(-lookback)
	events, err := l.scan(ctx, func(e *AuditEvent) bool {
		return e.RequestID == requestID && e.StatusCode == 0 && !e.At.Before(cutoff)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].At.After(events[j].At) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Summarize aggregates the log over the filter.
func (l *Log) Summarize(ctx context.Context, filter Filter) (*Summary, error) {
	events, err := l.scan(ctx, filter.matches)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	summary := &Summary{
		Total:      len(events),
		ByResult:   make(map[string]int),
		BySeverity: make(map[string]int),
	}
	for _, event := range events {
		summary.ByResult[event.Result]++
		summary.BySeverity[event.Severity]++
		if summary.Earliest.IsZero() || event.At.Before(summary.Earliest) {
			summary.Earliest = event.At
		}
		if event.At.After(summary.Latest) {
			summary.Latest = event.At
		}
	}
	return summary, nil
}

// Archive deletes all events strictly older than before and returns the
// number removed.
func (l *Log) Archive(ctx context.Context, before time.Time) (int, error) {
	events, err := l.scan(ctx, func(e *AuditEvent) bool { return e.At.Before(before) })
	if err != nil {
		return 0, trace.Wrap(err)
	}
	for _, event := range events {
		if err := l.backend.Delete(ctx, eventKey(event.At, event.ID)); err != nil && !trace.IsNotFound(err) {
			return 0, trace.Wrap(err)
		}
	}
	return len(events), nil
}

func (l *Log) scan(ctx context.Context, match func(*AuditEvent) bool) ([]AuditEvent, error) {
	startKey := backend.ExactKey(auditPrefix, "events")
	result, err := l.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var events []AuditEvent
	for _, item := range result.Items {
		var event AuditEvent
		if err := json.Unmarshal(item.Value, &event); err != nil {
			return nil, trace.Wrap(err)
		}
		if match == nil || match(&event) {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *Filter) matches(e *AuditEvent) bool {
	if f.RequestID != "" && e.RequestID != f.RequestID {
		return false
	}
	if !matchAny(f.Actions, e.Action) ||
		!matchAny(f.ActorKids, e.ActorKid) ||
		!matchAny(f.ActorSubs, e.ActorSub) ||
		!matchAny(f.ResourceTypes, e.ResourceType) ||
		!matchAny(f.Results, e.Result) ||
		!matchAny(f.Severities, e.Severity) ||
		!matchAny(f.Methods, e.Method) {
		return false
	}
	if len(f.StatusCodes) > 0 {
		found := false
		for _, code := range f.StatusCodes {
			if e.StatusCode == code {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && e.At.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.At.After(f.To) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		haystack := strings.ToLower(strings.Join([]string{e.Action, e.Endpoint, e.Reason, e.ResourceRef, e.ResourceType}, " "))
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

func matchAny(want []string, got string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if w == got {
			return true
		}
	}
	return false
}
