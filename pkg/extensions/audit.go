// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"sync"
	"time"
)

// Outcomes of an AuditEvent.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// AuditEvent records one state-changing request.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "tracking.toggle",
//	    UserID:       info.UserID,
//	    Action:       "enable",
//	    ResourceType: "collection",
//	    ResourceID:   "parcels",
//	    Outcome:      OutcomeSuccess,
//	}
type AuditEvent struct {
	// EventType is "category.action", e.g. "tracking.toggle".
	EventType string `json:"event_type"`

	// Timestamp is when the event occurred, in UTC. Log fills a zero value.
	Timestamp time.Time `json:"timestamp"`

	// UserID identifies who acted; "anonymous" before authentication.
	UserID string `json:"user_id"`

	// Action is what was attempted ("enable", "disable", "set", "refresh").
	Action string `json:"action"`

	// ResourceType is "collection", "reference_day" or "stats".
	ResourceType string `json:"resource_type"`

	// ResourceID is the affected resource, if any.
	ResourceID string `json:"resource_id,omitempty"`

	// Outcome is one of the Outcome constants.
	Outcome string `json:"outcome"`

	// Metadata holds event-specific details such as "error" and
	// "request_id".
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuditFilter selects events in Query. Zero fields match everything.
type AuditFilter struct {
	EventType string
	UserID    string
	Outcome   string
	Since     time.Time

	// Limit caps the number of events returned, newest last. Zero means
	// no cap.
	Limit int
}

func (f AuditFilter) matches(e AuditEvent) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// AuditLogger records state-changing requests.
//
// Implementations must be safe for concurrent use by multiple goroutines.
// Log should not block on slow storage.
type AuditLogger interface {
	// Log records event.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns recorded events matching filter, oldest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards event.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return nil
}

// Query returns no events.
func (l *NopAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return nil, nil
}

// MemoryAuditLogger keeps the most recent events in a ring buffer.
//
// Thread Safety:
//
//	Safe for concurrent use.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
	next   int
	full   bool
	now    func() time.Time
}

// DefaultAuditCapacity is used when NewMemoryAuditLogger gets capacity <= 0.
const DefaultAuditCapacity = 256

// NewMemoryAuditLogger creates a logger holding up to capacity events.
func NewMemoryAuditLogger(capacity int) *MemoryAuditLogger {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &MemoryAuditLogger{
		events: make([]AuditEvent, capacity),
		now:    time.Now,
	}
}

// Log stores event, overwriting the oldest one when full.
func (l *MemoryAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[l.next] = event
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
	return nil
}

// Query returns matching events, oldest first. With a Limit, the newest
// Limit matches are returned.
func (l *MemoryAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ordered []AuditEvent
	if l.full {
		ordered = append(ordered, l.events[l.next:]...)
	}
	ordered = append(ordered, l.events[:l.next]...)

	out := make([]AuditEvent, 0, len(ordered))
	for _, e := range ordered {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}
