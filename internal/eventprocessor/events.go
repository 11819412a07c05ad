// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

// Package eventprocessor implements the real-time swipe processing
// pipeline: durable JetStream consumption, membership validation,
// dedup claiming, attendance counting, dual-projection persistence,
// and controlled acknowledgment.
package eventprocessor

import (
	"time"

	"github.com/google/uuid"

	"github.com/campusops/turnstile/internal/store"
)

// SchemaVersion is the current event schema version.
// Increment this when making breaking changes to SwipeEvent.
const SchemaVersion = 1

// Action constants for swipe direction.
const (
	// ActionEnter indicates the subject entered through the gate.
	ActionEnter = "enter"
	// ActionExit indicates the subject left through the gate.
	ActionExit = "exit"
)

// SwipeEvent is one identity swipe at a gate. It is the immutable
// unit of work: created by the gate publisher, consumed logically
// once by the processor, never mutated.
type SwipeEvent struct {
	// Schema version for forward/backward compatibility.
	SchemaVersion int `json:"schema_version,omitempty"`

	// EventID is globally unique and is the dedup identity.
	EventID string `json:"event_id"`

	// SubjectID identifies the cardholder being validated.
	SubjectID string `json:"subject_id"`

	// SessionID identifies the lecture or class.
	SessionID string `json:"session_id"`

	// GateID identifies the physical reader.
	GateID string `json:"gate_id"`

	// OccurredAt is the swipe time in UTC.
	OccurredAt time.Time `json:"occurred_at"`

	// Action is enter or exit.
	Action string `json:"action"`
}

// NewSwipeEvent creates an event with a unique ID, timestamp, and
// schema version.
func NewSwipeEvent(subjectID, sessionID, gateID, action string) *SwipeEvent {
	return &SwipeEvent{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.New().String(),
		SubjectID:     subjectID,
		SessionID:     sessionID,
		GateID:        gateID,
		OccurredAt:    time.Now().UTC(),
		Action:        action,
	}
}

// Validate checks required fields and returns an error if validation
// fails.
func (e *SwipeEvent) Validate() error {
	if e.EventID == "" {
		return &ValidationError{Field: "event_id", Message: "required"}
	}
	if e.SubjectID == "" {
		return &ValidationError{Field: "subject_id", Message: "required"}
	}
	if e.SessionID == "" {
		return &ValidationError{Field: "session_id", Message: "required"}
	}
	if e.OccurredAt.IsZero() {
		return &ValidationError{Field: "occurred_at", Message: "required"}
	}
	if e.Action != ActionEnter && e.Action != ActionExit {
		return &ValidationError{Field: "action", Message: "must be enter or exit"}
	}
	return nil
}

// Day returns the UTC date partition key for this event.
func (e *SwipeEvent) Day() string {
	return e.OccurredAt.UTC().Format("2006-01-02")
}

// Topic returns the NATS subject for this event.
// Format: swipes.<gate_id>
func (e *SwipeEvent) Topic() string {
	gate := e.GateID
	if gate == "" {
		gate = "unknown"
	}
	return "swipes." + gate
}

// Record converts the validated event into its canonical attendance
// record.
func (e *SwipeEvent) Record() *store.Record {
	return &store.Record{
		EventID:    e.EventID,
		SubjectID:  e.SubjectID,
		SessionID:  e.SessionID,
		GateID:     e.GateID,
		Action:     e.Action,
		OccurredAt: e.OccurredAt.UTC(),
		Day:        e.Day(),
		RecordedAt: time.Now().UTC(),
	}
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
