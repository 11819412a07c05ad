// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

// Package store implements the attendance record store: two
// independent Postgres projections of the same swipe stream, one
// keyed by session and one by subject, plus the read queries the API
// serves from them.
package store

import "time"

// Record is one attendance fact derived from a validated swipe event.
// The same record is written to both projections. Only accepted events
// become records; rejected events live on the rejection stream.
type Record struct {
	EventID    string    `json:"event_id"`
	SubjectID  string    `json:"subject_id"`
	SessionID  string    `json:"session_id"`
	GateID     string    `json:"gate_id"`
	Action     string    `json:"action"`
	OccurredAt time.Time `json:"occurred_at"`
	Day        string    `json:"day"`
	RecordedAt time.Time `json:"recorded_at"`
}
