// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package eventprocessor

import (
	"testing"
	"time"
)

func TestSwipeEvent_Validate(t *testing.T) {
	valid := func() *SwipeEvent {
		return NewSwipeEvent("subject-1", "CS101-L1", "gate-north", ActionEnter)
	}

	cases := []struct {
		name    string
		mutate  func(*SwipeEvent)
		wantErr bool
		field   string
	}{
		{"valid enter", func(e *SwipeEvent) {}, false, ""},
		{"valid exit", func(e *SwipeEvent) { e.Action = ActionExit }, false, ""},
		{"missing event_id", func(e *SwipeEvent) { e.EventID = "" }, true, "event_id"},
		{"missing subject_id", func(e *SwipeEvent) { e.SubjectID = "" }, true, "subject_id"},
		{"missing session_id", func(e *SwipeEvent) { e.SessionID = "" }, true, "session_id"},
		{"zero occurred_at", func(e *SwipeEvent) { e.OccurredAt = time.Time{} }, true, "occurred_at"},
		{"bad action", func(e *SwipeEvent) { e.Action = "loiter" }, true, "action"},
		{"empty action", func(e *SwipeEvent) { e.Action = "" }, true, "action"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := valid()
			tc.mutate(e)
			err := e.Validate()
			if tc.wantErr {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				var verr *ValidationError
				if !asValidationError(err, &verr) {
					t.Fatalf("error type %T, want *ValidationError", err)
				}
				if verr.Field != tc.field {
					t.Errorf("Field = %q, want %q", verr.Field, tc.field)
				}
			} else if err != nil {
				t.Errorf("Validate() error: %v", err)
			}
		})
	}
}

func asValidationError(err error, target **ValidationError) bool {
	v, ok := err.(*ValidationError)
	if ok {
		*target = v
	}
	return ok
}

func TestSwipeEvent_Day(t *testing.T) {
	e := NewSwipeEvent("subject-1", "CS101-L1", "gate-north", ActionEnter)

	// Day partitions in UTC even when the timestamp carries an offset
	loc := time.FixedZone("UTC+10", 10*3600)
	e.OccurredAt = time.Date(2026, 9, 2, 5, 30, 0, 0, loc) // 2026-09-01T19:30Z

	if got := e.Day(); got != "2026-09-01" {
		t.Errorf("Day() = %q, want %q", got, "2026-09-01")
	}
}

func TestSwipeEvent_Topic(t *testing.T) {
	e := NewSwipeEvent("subject-1", "CS101-L1", "gate-north", ActionEnter)
	if got := e.Topic(); got != "swipes.gate-north" {
		t.Errorf("Topic() = %q", got)
	}

	e.GateID = ""
	if got := e.Topic(); got != "swipes.unknown" {
		t.Errorf("Topic() = %q for empty gate", got)
	}
}

func TestSwipeEvent_Record(t *testing.T) {
	e := NewSwipeEvent("subject-1", "CS101-L1", "gate-north", ActionEnter)
	rec := e.Record()

	if rec.EventID != e.EventID || rec.SubjectID != e.SubjectID || rec.SessionID != e.SessionID {
		t.Error("Record() lost identity fields")
	}
	if rec.Day != e.Day() {
		t.Errorf("Record Day = %q, want %q", rec.Day, e.Day())
	}
	if rec.RecordedAt.IsZero() {
		t.Error("RecordedAt not set")
	}
	if rec.OccurredAt.Location() != time.UTC {
		t.Error("OccurredAt not normalized to UTC")
	}
}

func TestSerializer_RoundTrip(t *testing.T) {
	s := NewSerializer()
	e := NewSwipeEvent("subject-1", "CS101-L1", "gate-north", ActionEnter)

	data, err := s.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	decoded, err := s.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if decoded.EventID != e.EventID || decoded.Action != e.Action {
		t.Errorf("round-trip mismatch: %+v vs %+v", decoded, e)
	}
	if !decoded.OccurredAt.Equal(e.OccurredAt) {
		t.Errorf("OccurredAt = %v, want %v", decoded.OccurredAt, e.OccurredAt)
	}
}

func TestSerializer_MarshalRejectsInvalid(t *testing.T) {
	s := NewSerializer()
	e := NewSwipeEvent("", "CS101-L1", "gate-north", ActionEnter)
	if _, err := s.Marshal(e); err == nil {
		t.Error("Marshal() of invalid event should fail")
	}
}

func TestSerializer_UnmarshalMalformed(t *testing.T) {
	s := NewSerializer()
	if _, err := s.Unmarshal([]byte("{truncated")); err == nil {
		t.Error("Unmarshal() of malformed JSON should fail")
	}
}
