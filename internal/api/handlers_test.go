// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/campusops/turnstile/internal/filter"
	"github.com/campusops/turnstile/internal/sketch"
)

func TestParseRecordsQuery(t *testing.T) {
	cases := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"day only", "/?day=2026-09-01", false},
		{"day with range", "/?day=2026-09-01&from=2026-09-01T09:00:00Z&to=2026-09-01T11:00:00Z", false},
		{"with limit", "/?day=2026-09-01&limit=50", false},
		{"missing day", "/", true},
		{"bad day format", "/?day=09-01-2026", true},
		{"bad from", "/?day=2026-09-01&from=yesterday", true},
		{"bad to", "/?day=2026-09-01&to=tomorrow", true},
		{"zero limit", "/?day=2026-09-01&limit=0", true},
		{"negative limit", "/?day=2026-09-01&limit=-5", true},
		{"non-numeric limit", "/?day=2026-09-01&limit=many", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.url, nil)
			_, err := parseRecordsQuery(r)
			if tc.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseRecordsQuery_Values(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet,
		"/?day=2026-09-01&from=2026-09-01T09:00:00Z&limit=25", nil)
	q, err := parseRecordsQuery(r)
	if err != nil {
		t.Fatalf("parseRecordsQuery() error: %v", err)
	}
	if q.Day != "2026-09-01" {
		t.Errorf("Day = %q", q.Day)
	}
	want := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	if !q.From.Equal(want) {
		t.Errorf("From = %v, want %v", q.From, want)
	}
	if !q.To.IsZero() {
		t.Errorf("To = %v, want zero", q.To)
	}
	if q.Limit != 25 {
		t.Errorf("Limit = %d, want 25", q.Limit)
	}
}

func TestHandler_SessionAttendance(t *testing.T) {
	registry := sketch.NewRegistry(14)
	for i := 0; i < 50; i++ {
		registry.Add("CS101-L1", "2026-09-01", "subject-"+string(rune('a'+i%26))+string(rune('0'+i/26)))
	}
	h := NewHandler(nil, registry, filter.New(100, 0.01), 0.7, nil)

	r := chi.NewRouter()
	r.Get("/sessions/{sessionID}/attendance", h.SessionAttendance)

	req := httptest.NewRequest(http.MethodGet, "/sessions/CS101-L1/attendance?day=2026-09-01", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		SessionID   string `json:"session_id"`
		Day         string `json:"day"`
		Attendance  uint64 `json:"attendance"`
		Approximate bool   `json:"approximate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.SessionID != "CS101-L1" || body.Day != "2026-09-01" {
		t.Errorf("identity fields = %+v", body)
	}
	if !body.Approximate {
		t.Error("attendance must be flagged approximate")
	}
	if body.Attendance < 45 || body.Attendance > 55 {
		t.Errorf("attendance = %d, want ~50", body.Attendance)
	}
}

func TestHandler_SessionAttendanceRequiresDay(t *testing.T) {
	h := NewHandler(nil, sketch.NewRegistry(14), filter.New(100, 0.01), 0.7, nil)

	r := chi.NewRouter()
	r.Get("/sessions/{sessionID}/attendance", h.SessionAttendance)

	req := httptest.NewRequest(http.MethodGet, "/sessions/CS101-L1/attendance", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_UnknownSessionAttendanceIsZero(t *testing.T) {
	h := NewHandler(nil, sketch.NewRegistry(14), filter.New(100, 0.01), 0.7, nil)

	r := chi.NewRouter()
	r.Get("/sessions/{sessionID}/attendance", h.SessionAttendance)

	req := httptest.NewRequest(http.MethodGet, "/sessions/GHOST/attendance?day=2026-09-01", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Attendance uint64 `json:"attendance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Attendance != 0 {
		t.Errorf("attendance = %d for unknown session, want 0", body.Attendance)
	}
}

func TestHandler_HealthLive(t *testing.T) {
	h := NewHandler(nil, sketch.NewRegistry(14), filter.New(100, 0.01), 0.7, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health/live", nil)
	rec := httptest.NewRecorder()
	h.HealthLive(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}
