// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/campusops/turnstile/internal/filter"
	"github.com/campusops/turnstile/internal/logging"
	"github.com/campusops/turnstile/internal/sketch"
	"github.com/campusops/turnstile/internal/store"
)

// Handler serves the read API.
type Handler struct {
	reader              *store.Reader
	registry            *sketch.Registry
	filter              *filter.Filter
	saturationThreshold float64

	// natsConnected reports substrate connectivity for readiness.
	natsConnected func() bool
}

// NewHandler creates the read API handler.
func NewHandler(
	reader *store.Reader,
	registry *sketch.Registry,
	f *filter.Filter,
	saturationThreshold float64,
	natsConnected func() bool,
) *Handler {
	return &Handler{
		reader:              reader,
		registry:            registry,
		filter:              f,
		saturationThreshold: saturationThreshold,
		natsConnected:       natsConnected,
	}
}

// SessionRecords returns attendance records for one session on one day.
//
// GET /api/v1/sessions/{sessionID}/records?day=YYYY-MM-DD&from=&to=&limit=
func (h *Handler) SessionRecords(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	q, err := parseRecordsQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.reader.SessionRecords(r.Context(), sessionID, q)
	if err != nil {
		logging.Err(err).Str("session_id", sessionID).Msg("Session records query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"day":        q.Day,
		"count":      len(records),
		"records":    records,
	})
}

// SubjectRecords returns attendance records for one subject on one day.
//
// GET /api/v1/subjects/{subjectID}/records?day=YYYY-MM-DD&from=&to=&limit=
func (h *Handler) SubjectRecords(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	q, err := parseRecordsQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.reader.SubjectRecords(r.Context(), subjectID, q)
	if err != nil {
		logging.Err(err).Str("subject_id", subjectID).Msg("Subject records query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject_id": subjectID,
		"day":        q.Day,
		"count":      len(records),
		"records":    records,
	})
}

// SessionAttendance returns the approximate distinct attendance for a
// session on a day. The estimate carries the estimator's documented
// relative error (~1%).
//
// GET /api/v1/sessions/{sessionID}/attendance?day=YYYY-MM-DD
func (h *Handler) SessionAttendance(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	day := r.URL.Query().Get("day")
	if err := validateDay(day); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  sessionID,
		"day":         day,
		"attendance":  h.registry.Estimate(sessionID, day),
		"approximate": true,
	})
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// HealthReady reports readiness: database and substrate reachable,
// filter populated. Filter saturation is surfaced as a signal but
// does not fail readiness; it raises the false-positive rate rather
// than causing errors.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]interface{}{}
	healthy := true

	if err := h.reader.Ping(r.Context()); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if h.natsConnected != nil && !h.natsConnected() {
		checks["nats"] = "disconnected"
		healthy = false
	} else {
		checks["nats"] = "ok"
	}

	checks["filter_loaded"] = h.filter.Loaded()
	checks["filter_fill_ratio"] = h.filter.FillRatio()
	checks["filter_saturated"] = h.filter.Saturated(h.saturationThreshold)
	if h.filter.Loaded() == 0 {
		healthy = false
	}

	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": checks,
	})
}

func parseRecordsQuery(r *http.Request) (store.RecordsQuery, error) {
	q := store.RecordsQuery{Day: r.URL.Query().Get("day")}
	if err := validateDay(q.Day); err != nil {
		return q, err
	}

	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return q, &queryError{"from must be RFC3339"}
		}
		q.From = t
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return q, &queryError{"to must be RFC3339"}
		}
		q.To = t
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return q, &queryError{"limit must be a positive integer"}
		}
		q.Limit = n
	}
	return q, nil
}

func validateDay(day string) error {
	if day == "" {
		return &queryError{"day is required"}
	}
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return &queryError{"day must be YYYY-MM-DD"}
	}
	return nil
}

type queryError struct {
	msg string
}

func (e *queryError) Error() string { return e.msg }

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
