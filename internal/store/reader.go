// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RecordsQuery filters a projection read. Day is required; the time
// bounds and limit are optional.
type RecordsQuery struct {
	Day   string
	From  time.Time
	To    time.Time
	Limit int
}

const defaultQueryLimit = 1000

// Reader serves the read side of the attendance projections.
type Reader struct {
	pool *pgxpool.Pool
}

// NewReader creates a reader over the projection tables.
func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

// SessionRecords returns the attendance records for one session on
// one day, ordered by occurrence time.
func (r *Reader) SessionRecords(ctx context.Context, sessionID string, q RecordsQuery) ([]Record, error) {
	return r.records(ctx, `
		SELECT event_id, subject_id, session_id, gate_id, action, occurred_at, day, recorded_at
		FROM attendance_by_session
		WHERE session_id = $1 AND day = $2
		  AND ($3::timestamptz IS NULL OR occurred_at >= $3)
		  AND ($4::timestamptz IS NULL OR occurred_at <= $4)
		ORDER BY occurred_at
		LIMIT $5`,
		sessionID, q)
}

// SubjectRecords returns the attendance records for one subject on
// one day, ordered by occurrence time.
func (r *Reader) SubjectRecords(ctx context.Context, subjectID string, q RecordsQuery) ([]Record, error) {
	return r.records(ctx, `
		SELECT event_id, subject_id, session_id, gate_id, action, occurred_at, day, recorded_at
		FROM attendance_by_subject
		WHERE subject_id = $1 AND day = $2
		  AND ($3::timestamptz IS NULL OR occurred_at >= $3)
		  AND ($4::timestamptz IS NULL OR occurred_at <= $4)
		ORDER BY occurred_at
		LIMIT $5`,
		subjectID, q)
}

func (r *Reader) records(ctx context.Context, query, key string, q RecordsQuery) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 || limit > defaultQueryLimit {
		limit = defaultQueryLimit
	}

	var from, to *time.Time
	if !q.From.IsZero() {
		from = &q.From
	}
	if !q.To.IsZero() {
		to = &q.To
	}

	rows, err := r.pool.Query(ctx, query, key, q.Day, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var day time.Time
		if err := rows.Scan(&rec.EventID, &rec.SubjectID, &rec.SessionID, &rec.GateID,
			&rec.Action, &rec.OccurredAt, &day, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Day = day.Format("2006-01-02")
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Ping verifies database connectivity for readiness checks.
func (r *Reader) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
