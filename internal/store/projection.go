// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ProjectionTarget is one destination for an attendance record. The
// two production targets are the session-keyed and subject-keyed
// Postgres tables; tests substitute fakes.
type ProjectionTarget interface {
	// Name identifies the target in logs, metrics, and write results.
	Name() string

	// Write persists the record. Writing the same record twice must
	// succeed without duplicating it.
	Write(ctx context.Context, rec *Record) error
}

// SessionProjection writes records keyed by (session_id, day).
type SessionProjection struct {
	pool *pgxpool.Pool
}

// NewSessionProjection creates the session-keyed projection target.
func NewSessionProjection(pool *pgxpool.Pool) *SessionProjection {
	return &SessionProjection{pool: pool}
}

// Name identifies the target.
func (p *SessionProjection) Name() string { return "by_session" }

// Write upserts the record. ON CONFLICT DO NOTHING makes redelivered
// events harmless.
func (p *SessionProjection) Write(ctx context.Context, rec *Record) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO attendance_by_session
			(session_id, day, event_id, subject_id, gate_id, action, occurred_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, day, event_id) DO NOTHING`,
		rec.SessionID, rec.Day, rec.EventID, rec.SubjectID,
		rec.GateID, rec.Action, rec.OccurredAt, rec.RecordedAt,
	)
	return err
}

// SubjectProjection writes records keyed by (subject_id, day).
type SubjectProjection struct {
	pool *pgxpool.Pool
}

// NewSubjectProjection creates the subject-keyed projection target.
func NewSubjectProjection(pool *pgxpool.Pool) *SubjectProjection {
	return &SubjectProjection{pool: pool}
}

// Name identifies the target.
func (p *SubjectProjection) Name() string { return "by_subject" }

// Write upserts the record.
func (p *SubjectProjection) Write(ctx context.Context, rec *Record) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO attendance_by_subject
			(subject_id, day, event_id, session_id, gate_id, action, occurred_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subject_id, day, event_id) DO NOTHING`,
		rec.SubjectID, rec.Day, rec.EventID, rec.SessionID,
		rec.GateID, rec.Action, rec.OccurredAt, rec.RecordedAt,
	)
	return err
}
