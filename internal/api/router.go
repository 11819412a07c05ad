// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

// Package api serves the read side: attendance records by session or
// subject, approximate attendance estimates, health, and metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router assembles the HTTP surface.
type Router struct {
	handler *Handler
}

// NewRouter creates the API router over the given handler.
func NewRouter(handler *Handler) *Router {
	return &Router{handler: handler}
}

// Setup configures all HTTP routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Health gets a permissive limit so monitors can poll freely.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, time.Minute))
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(300, time.Minute))

		r.Get("/sessions/{sessionID}/records", router.handler.SessionRecords)
		r.Get("/sessions/{sessionID}/attendance", router.handler.SessionAttendance)
		r.Get("/subjects/{subjectID}/records", router.handler.SubjectRecords)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
