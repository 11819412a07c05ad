// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package services

import (
	"context"
	"errors"
	"time"
)

// EmbeddedServerRunner matches the embedded NATS server lifecycle.
// Satisfied by *eventprocessor.EmbeddedServer.
type EmbeddedServerRunner interface {
	Shutdown(ctx context.Context) error
	IsRunning() bool
}

// ErrServerStopped is returned when the embedded server stops outside
// of a requested shutdown, so suture restarts the pipeline layer.
var ErrServerStopped = errors.New("embedded nats server stopped unexpectedly")

// EmbeddedServerService supervises an already-started embedded NATS
// server. The server is constructed before the tree because the
// subscriber and publisher need its client URL at wiring time; this
// wrapper only watches for unexpected exit and performs the graceful
// shutdown.
type EmbeddedServerService struct {
	server          EmbeddedServerRunner
	checkInterval   time.Duration
	shutdownTimeout time.Duration
	name            string
}

// NewEmbeddedServerService creates the embedded server wrapper.
func NewEmbeddedServerService(server EmbeddedServerRunner, shutdownTimeout time.Duration) *EmbeddedServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &EmbeddedServerService{
		server:          server,
		checkInterval:   5 * time.Second,
		shutdownTimeout: shutdownTimeout,
		name:            "embedded-nats",
	}
}

// Serve implements suture.Service.
func (s *EmbeddedServerService) Serve(ctx context.Context) error {
	if !s.server.IsRunning() {
		return ErrServerStopped
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.server.IsRunning() {
				return ErrServerStopped
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return ctx.Err()
		}
	}
}

// String implements fmt.Stringer for suture's log messages.
func (s *EmbeddedServerService) String() string {
	return s.name
}
