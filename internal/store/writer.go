// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/campusops/turnstile/internal/logging"
	"github.com/campusops/turnstile/internal/metrics"
)

// Status summarizes one Commit attempt across all targets.
type Status int

const (
	// StatusOK means every target accepted the record.
	StatusOK Status = iota

	// StatusPartial means at least one target accepted and at least
	// one failed. The failed targets can be retried independently
	// because writes are idempotent.
	StatusPartial

	// StatusFailed means no target accepted the record.
	StatusFailed
)

// String renders the status for logs.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPartial:
		return "partial"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result reports the outcome of a Commit or Retry per target.
type Result struct {
	Status Status

	// Failed lists the names of targets that rejected the write,
	// with the error each returned.
	Failed map[string]error
}

// WriterConfig tunes the dual-projection writer.
type WriterConfig struct {
	// WriteTimeout bounds each individual target write.
	WriteTimeout time.Duration

	// BreakerThreshold is the consecutive-failure count that opens a
	// target's circuit breaker.
	BreakerThreshold uint32

	// BreakerCooldown is how long an open breaker waits before
	// probing the target again.
	BreakerCooldown time.Duration
}

// DefaultWriterConfig returns production defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		WriteTimeout:     5 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  15 * time.Second,
	}
}

// Writer fans one record out to every projection target in parallel.
// Each target sits behind its own circuit breaker so a struggling
// projection fails fast without slowing the healthy one down.
type Writer struct {
	targets  []ProjectionTarget
	breakers map[string]*gobreaker.CircuitBreaker[interface{}]
	timeout  time.Duration
}

// NewWriter creates a writer over the given targets.
func NewWriter(cfg WriterConfig, targets ...ProjectionTarget) *Writer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriterConfig().WriteTimeout
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = DefaultWriterConfig().BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultWriterConfig().BreakerCooldown
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker[interface{}], len(targets))
	for _, t := range targets {
		name := t.Name()
		breakers[name] = gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
			Name:    "projection-" + name,
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Projection circuit breaker state change")
			},
		})
	}

	return &Writer{
		targets:  targets,
		breakers: breakers,
		timeout:  cfg.WriteTimeout,
	}
}

// Commit writes the record to every target in parallel.
func (w *Writer) Commit(ctx context.Context, rec *Record) Result {
	return w.write(ctx, rec, nil)
}

// Retry re-attempts only the named targets of a previous partial
// result. Targets that already accepted the record are not rewritten.
func (w *Writer) Retry(ctx context.Context, rec *Record, failed map[string]error) Result {
	if len(failed) == 0 {
		return Result{Status: StatusOK}
	}
	only := make(map[string]bool, len(failed))
	for name := range failed {
		only[name] = true
	}
	return w.write(ctx, rec, only)
}

func (w *Writer) write(ctx context.Context, rec *Record, only map[string]bool) Result {
	type outcome struct {
		name string
		err  error
	}

	var wg sync.WaitGroup
	results := make(chan outcome, len(w.targets))
	attempted := 0

	for _, target := range w.targets {
		if only != nil && !only[target.Name()] {
			continue
		}
		attempted++
		wg.Add(1)
		go func(t ProjectionTarget) {
			defer wg.Done()
			err := w.writeOne(ctx, t, rec)
			results <- outcome{name: t.Name(), err: err}
		}(target)
	}
	wg.Wait()
	close(results)

	failed := make(map[string]error)
	for out := range results {
		metrics.RecordProjectionWrite(out.name, out.err)
		if out.err != nil {
			failed[out.name] = out.err
		}
	}

	switch {
	case len(failed) == 0:
		return Result{Status: StatusOK}
	case len(failed) == attempted:
		return Result{Status: StatusFailed, Failed: failed}
	default:
		return Result{Status: StatusPartial, Failed: failed}
	}
}

func (w *Writer) writeOne(ctx context.Context, target ProjectionTarget, rec *Record) error {
	cb := w.breakers[target.Name()]

	_, err := cb.Execute(func() (interface{}, error) {
		writeCtx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		return nil, target.Write(writeCtx, rec)
	})
	if err != nil {
		return fmt.Errorf("write %s to %s: %w", rec.EventID, target.Name(), err)
	}
	return nil
}
