// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package filter

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusops/turnstile/internal/logging"
	"github.com/campusops/turnstile/internal/metrics"
)

// PopulationSource supplies the authoritative set of valid subject
// identifiers. Implementations must be safe for repeated calls: the
// refresher re-reads the source on an interval.
type PopulationSource interface {
	Subjects(ctx context.Context) ([]string, error)
}

// FileSource reads one subject identifier per line from a text file.
// Blank lines and lines starting with '#' are skipped.
type FileSource struct {
	Path string
}

// Subjects reads the population file.
func (s *FileSource) Subjects(ctx context.Context) ([]string, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open population file: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read population file: %w", err)
	}
	return ids, nil
}

// PostgresSource reads the population from the roster table.
type PostgresSource struct {
	Pool *pgxpool.Pool
}

// Subjects queries all enrolled subject identifiers.
func (s *PostgresSource) Subjects(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT subject_id FROM population`)
	if err != nil {
		return nil, fmt.Errorf("query population: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan population row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate population rows: %w", err)
	}
	return ids, nil
}

// Refresher owns the filter's mutable state: it performs the initial
// population load and reloads on an interval. Processing workers only
// ever call Test.
type Refresher struct {
	filter    *Filter
	source    PopulationSource
	interval  time.Duration
	threshold float64
}

// NewRefresher creates a refresher for the given filter and source.
// threshold is the fill ratio above which saturation is logged.
func NewRefresher(f *Filter, source PopulationSource, interval time.Duration, threshold float64) *Refresher {
	if threshold <= 0 {
		threshold = 0.7
	}
	return &Refresher{
		filter:    f,
		source:    source,
		interval:  interval,
		threshold: threshold,
	}
}

// Refresh reloads the population into the filter once.
func (r *Refresher) Refresh(ctx context.Context) error {
	ids, err := r.source.Subjects(ctx)
	if err != nil {
		metrics.FilterRefreshes.WithLabelValues("failure").Inc()
		return fmt.Errorf("load population: %w", err)
	}

	r.filter.Load(ids)
	fill := r.filter.FillRatio()

	metrics.FilterRefreshes.WithLabelValues("success").Inc()
	metrics.FilterPopulationSize.Set(float64(len(ids)))
	metrics.FilterFillRatio.Set(fill)

	if fill > r.threshold {
		logging.Warn().
			Float64("fill_ratio", fill).
			Float64("threshold", r.threshold).
			Int("population", len(ids)).
			Int("capacity", r.filter.Capacity()).
			Msg("Membership filter saturated; false-positive rate above target")
	} else {
		logging.Info().
			Int("population", len(ids)).
			Float64("fill_ratio", fill).
			Msg("Membership filter loaded")
	}
	return nil
}

// Serve implements suture.Service: it reloads the population on the
// configured interval until the context is canceled. A refresh failure
// is logged and retried next tick; the previous population keeps
// serving.
func (r *Refresher) Serve(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				logging.Err(err).Msg("Population refresh failed")
			}
		}
	}
}

// String identifies the service in supervisor logs.
func (r *Refresher) String() string {
	return "population-refresher"
}
