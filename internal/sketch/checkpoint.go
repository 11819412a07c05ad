// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package sketch

import (
	"context"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/campusops/turnstile/internal/logging"
	"github.com/campusops/turnstile/internal/metrics"
)

// checkpointPrefix namespaces estimator checkpoints inside the shared
// badger store so they coexist with the dedup ledger.
const checkpointPrefix = "sketch:"

// Checkpointer periodically persists every estimator's register state
// to badger and restores it on startup. Restores merge (register-wise
// max) with anything observed since boot, so a checkpoint can never
// lower an estimate.
type Checkpointer struct {
	registry *Registry
	db       *badger.DB
	interval time.Duration
}

// NewCheckpointer creates a checkpointer writing the registry's state
// to db every interval.
func NewCheckpointer(registry *Registry, db *badger.DB, interval time.Duration) *Checkpointer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Checkpointer{
		registry: registry,
		db:       db,
		interval: interval,
	}
}

// Restore reloads all checkpointed estimators into the registry.
// Call once at startup, before the processor begins consuming.
func (c *Checkpointer) Restore() error {
	restored := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(checkpointPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key, ok := parseCheckpointKey(string(item.Key()))
			if !ok {
				logging.Warn().Str("key", string(item.Key())).Msg("Skipping malformed estimator checkpoint key")
				continue
			}
			if err := item.Value(func(val []byte) error {
				return c.registry.Restore(key, val)
			}); err != nil {
				return fmt.Errorf("restore estimator %s: %w", key, err)
			}
			restored++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore estimator checkpoints: %w", err)
	}
	if restored > 0 {
		logging.Info().Int("partitions", restored).Msg("Restored attendance estimators from checkpoint")
	}
	return nil
}

// Checkpoint writes the current state of every estimator to badger.
func (c *Checkpointer) Checkpoint() error {
	snapshot, err := c.registry.Snapshot()
	if err != nil {
		metrics.EstimatorCheckpoints.WithLabelValues("error").Inc()
		return fmt.Errorf("snapshot estimators: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		for key, data := range snapshot {
			if err := txn.Set([]byte(checkpointPrefix+key.String()), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		metrics.EstimatorCheckpoints.WithLabelValues("error").Inc()
		return fmt.Errorf("write estimator checkpoints: %w", err)
	}

	metrics.EstimatorCheckpoints.WithLabelValues("success").Inc()
	return nil
}

// Serve runs the periodic checkpoint loop until the context is
// cancelled, taking one final checkpoint on the way out. It satisfies
// suture.Service.
func (c *Checkpointer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := c.Checkpoint(); err != nil {
				logging.Err(err).Msg("Final estimator checkpoint failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := c.Checkpoint(); err != nil {
				logging.Err(err).Msg("Estimator checkpoint failed")
			}
		}
	}
}

// String identifies the service in supervisor logs.
func (c *Checkpointer) String() string {
	return "sketch-checkpointer"
}

func parseCheckpointKey(raw string) (Key, bool) {
	rest, ok := strings.CutPrefix(raw, checkpointPrefix)
	if !ok {
		return Key{}, false
	}
	session, day, ok := strings.Cut(rest, "|")
	if !ok || session == "" || day == "" {
		return Key{}, false
	}
	return Key{SessionID: session, Day: day}, true
}
