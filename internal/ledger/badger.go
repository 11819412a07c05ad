// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/campusops/turnstile/internal/logging"
	"github.com/campusops/turnstile/internal/metrics"
)

// BadgerLedger is a BadgerDB-backed ledger for production use.
// Claims survive restarts, so a worker crash mid-processing parks the
// key only until the claim lease expires rather than reprocessing it
// immediately on redelivery.
type BadgerLedger struct {
	db         *badger.DB
	prefix     []byte
	claimLease time.Duration
	commitTTL  time.Duration
	closed     bool
	mu         sync.RWMutex
}

// NewBadgerLedger creates a BadgerDB-backed ledger.
//
// Parameters:
//   - db: BadgerDB instance (shared with other components)
//   - prefix: key prefix for ledger entries (default "dedup:")
func NewBadgerLedger(db *badger.DB, prefix string, claimLease, commitTTL time.Duration) *BadgerLedger {
	if prefix == "" {
		prefix = "dedup:"
	}
	if claimLease <= 0 {
		claimLease = DefaultClaimLease
	}
	if commitTTL <= 0 {
		commitTTL = DefaultCommitTTL
	}
	return &BadgerLedger{
		db:         db,
		prefix:     []byte(prefix),
		claimLease: claimLease,
		commitTTL:  commitTTL,
	}
}

func (l *BadgerLedger) makeKey(key string) []byte {
	return append(append([]byte{}, l.prefix...), []byte(key)...)
}

func (l *BadgerLedger) checkClosed() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLedgerClosed
	}
	return nil
}

// TryClaim reserves the key if no live entry exists. The check and
// the write happen in a single badger transaction, so concurrent
// claimers for the same key serialize and exactly one wins.
func (l *BadgerLedger) TryClaim(ctx context.Context, key string) (bool, error) {
	if err := l.checkClosed(); err != nil {
		metrics.RecordLedgerOp("claim", "failure")
		return false, err
	}

	dbKey := l.makeKey(key)
	claimed := false

	err := l.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey)
		if err == nil {
			var existing Entry
			if valErr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); valErr == nil {
				if time.Now().Before(existing.ExpiresAt) {
					// Live claim or commit; caller loses.
					return nil
				}
			}
			// Unreadable or expired entry, treat as absent.
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		now := time.Now()
		entry := Entry{
			Key:       key,
			State:     StateClaimed,
			ClaimedAt: now,
			ExpiresAt: now.Add(l.claimLease),
		}
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}

		e := badger.NewEntry(dbKey, data).WithTTL(l.claimLease)
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// Losing the transaction race means another worker wrote this
		// key between our read and commit; that worker holds the claim.
		metrics.RecordLedgerOp("claim", "duplicate")
		return false, nil
	}
	if err != nil {
		metrics.RecordLedgerOp("claim", "failure")
		return false, fmt.Errorf("try claim %s: %w", key, err)
	}

	if claimed {
		metrics.RecordLedgerOp("claim", "success")
	} else {
		metrics.RecordLedgerOp("claim", "duplicate")
	}
	return claimed, nil
}

// Commit marks the key as fully processed for the dedup window.
func (l *BadgerLedger) Commit(ctx context.Context, key string) error {
	if err := l.checkClosed(); err != nil {
		metrics.RecordLedgerOp("commit", "failure")
		return err
	}

	dbKey := l.makeKey(key)
	err := l.db.Update(func(txn *badger.Txn) error {
		now := time.Now()
		entry := Entry{
			Key:       key,
			State:     StateCommitted,
			ClaimedAt: now,
			ExpiresAt: now.Add(l.commitTTL),
		}
		// Preserve the original claim time when the claim is still
		// readable; the commit otherwise stands on its own.
		if item, err := txn.Get(dbKey); err == nil {
			var existing Entry
			if valErr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); valErr == nil && !existing.ClaimedAt.IsZero() {
				entry.ClaimedAt = existing.ClaimedAt
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(dbKey, data).WithTTL(l.commitTTL))
	})
	if err != nil {
		metrics.RecordLedgerOp("commit", "failure")
		return fmt.Errorf("commit %s: %w", key, err)
	}

	metrics.RecordLedgerOp("commit", "success")
	return nil
}

// Release drops an uncommitted claim. A committed entry is left in
// place: the dedup window must not reopen because a late release
// raced a successful commit.
func (l *BadgerLedger) Release(ctx context.Context, key string) error {
	if err := l.checkClosed(); err != nil {
		metrics.RecordLedgerOp("release", "failure")
		return err
	}

	dbKey := l.makeKey(key)
	err := l.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var existing Entry
		if valErr := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &existing)
		}); valErr != nil {
			// Unreadable entries are safe to drop.
			return txn.Delete(dbKey)
		}
		if existing.State == StateCommitted {
			return nil
		}
		return txn.Delete(dbKey)
	})
	if err != nil {
		metrics.RecordLedgerOp("release", "failure")
		return fmt.Errorf("release %s: %w", key, err)
	}

	metrics.RecordLedgerOp("release", "success")
	return nil
}

// Size counts live ledger entries.
func (l *BadgerLedger) Size(ctx context.Context) (int, error) {
	if err := l.checkClosed(); err != nil {
		return 0, err
	}

	count := 0
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = l.prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Close marks the ledger closed. The shared badger instance is owned
// by the caller and is not closed here.
func (l *BadgerLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Maintenance runs periodic badger value log GC for the shared store.
// Badger expires entries via TTL during compaction; GC reclaims the
// disk space. It satisfies suture.Service.
type Maintenance struct {
	db       *badger.DB
	ledger   *BadgerLedger
	interval time.Duration
}

// NewMaintenance creates the ledger maintenance service.
func NewMaintenance(db *badger.DB, ledger *BadgerLedger, interval time.Duration) *Maintenance {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Maintenance{db: db, ledger: ledger, interval: interval}
}

// Serve runs the GC loop until the context is cancelled.
func (m *Maintenance) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when there is nothing
			// worth rewriting, which is the common case.
			if err := m.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logging.Err(err).Msg("Badger value log GC failed")
			}
			if size, err := m.ledger.Size(ctx); err == nil {
				metrics.LedgerSize.Set(float64(size))
			}
		}
	}
}

// String identifies the service in supervisor logs.
func (m *Maintenance) String() string {
	return "ledger-maintenance"
}
