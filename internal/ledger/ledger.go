// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

// Package ledger implements the dedup ledger: a leased reservation
// store that guarantees at most one worker processes a given swipe
// identity at a time, and that a fully committed swipe is not
// reprocessed within the dedup window.
//
// The lifecycle of a key is claim -> commit or claim -> release.
// A claim holds a short lease so a crashed worker cannot park a key
// forever; a commit extends the entry to the full dedup window.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/campusops/turnstile/internal/metrics"
)

// Default durations for the two entry states. The claim lease only
// needs to outlive one processing attempt including projection
// retries; the commit TTL defines the dedup window.
const (
	DefaultClaimLease = 2 * time.Minute
	DefaultCommitTTL  = 30 * time.Minute
)

// ErrLedgerClosed indicates the ledger has been closed.
var ErrLedgerClosed = errors.New("dedup ledger is closed")

// State describes what an entry currently guarantees.
type State string

const (
	// StateClaimed means a worker holds the processing lease.
	StateClaimed State = "claimed"

	// StateCommitted means the swipe was fully processed.
	StateCommitted State = "committed"
)

// Entry is a stored ledger record.
type Entry struct {
	Key       string    `json:"key"`
	State     State     `json:"state"`
	ClaimedAt time.Time `json:"claimed_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Ledger is the dedup reservation store.
type Ledger interface {
	// TryClaim attempts to reserve the key for processing. Exactly one
	// caller wins for a live key; losers see false with a nil error.
	// The reservation expires after the claim lease unless committed.
	TryClaim(ctx context.Context, key string) (bool, error)

	// Commit marks the key as fully processed, extending the entry to
	// the commit TTL. Only the claim holder may commit.
	Commit(ctx context.Context, key string) error

	// Release drops an uncommitted claim so a redelivery can retry
	// immediately. Releasing a committed or absent key is a no-op.
	Release(ctx context.Context, key string) error

	// Size returns the approximate number of live entries.
	Size(ctx context.Context) (int, error)

	// Close closes the ledger and releases resources.
	Close() error
}

// MemoryLedger is an in-memory ledger for testing. Entries are lost
// on restart, so it is not suitable for production dedup.
type MemoryLedger struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	claimLease time.Duration
	commitTTL  time.Duration
	closed     bool
}

// NewMemoryLedger creates an in-memory ledger. Non-positive durations
// fall back to the defaults.
func NewMemoryLedger(claimLease, commitTTL time.Duration) *MemoryLedger {
	if claimLease <= 0 {
		claimLease = DefaultClaimLease
	}
	if commitTTL <= 0 {
		commitTTL = DefaultCommitTTL
	}
	return &MemoryLedger{
		entries:    make(map[string]*Entry),
		claimLease: claimLease,
		commitTTL:  commitTTL,
	}
}

// TryClaim reserves the key if no live entry exists.
func (l *MemoryLedger) TryClaim(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		metrics.RecordLedgerOp("claim", "failure")
		return false, ErrLedgerClosed
	}

	now := time.Now()
	if existing, ok := l.entries[key]; ok && now.Before(existing.ExpiresAt) {
		metrics.RecordLedgerOp("claim", "duplicate")
		return false, nil
	}

	l.entries[key] = &Entry{
		Key:       key,
		State:     StateClaimed,
		ClaimedAt: now,
		ExpiresAt: now.Add(l.claimLease),
	}
	metrics.RecordLedgerOp("claim", "success")
	metrics.LedgerSize.Set(float64(len(l.entries)))
	return true, nil
}

// Commit extends the entry to the commit TTL.
func (l *MemoryLedger) Commit(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		metrics.RecordLedgerOp("commit", "failure")
		return ErrLedgerClosed
	}

	now := time.Now()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.ExpiresAt) {
		// Lease expired before commit. Record the commit anyway so a
		// concurrent redelivery that re-claimed sees it as a duplicate
		// no later than its own commit.
		entry = &Entry{Key: key, ClaimedAt: now}
		l.entries[key] = entry
	}
	entry.State = StateCommitted
	entry.ExpiresAt = now.Add(l.commitTTL)
	metrics.RecordLedgerOp("commit", "success")
	return nil
}

// Release drops an uncommitted claim.
func (l *MemoryLedger) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		metrics.RecordLedgerOp("release", "failure")
		return ErrLedgerClosed
	}

	if entry, ok := l.entries[key]; ok && entry.State == StateClaimed {
		delete(l.entries, key)
		metrics.LedgerSize.Set(float64(len(l.entries)))
	}
	metrics.RecordLedgerOp("release", "success")
	return nil
}

// Size returns the number of entries, including expired ones not yet
// swept.
func (l *MemoryLedger) Size(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLedgerClosed
	}
	return len(l.entries), nil
}

// CleanupExpired removes expired entries and returns the count.
func (l *MemoryLedger) CleanupExpired(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLedgerClosed
	}

	count := 0
	now := time.Now()
	for key, entry := range l.entries {
		if now.After(entry.ExpiresAt) {
			delete(l.entries, key)
			count++
		}
	}
	metrics.LedgerSize.Set(float64(len(l.entries)))
	return count, nil
}

// Close closes the ledger.
func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.entries = nil
	return nil
}
