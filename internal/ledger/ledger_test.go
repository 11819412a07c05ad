// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryLedger_ClaimCommitRelease(t *testing.T) {
	l := NewMemoryLedger(time.Minute, time.Hour)
	defer l.Close()
	ctx := context.Background()

	claimed, err := l.TryClaim(ctx, "evt-1")
	if err != nil {
		t.Fatalf("TryClaim() error: %v", err)
	}
	if !claimed {
		t.Fatal("First TryClaim should win")
	}

	// Second claim on a live key loses without error
	claimed, err = l.TryClaim(ctx, "evt-1")
	if err != nil {
		t.Fatalf("TryClaim() error: %v", err)
	}
	if claimed {
		t.Error("Second TryClaim should lose")
	}

	if err := l.Commit(ctx, "evt-1"); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	// Committed entries stay in the dedup window
	claimed, _ = l.TryClaim(ctx, "evt-1")
	if claimed {
		t.Error("TryClaim after commit should lose for the dedup window")
	}
}

func TestMemoryLedger_SingleWinner(t *testing.T) {
	l := NewMemoryLedger(time.Minute, time.Hour)
	defer l.Close()
	ctx := context.Background()

	const contenders = 32
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			claimed, err := l.TryClaim(ctx, "evt-contested")
			if err != nil {
				t.Errorf("TryClaim() error: %v", err)
				return
			}
			if claimed {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", winners.Load())
	}
}

func TestMemoryLedger_ReleaseReopensClaim(t *testing.T) {
	l := NewMemoryLedger(time.Minute, time.Hour)
	defer l.Close()
	ctx := context.Background()

	if claimed, _ := l.TryClaim(ctx, "evt-1"); !claimed {
		t.Fatal("First TryClaim should win")
	}
	if err := l.Release(ctx, "evt-1"); err != nil {
		t.Fatalf("Release() error: %v", err)
	}

	// A redelivery can claim immediately after release
	claimed, err := l.TryClaim(ctx, "evt-1")
	if err != nil {
		t.Fatalf("TryClaim() error: %v", err)
	}
	if !claimed {
		t.Error("TryClaim after Release should win")
	}
}

func TestMemoryLedger_ReleaseDoesNotDropCommit(t *testing.T) {
	l := NewMemoryLedger(time.Minute, time.Hour)
	defer l.Close()
	ctx := context.Background()

	if claimed, _ := l.TryClaim(ctx, "evt-1"); !claimed {
		t.Fatal("TryClaim should win")
	}
	if err := l.Commit(ctx, "evt-1"); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	// A late release racing a successful commit must not reopen the
	// dedup window
	if err := l.Release(ctx, "evt-1"); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if claimed, _ := l.TryClaim(ctx, "evt-1"); claimed {
		t.Error("TryClaim after release-of-committed should still lose")
	}
}

func TestMemoryLedger_LeaseExpiry(t *testing.T) {
	l := NewMemoryLedger(20*time.Millisecond, time.Hour)
	defer l.Close()
	ctx := context.Background()

	if claimed, _ := l.TryClaim(ctx, "evt-1"); !claimed {
		t.Fatal("TryClaim should win")
	}

	time.Sleep(40 * time.Millisecond)

	// The lease expired without commit or release (crashed worker);
	// the key is claimable again.
	claimed, err := l.TryClaim(ctx, "evt-1")
	if err != nil {
		t.Fatalf("TryClaim() error: %v", err)
	}
	if !claimed {
		t.Error("TryClaim after lease expiry should win")
	}
}

func TestMemoryLedger_CommitAfterLeaseExpiry(t *testing.T) {
	l := NewMemoryLedger(20*time.Millisecond, time.Hour)
	defer l.Close()
	ctx := context.Background()

	if claimed, _ := l.TryClaim(ctx, "evt-1"); !claimed {
		t.Fatal("TryClaim should win")
	}
	time.Sleep(40 * time.Millisecond)

	// Commit still records the dedup marker even though the lease
	// lapsed mid-processing
	if err := l.Commit(ctx, "evt-1"); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if claimed, _ := l.TryClaim(ctx, "evt-1"); claimed {
		t.Error("TryClaim after late commit should lose")
	}
}

func TestMemoryLedger_CleanupExpired(t *testing.T) {
	l := NewMemoryLedger(10*time.Millisecond, time.Hour)
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if claimed, _ := l.TryClaim(ctx, fmt.Sprintf("evt-%d", i)); !claimed {
			t.Fatalf("TryClaim(evt-%d) should win", i)
		}
	}
	if claimed, _ := l.TryClaim(ctx, "evt-live"); !claimed {
		t.Fatal("TryClaim(evt-live) should win")
	}
	if err := l.Commit(ctx, "evt-live"); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	removed, err := l.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired() error: %v", err)
	}
	if removed != 5 {
		t.Errorf("CleanupExpired removed %d, want 5", removed)
	}

	size, _ := l.Size(ctx)
	if size != 1 {
		t.Errorf("Size = %d after cleanup, want 1", size)
	}
}

func TestMemoryLedger_Closed(t *testing.T) {
	l := NewMemoryLedger(time.Minute, time.Hour)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	ctx := context.Background()
	if _, err := l.TryClaim(ctx, "evt-1"); err != ErrLedgerClosed {
		t.Errorf("TryClaim after close: %v, want ErrLedgerClosed", err)
	}
	if err := l.Commit(ctx, "evt-1"); err != ErrLedgerClosed {
		t.Errorf("Commit after close: %v, want ErrLedgerClosed", err)
	}
	if err := l.Release(ctx, "evt-1"); err != ErrLedgerClosed {
		t.Errorf("Release after close: %v, want ErrLedgerClosed", err)
	}
}
