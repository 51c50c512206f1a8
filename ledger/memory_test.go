package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func activeEntry(tokenID, familyID string) Entry {
	now := time.Now()
	return Entry{
		TokenID:   tokenID,
		FamilyID:  familyID,
		Subject:   "user-1",
		Status:    StatusActive,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func TestMemoryRecordAndStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Record(ctx, activeEntry("t1", "f1")); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	status, err := m.Status(ctx, "t1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status != StatusActive {
		t.Fatalf("expected active, got %v", status)
	}

	if _, err := m.Status(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryLookup(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	want := activeEntry("t1", "f1")
	if err := m.Record(ctx, want); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	got, err := m.Lookup(ctx, "t1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got != want {
		t.Fatalf("lookup mismatch: got %+v, want %+v", got, want)
	}

	if _, err := m.Lookup(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryFamilyActiveReportsLatestExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := activeEntry("t1", "f1")
	if err := m.Record(ctx, first); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	next := activeEntry("t2", "f1")
	next.ExpiresAt = first.ExpiresAt.Add(time.Hour)
	if err := m.Rotate(ctx, "t1", next); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	active, expiresAt, err := m.FamilyActive(ctx, "f1")
	if err != nil || !active {
		t.Fatalf("family should be active: %v %v", active, err)
	}
	if !expiresAt.Equal(next.ExpiresAt) {
		t.Fatalf("expected latest expiry %v, got %v", next.ExpiresAt, expiresAt)
	}
}

func TestMemoryRecordSecondActiveConflicts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Record(ctx, activeEntry("t1", "f1")); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := m.Record(ctx, activeEntry("t2", "f1")); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for second active entry, got %v", err)
	}
}

func TestMemoryRotateChain(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Record(ctx, activeEntry("t1", "f1")); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := m.Rotate(ctx, "t1", activeEntry("t2", "f1")); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	if status, _ := m.Status(ctx, "t1"); status != StatusRotated {
		t.Fatalf("old entry not rotated: %v", status)
	}
	if status, _ := m.Status(ctx, "t2"); status != StatusActive {
		t.Fatalf("new entry not active: %v", status)
	}

	active, _, err := m.FamilyActive(ctx, "f1")
	if err != nil || !active {
		t.Fatalf("family should remain active: %v %v", active, err)
	}

	// Replaying the consumed token is the reuse signal.
	if err := m.Rotate(ctx, "t1", activeEntry("t3", "f1")); !errors.Is(err, ErrAlreadyRotated) {
		t.Fatalf("expected ErrAlreadyRotated, got %v", err)
	}
}

func TestMemoryRotateRevokedAndMissing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Rotate(ctx, "ghost", activeEntry("t2", "f1")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := m.Record(ctx, activeEntry("t1", "f1")); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := m.Revoke(ctx, "t1"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if err := m.Rotate(ctx, "t1", activeEntry("t2", "f1")); !errors.Is(err, ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
}

func TestMemoryRotateExpiredActsAsMissing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	expired := activeEntry("t1", "f1")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := m.Record(ctx, expired); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	if err := m.Rotate(ctx, "t1", activeEntry("t2", "f1")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired entry, got %v", err)
	}
}

func TestMemoryConcurrentRotateSingleWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Record(ctx, activeEntry("t1", "f1")); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		next := activeEntry(fmt.Sprintf("next-%d", i), "f1")
		go func(next Entry) {
			defer wg.Done()
			results <- m.Rotate(ctx, "t1", next)
		}(next)
	}
	wg.Wait()
	close(results)

	wins, losses := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyRotated):
			losses++
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one rotation winner, got %d", wins)
	}
	if losses != n-1 {
		t.Fatalf("expected %d ErrAlreadyRotated losers, got %d", n-1, losses)
	}
}

func TestMemoryRevokeIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Record(ctx, activeEntry("t1", "f1")); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := m.Revoke(ctx, "t1"); err != nil {
		t.Fatalf("first revoke failed: %v", err)
	}
	if err := m.Revoke(ctx, "t1"); err != nil {
		t.Fatalf("second revoke must be silent, got %v", err)
	}
	if err := m.Revoke(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRevokeFamily(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Record(ctx, activeEntry("t1", "f1")); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := m.Rotate(ctx, "t1", activeEntry("t2", "f1")); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	changed, err := m.RevokeFamily(ctx, "f1")
	if err != nil {
		t.Fatalf("revoke family failed: %v", err)
	}
	if changed != 2 {
		t.Fatalf("expected 2 entries revoked, got %d", changed)
	}

	active, _, err := m.FamilyActive(ctx, "f1")
	if err != nil || active {
		t.Fatalf("family should be dead: active=%v err=%v", active, err)
	}

	if _, err := m.RevokeFamily(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryPurgeExpired(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	fresh := activeEntry("t1", "f1")
	stale := activeEntry("t2", "f2")
	stale.ExpiresAt = time.Now().Add(-time.Minute)

	if err := m.Record(ctx, fresh); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := m.Record(ctx, stale); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	purged, err := m.PurgeExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged entry, got %d", purged)
	}

	if _, err := m.Status(ctx, "t2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("purged entry still present: %v", err)
	}
	if _, _, err := m.FamilyActive(ctx, "f2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("purged family still indexed: %v", err)
	}
	if _, err := m.Status(ctx, "t1"); err != nil {
		t.Fatalf("fresh entry lost: %v", err)
	}
}

func TestStatusWireFormRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusActive, StatusRotated, StatusRevoked} {
		parsed, err := ParseStatus(s.String())
		if err != nil {
			t.Fatalf("parse %q failed: %v", s, err)
		}
		if parsed != s {
			t.Fatalf("round trip mismatch: %v != %v", parsed, s)
		}
	}
	if _, err := ParseStatus("bogus"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
