package lease

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// setupTestManager creates a lease manager over a temporary shared database.
func setupTestManager(t *testing.T) *Manager {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shared.db")
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			t.Fatalf("failed to set pragma: %v", err)
		}
	}

	m := NewManager(db)
	if err := m.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return m
}

func TestAcquireExclusive(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "resident", "42", "device-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	ok, err = m.Acquire(ctx, "resident", "42", "device-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if ok {
		t.Error("second holder should be refused while the lease is valid")
	}

	// A different entity is an independent lease.
	ok, err = m.Acquire(ctx, "resident", "43", "device-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ok {
		t.Error("lease on a different entity should succeed")
	}
}

func TestAcquireSameHolderRefreshes(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return now })

	if ok, err := m.Acquire(ctx, "resident", "42", "device-a", time.Minute); err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	now = now.Add(30 * time.Second)
	ok, err := m.Acquire(ctx, "resident", "42", "device-a", time.Minute)
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("same holder should be able to re-acquire its live lease")
	}

	l, err := m.Holder(ctx, "resident", "42")
	if err != nil {
		t.Fatalf("holder lookup failed: %v", err)
	}
	if l == nil {
		t.Fatal("expected a valid lease")
	}
	if want := now.Add(time.Minute); !l.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, l.ExpiresAt)
	}
}

func TestExpiredLeaseReclaimed(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return now })

	if ok, err := m.Acquire(ctx, "resident", "42", "device-a", time.Minute); err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	// Still valid one second before expiry.
	now = now.Add(59 * time.Second)
	ok, err := m.Acquire(ctx, "resident", "42", "device-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if ok {
		t.Error("lease should still be held one second before expiry")
	}

	// At the expiry instant the lease is reclaimable.
	now = now.Add(time.Second)
	ok, err = m.Acquire(ctx, "resident", "42", "device-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expired lease should be reclaimed")
	}

	l, err := m.Holder(ctx, "resident", "42")
	if err != nil {
		t.Fatalf("holder lookup failed: %v", err)
	}
	if l == nil || l.HolderID != "device-b" {
		t.Errorf("expected device-b to hold the lease, got %+v", l)
	}
}

func TestExpiryWithMixedFractionalPrecision(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	// Fractional seconds of different widths must compare as time, not as
	// text: ".5" sorts after ".52" lexicographically but is earlier.
	acquired := time.Date(2026, 3, 1, 9, 0, 0, 520_000_000, time.UTC)
	now := acquired
	m.SetNow(func() time.Time { return now })

	if ok, err := m.Acquire(ctx, "resident", "42", "device-a", time.Minute); err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	// 20ms of validity left; the lease must hold.
	now = time.Date(2026, 3, 1, 9, 1, 0, 500_000_000, time.UTC)
	ok, err := m.Acquire(ctx, "resident", "42", "device-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if ok {
		t.Fatal("lease with validity left must not be reclaimed")
	}

	// At the expiry instant the reclaim goes through.
	now = time.Date(2026, 3, 1, 9, 1, 0, 520_000_000, time.UTC)
	ok, err = m.Acquire(ctx, "resident", "42", "device-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expired lease should be reclaimed")
	}
}

func TestReleaseIsScopedToHolder(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	if ok, err := m.Acquire(ctx, "resident", "42", "device-a", time.Minute); err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	// A non-holder release is a harmless no-op.
	if err := m.Release(ctx, "resident", "42", "device-b"); err != nil {
		t.Fatalf("foreign release should not error: %v", err)
	}
	if ok, err := m.Acquire(ctx, "resident", "42", "device-b", time.Minute); err != nil || ok {
		t.Fatalf("lease should still be held after foreign release: ok=%v err=%v", ok, err)
	}

	if err := m.Release(ctx, "resident", "42", "device-a"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if ok, err := m.Acquire(ctx, "resident", "42", "device-b", time.Minute); err != nil || !ok {
		t.Fatalf("lease should be free after release: ok=%v err=%v", ok, err)
	}

	// Double release after losing the lease is still fine.
	if err := m.Release(ctx, "resident", "42", "device-a"); err != nil {
		t.Fatalf("double release should not error: %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return now })

	if ok, err := m.Acquire(ctx, "resident", "42", "device-a", time.Minute); err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	now = now.Add(45 * time.Second)
	ok, err := m.Heartbeat(ctx, "resident", "42", "device-a", time.Minute)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if !ok {
		t.Fatal("heartbeat of a live lease should succeed")
	}

	// The extension starts from the heartbeat, not the original acquire.
	now = now.Add(50 * time.Second)
	if ok, err := m.Acquire(ctx, "resident", "42", "device-b", time.Minute); err != nil || ok {
		t.Fatalf("extended lease should still block others: ok=%v err=%v", ok, err)
	}

	// Once expired, heartbeat reports lost exclusivity.
	now = now.Add(time.Minute)
	ok, err = m.Heartbeat(ctx, "resident", "42", "device-a", time.Minute)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if ok {
		t.Error("heartbeat of an expired lease should report false")
	}
}

func TestHolderHidesExpired(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return now })

	if ok, err := m.Acquire(ctx, "resident", "42", "device-a", time.Minute); err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	now = now.Add(2 * time.Minute)
	l, err := m.Holder(ctx, "resident", "42")
	if err != nil {
		t.Fatalf("holder lookup failed: %v", err)
	}
	if l != nil {
		t.Errorf("expired lease should read as absent, got %+v", l)
	}
}

func TestAcquireValidation(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "resident", "42", "", time.Minute); err == nil {
		t.Error("expected error for empty holder id")
	}
	if _, err := m.Acquire(ctx, "resident", "42", "device-a", 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestAcquireSingleWinnerUnderContention(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	const holders = 8
	var wg sync.WaitGroup
	wins := make(chan string, holders)

	for i := 0; i < holders; i++ {
		holder := fmt.Sprintf("device-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Acquire(ctx, "resident", "42", holder, time.Minute)
			if err != nil {
				t.Errorf("acquire failed for %s: %v", holder, err)
				return
			}
			if ok {
				wins <- holder
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d (%v)", len(winners), winners)
	}

	l, err := m.Holder(ctx, "resident", "42")
	if err != nil {
		t.Fatalf("holder lookup failed: %v", err)
	}
	if l == nil || l.HolderID != winners[0] {
		t.Errorf("holder table disagrees with winner %s: %+v", winners[0], l)
	}
}
