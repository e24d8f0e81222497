package version

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// setupTestTracker creates a tracker over a temporary shared database.
func setupTestTracker(t *testing.T) *Tracker {
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

	tr := NewTracker(db)
	if err := tr.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return tr
}

func TestGetMissingEntity(t *testing.T) {
	tr := setupTestTracker(t)

	v, err := tr.Get(context.Background(), "resident", "42")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if v != 0 {
		t.Errorf("unknown entity should read as version 0, got %d", v)
	}
}

func TestBumpCreatesAtOne(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()

	v, err := tr.Bump(ctx, "resident", "42", 0)
	if err != nil {
		t.Fatalf("bump failed: %v", err)
	}
	if v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}

	// A second create attempt against expected 0 loses.
	_, err = tr.Bump(ctx, "resident", "42", 0)
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestBumpCompareAndSwap(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()

	if _, err := tr.Bump(ctx, "resident", "42", 0); err != nil {
		t.Fatalf("bump failed: %v", err)
	}
	v, err := tr.Bump(ctx, "resident", "42", 1)
	if err != nil {
		t.Fatalf("bump failed: %v", err)
	}
	if v != 2 {
		t.Errorf("expected version 2, got %d", v)
	}

	// Stale writer loses and learns the actual version.
	_, err = tr.Bump(ctx, "resident", "42", 1)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
	if ce.Expected != 1 || ce.Actual != 2 {
		t.Errorf("expected conflict 1 vs 2, got %d vs %d", ce.Expected, ce.Actual)
	}

	// The losing attempt must not have advanced the version.
	v, err = tr.Get(ctx, "resident", "42")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if v != 2 {
		t.Errorf("lost swap should not change version, got %d", v)
	}
}

func TestLastModified(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()

	ts, err := tr.LastModified(ctx, "resident", "42")
	if err != nil {
		t.Fatalf("last modified failed: %v", err)
	}
	if !ts.IsZero() {
		t.Errorf("never-written entity should have zero time, got %v", ts)
	}

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tr.SetNow(func() time.Time { return now })

	if _, err := tr.Bump(ctx, "resident", "42", 0); err != nil {
		t.Fatalf("bump failed: %v", err)
	}

	ts, err = tr.LastModified(ctx, "resident", "42")
	if err != nil {
		t.Fatalf("last modified failed: %v", err)
	}
	if !ts.Equal(now) {
		t.Errorf("expected last modified %v, got %v", now, ts)
	}
}

func TestCommitApplied(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()

	v, err := tr.CommitApplied(ctx, "resident", "42", 0, "act-1")
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}

	applied, err := tr.WasApplied(ctx, "act-1")
	if err != nil {
		t.Fatalf("applied check failed: %v", err)
	}
	if !applied {
		t.Error("committed action should be in the applied set")
	}
}

func TestCommitAppliedConflictLeavesNoMarker(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()

	if _, err := tr.CommitApplied(ctx, "resident", "42", 0, "act-1"); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// Stale expected version: the whole commit rolls back.
	_, err := tr.CommitApplied(ctx, "resident", "42", 0, "act-2")
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	applied, err := tr.WasApplied(ctx, "act-2")
	if err != nil {
		t.Fatalf("applied check failed: %v", err)
	}
	if applied {
		t.Error("losing commit must not mark its action applied")
	}

	v, err := tr.Get(ctx, "resident", "42")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if v != 1 {
		t.Errorf("losing commit must not change the version, got %d", v)
	}
}

func TestMarkAppliedIdempotent(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()

	if err := tr.MarkApplied(ctx, "act-1"); err != nil {
		t.Fatalf("mark applied failed: %v", err)
	}
	if err := tr.MarkApplied(ctx, "act-1"); err != nil {
		t.Fatalf("second mark applied should be a no-op: %v", err)
	}

	applied, err := tr.WasApplied(ctx, "act-1")
	if err != nil {
		t.Fatalf("applied check failed: %v", err)
	}
	if !applied {
		t.Error("expected action in the applied set")
	}
}
