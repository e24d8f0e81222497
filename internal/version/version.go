// Package version tracks server-authoritative entity versions and the set
// of applied action IDs.
//
// Bump is a compare-and-swap: at most one writer can advance an entity's
// version for a given expected value. This is an independent serialization
// point on top of the lease manager, so an incorrectly granted or
// mid-apply-expired lease still cannot produce a lost update.
package version

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ConflictError reports a failed compare-and-swap: the server version had
// moved past what the writer expected. It is routed to the conflict
// resolver, never blindly retried.
type ConflictError struct {
	EntityType string
	EntityID   string
	Expected   uint64
	Actual     uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected %d, server has %d",
		e.EntityType, e.EntityID, e.Expected, e.Actual)
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// timeLayout is RFC 3339 with fixed-width nanoseconds, matching the other
// store timestamps so all columns compare consistently as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Tracker mediates all access to the shared version table.
type Tracker struct {
	db  *sql.DB
	now func() time.Time
}

// NewTracker creates a version tracker over the shared database connection.
// Call InitSchema before first use.
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{
		db:  db,
		now: time.Now,
	}
}

// SetNow overrides the clock, for tests that need to position the server's
// last-modified timestamp relative to a queued action's capture time.
func (t *Tracker) SetNow(now func() time.Time) {
	t.now = now
}

// InitSchema creates the version and applied-action tables. Idempotent.
func (t *Tracker) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entity_versions (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);

	-- Idempotency key set: action IDs that have been applied
	CREATE TABLE IF NOT EXISTS applied_actions (
		action_id TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	);
	`
	if _, err := t.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize version schema: %w", err)
	}
	return nil
}

// Get returns the current server version for an entity.
// Entities with no row read as version 0.
func (t *Tracker) Get(ctx context.Context, entityType, entityID string) (uint64, error) {
	var version uint64
	err := t.db.QueryRowContext(ctx,
		`SELECT version FROM entity_versions WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read version for %s/%s: %w", entityType, entityID, err)
	}
	return version, nil
}

// LastModified returns when the entity's version last advanced.
// The zero time means the entity has never been written.
func (t *Tracker) LastModified(ctx context.Context, entityType, entityID string) (time.Time, error) {
	var updatedAt string
	err := t.db.QueryRowContext(ctx,
		`SELECT updated_at FROM entity_versions WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last modified for %s/%s: %w", entityType, entityID, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last modified for %s/%s: %w", entityType, entityID, err)
	}
	return ts, nil
}

// Bump advances the entity version by exactly one, iff the current version
// equals expected. Expected 0 creates the entity at version 1.
//
// Returns the new version on success, or a *ConflictError carrying the
// actual server version when the compare-and-swap loses.
func (t *Tracker) Bump(ctx context.Context, entityType, entityID string, expected uint64) (uint64, error) {
	now := t.now().UTC().Format(timeLayout)

	var res sql.Result
	var err error
	if expected == 0 {
		res, err = t.db.ExecContext(ctx, `
		INSERT INTO entity_versions (entity_type, entity_id, version, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(entity_type, entity_id) DO NOTHING`,
			entityType, entityID, now)
	} else {
		res, err = t.db.ExecContext(ctx, `
		UPDATE entity_versions SET version = version + 1, updated_at = ?
		WHERE entity_type = ? AND entity_id = ? AND version = ?`,
			now, entityType, entityID, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to bump version for %s/%s: %w", entityType, entityID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check version bump: %w", err)
	}
	if n > 0 {
		return expected + 1, nil
	}

	actual, err := t.Get(ctx, entityType, entityID)
	if err != nil {
		return 0, err
	}
	return 0, &ConflictError{
		EntityType: entityType,
		EntityID:   entityID,
		Expected:   expected,
		Actual:     actual,
	}
}

// CommitApplied advances the entity version and records the action ID in
// the applied set in one transaction, so a crash can never leave a bumped
// version without its idempotency marker or vice versa.
//
// Returns the new version, or a *ConflictError when the compare-and-swap
// loses.
func (t *Tracker) CommitApplied(ctx context.Context, entityType, entityID string, expected uint64, actionID string) (uint64, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback()

	now := t.now().UTC().Format(timeLayout)

	var res sql.Result
	if expected == 0 {
		res, err = tx.ExecContext(ctx, `
		INSERT INTO entity_versions (entity_type, entity_id, version, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(entity_type, entity_id) DO NOTHING`,
			entityType, entityID, now)
	} else {
		res, err = tx.ExecContext(ctx, `
		UPDATE entity_versions SET version = version + 1, updated_at = ?
		WHERE entity_type = ? AND entity_id = ? AND version = ?`,
			now, entityType, entityID, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to bump version for %s/%s: %w", entityType, entityID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check version bump: %w", err)
	}
	if n == 0 {
		var actual uint64
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM entity_versions WHERE entity_type = ? AND entity_id = ?`,
			entityType, entityID).Scan(&actual)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("failed to read conflicting version for %s/%s: %w", entityType, entityID, err)
		}
		return 0, &ConflictError{
			EntityType: entityType,
			EntityID:   entityID,
			Expected:   expected,
			Actual:     actual,
		}
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO applied_actions (action_id, applied_at) VALUES (?, ?)
	ON CONFLICT(action_id) DO NOTHING`,
		actionID, now); err != nil {
		return 0, fmt.Errorf("failed to mark action %s applied: %w", actionID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit applied action %s: %w", actionID, err)
	}

	return expected + 1, nil
}

// WasApplied reports whether an action ID is already in the applied set.
// Coordinators consult this before calling the domain adapter so a
// crash-and-replay never double-applies.
func (t *Tracker) WasApplied(ctx context.Context, actionID string) (bool, error) {
	var one int
	err := t.db.QueryRowContext(ctx,
		`SELECT 1 FROM applied_actions WHERE action_id = ?`, actionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check applied set for %s: %w", actionID, err)
	}
	return true, nil
}

// MarkApplied records an action ID in the applied set. Idempotent.
func (t *Tracker) MarkApplied(ctx context.Context, actionID string) error {
	_, err := t.db.ExecContext(ctx, `
	INSERT INTO applied_actions (action_id, applied_at) VALUES (?, ?)
	ON CONFLICT(action_id) DO NOTHING`,
		actionID, t.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to mark action %s applied: %w", actionID, err)
	}
	return nil
}
