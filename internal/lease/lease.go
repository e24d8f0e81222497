// Package lease provides time-bounded per-entity leases over a shared
// SQLite store.
//
// A lease is an exclusive claim on the right to synchronize one entity.
// At most one valid (unexpired) lease exists per entity at any instant.
// Validity is purely time-based: a lease abandoned by a crashed client
// simply expires, and the next Acquire reclaims it in the same atomic
// statement. There is no background sweeper.
//
// Multiple coordinators on different devices share the lease table through
// the same database file (WAL mode), so Acquire must not race: the
// compare-and-create happens in a single INSERT .. ON CONFLICT statement,
// never as a separate check followed by a set.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeLayout is RFC 3339 with fixed-width nanoseconds. The acquire and
// heartbeat statements compare these strings in SQL, so the width must not
// vary with fractional precision.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Lease is one entity's exclusion record.
type Lease struct {
	EntityType string
	EntityID   string
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Manager mediates all access to the shared lease table.
type Manager struct {
	db  *sql.DB
	now func() time.Time
}

// NewManager creates a lease manager over the shared database connection.
//
// The connection must point at the shared server store, not a client's
// private queue database. Call InitSchema before first use.
func NewManager(db *sql.DB) *Manager {
	return &Manager{
		db:  db,
		now: time.Now,
	}
}

// SetNow overrides the clock. Tests use this to step time past a TTL
// without sleeping.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}

// InitSchema creates the lease table if it doesn't exist. Idempotent.
func (m *Manager) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS leases (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		holder_id TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_leases_expiry ON leases(expires_at);
	`
	if _, err := m.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize lease schema: %w", err)
	}
	return nil
}

// Acquire attempts to take the lease for an entity.
//
// It succeeds iff no valid lease exists: either there is no row, the
// existing row has expired, or the caller already holds it (re-acquiring
// your own live lease refreshes it, which makes a crash-restart by the
// same holder safe). On success the lease expires at now+ttl.
//
// Returns false, nil when another holder's valid lease is in the way.
func (m *Manager) Acquire(ctx context.Context, entityType, entityID, holderID string, ttl time.Duration) (bool, error) {
	if holderID == "" {
		return false, fmt.Errorf("holder id is required")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("ttl must be positive (got %v)", ttl)
	}

	now := m.now().UTC()
	query := `
	INSERT INTO leases (entity_type, entity_id, holder_id, acquired_at, expires_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		holder_id = excluded.holder_id,
		acquired_at = excluded.acquired_at,
		expires_at = excluded.expires_at
	WHERE leases.expires_at <= excluded.acquired_at
	   OR leases.holder_id = excluded.holder_id
	`

	res, err := m.db.ExecContext(ctx, query,
		entityType, entityID, holderID,
		now.Format(timeLayout),
		now.Add(ttl).Format(timeLayout))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease for %s/%s: %w", entityType, entityID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lease acquisition: %w", err)
	}

	return n > 0, nil
}

// Release gives up the lease.
//
// Releasing a lease you do not hold (including one that already expired
// and was reclaimed) is a no-op, not an error. That keeps double-release
// after an implicit expiry harmless.
func (m *Manager) Release(ctx context.Context, entityType, entityID, holderID string) error {
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM leases WHERE entity_type = ? AND entity_id = ? AND holder_id = ?`,
		entityType, entityID, holderID)
	if err != nil {
		return fmt.Errorf("failed to release lease for %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// Heartbeat extends a held lease by ttl from now, for applies that run
// long. Returns false if the caller no longer holds a valid lease; the
// apply should then be treated as having lost exclusivity.
func (m *Manager) Heartbeat(ctx context.Context, entityType, entityID, holderID string, ttl time.Duration) (bool, error) {
	now := m.now().UTC()
	res, err := m.db.ExecContext(ctx, `
	UPDATE leases SET expires_at = ?
	WHERE entity_type = ? AND entity_id = ? AND holder_id = ? AND expires_at > ?`,
		now.Add(ttl).Format(timeLayout),
		entityType, entityID, holderID,
		now.Format(timeLayout))
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat lease for %s/%s: %w", entityType, entityID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lease heartbeat: %w", err)
	}

	return n > 0, nil
}

// Holder returns the current valid lease for an entity, or nil when no
// valid lease exists. Used by status tooling; coordinators rely on
// Acquire, never on reading then acting.
func (m *Manager) Holder(ctx context.Context, entityType, entityID string) (*Lease, error) {
	row := m.db.QueryRowContext(ctx, `
	SELECT entity_type, entity_id, holder_id, acquired_at, expires_at
	FROM leases
	WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID)

	var l Lease
	var acquiredAt, expiresAt string
	err := row.Scan(&l.EntityType, &l.EntityID, &l.HolderID, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease for %s/%s: %w", entityType, entityID, err)
	}

	if t, err := time.Parse(time.RFC3339Nano, acquiredAt); err == nil {
		l.AcquiredAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
		l.ExpiresAt = t
	}

	if !m.now().UTC().Before(l.ExpiresAt) {
		return nil, nil // expired, awaiting lazy reclaim
	}

	return &l, nil
}
