package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KnownVersion returns the last server version this client has seen for an
// entity. Entities never seen before read as version 0.
func (s *Store) KnownVersion(ctx context.Context, entityType, entityID string) (uint64, error) {
	var version uint64
	err := s.conn.QueryRowContext(ctx,
		`SELECT version FROM known_versions WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read known version for %s/%s: %w", entityType, entityID, err)
	}
	return version, nil
}

// SetKnownVersion records the server version observed for an entity.
func (s *Store) SetKnownVersion(ctx context.Context, entityType, entityID string, version uint64) error {
	query := `
	INSERT INTO known_versions (entity_type, entity_id, version, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		version = excluded.version,
		updated_at = excluded.updated_at
	`
	_, err := s.conn.ExecContext(ctx, query,
		entityType, entityID, version, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to record known version for %s/%s: %w", entityType, entityID, err)
	}
	return nil
}
