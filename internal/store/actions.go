package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rosewoodhq/synckit/internal/action"
)

// ErrNotFound is returned when an action ID is not in the log.
var ErrNotFound = sql.ErrNoRows

// Enqueue appends an action to the durable log.
//
// Enqueue always succeeds locally, online or offline; the WAL commit makes
// the action durable across process restarts. If the action has no ID one
// is assigned. Returns the action ID.
func (s *Store) Enqueue(a *action.QueuedAction) (string, error) {
	return s.EnqueueContext(context.Background(), a)
}

// EnqueueContext appends an action with context support.
func (s *Store) EnqueueContext(ctx context.Context, a *action.QueuedAction) (string, error) {
	if a.ID == "" {
		fresh := action.New(a.EntityType, a.EntityID, a.Op, a.Payload, a.ClientVersion)
		a.ID = fresh.ID
		if a.CapturedAt.IsZero() {
			a.CapturedAt = fresh.CapturedAt
		}
	}
	if a.Status == "" {
		a.Status = action.StatusPending
	}
	if err := a.Validate(); err != nil {
		return "", err
	}

	query := `
	INSERT INTO actions (
		id, entity_type, entity_id, op, payload,
		captured_at, client_version, status, retry_count, last_error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		a.ID,
		a.EntityType,
		a.EntityID,
		string(a.Op),
		[]byte(a.Payload),
		a.CapturedAt.UTC().Format(timeLayout),
		a.ClientVersion,
		string(a.Status),
		a.RetryCount,
		a.LastError,
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue action %s: %w", a.ID, err)
	}

	return a.ID, nil
}

// Get retrieves a single action by ID.
// Returns ErrNotFound if the action is not in the log.
func (s *Store) Get(ctx context.Context, id string) (*action.QueuedAction, error) {
	query := `
	SELECT id, entity_type, entity_id, op, payload,
	       captured_at, client_version, status, retry_count, last_error
	FROM actions
	WHERE id = ?
	`
	row := s.conn.QueryRowContext(ctx, query, id)
	return scanAction(row)
}

// ListPending returns queued actions ready to sync, ordered by capture time.
//
// The order is the single-client causal order: a drain applies these
// strictly first-to-last. Actions whose retry backoff has not elapsed yet
// (next_retry_at in the future) are excluded.
func (s *Store) ListPending(ctx context.Context) ([]*action.QueuedAction, error) {
	return s.listWhere(ctx,
		"status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
		string(action.StatusPending), time.Now().UTC().Format(timeLayout))
}

// ListByStatus returns all actions in the given status, in capture order.
func (s *Store) ListByStatus(ctx context.Context, st action.Status) ([]*action.QueuedAction, error) {
	return s.listWhere(ctx, "status = ?", string(st))
}

func (s *Store) listWhere(ctx context.Context, where string, args ...interface{}) ([]*action.QueuedAction, error) {
	query := `
	SELECT id, entity_type, entity_id, op, payload,
	       captured_at, client_version, status, retry_count, last_error
	FROM actions
	WHERE ` + where + `
	ORDER BY captured_at ASC, id ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []*action.QueuedAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}

	return actions, nil
}

// UpdateStatus moves an action to a new status, enforcing the state machine.
//
// Returns an error if the transition is not legal (e.g. Synced → Pending)
// or the action doesn't exist.
func (s *Store) UpdateStatus(ctx context.Context, id string, next action.Status) error {
	return s.transition(ctx, id, next, func(a *action.QueuedAction) (string, []interface{}) {
		extra := ""
		var args []interface{}
		if next == action.StatusSynced {
			extra = ", synced_at = ?"
			args = append(args, time.Now().UTC().Format(timeLayout))
		}
		return extra, args
	})
}

// MarkRetry records a failed apply attempt: bumps the retry count, stores
// the error for operator review, and schedules the next attempt.
//
// retryCount must be strictly greater than the stored count; the count
// only ever increases.
func (s *Store) MarkRetry(ctx context.Context, id string, next action.Status, retryCount int, nextRetryAt *time.Time, lastErr string) error {
	return s.transition(ctx, id, next, func(a *action.QueuedAction) (string, []interface{}) {
		return ", retry_count = ?, next_retry_at = ?, last_error = ?",
			[]interface{}{retryCount, timeToNullString(nextRetryAt), lastErr}
	}, func(a *action.QueuedAction) error {
		if retryCount <= a.RetryCount {
			return fmt.Errorf("retry count must increase: have %d, got %d", a.RetryCount, retryCount)
		}
		return nil
	})
}

// Fail moves an action to Failed, recording the cause. The retry count is
// left alone; not every failure is a retry.
func (s *Store) Fail(ctx context.Context, id string, lastErr string) error {
	return s.transition(ctx, id, action.StatusFailed, func(a *action.QueuedAction) (string, []interface{}) {
		return ", last_error = ?", []interface{}{lastErr}
	})
}

// Requeue returns a Conflicted action to Pending with a corrected client
// version, as produced by the conflict resolver's replay outcome. A non-nil
// payload replaces the queued payload (field-level merge result).
func (s *Store) Requeue(ctx context.Context, id string, clientVersion uint64, payload []byte) error {
	return s.transition(ctx, id, action.StatusPending, func(a *action.QueuedAction) (string, []interface{}) {
		if payload == nil {
			return ", client_version = ?, next_retry_at = NULL",
				[]interface{}{clientVersion}
		}
		return ", client_version = ?, payload = ?, next_retry_at = NULL",
			[]interface{}{clientVersion, payload}
	})
}

// Cancel deletes a Pending action before it is ever attempted. Actions in
// any other status have left the UI's control and must run to a terminal
// state instead.
func (s *Store) Cancel(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM actions WHERE id = ? AND status = ?`,
		id, string(action.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to cancel action %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check cancellation of %s: %w", id, err)
	}
	if n == 0 {
		a, getErr := s.Get(ctx, id)
		if getErr != nil {
			return fmt.Errorf("action %s not found", id)
		}
		return fmt.Errorf("cannot cancel action %s in status %s", id, a.Status)
	}

	return nil
}

type extraCols func(a *action.QueuedAction) (string, []interface{})
type extraCheck func(a *action.QueuedAction) error

// transition applies a guarded status change inside a transaction so that a
// concurrent writer cannot slip an illegal transition between read and write.
func (s *Store) transition(ctx context.Context, id string, next action.Status, cols extraCols, checks ...extraCheck) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
	SELECT id, entity_type, entity_id, op, payload,
	       captured_at, client_version, status, retry_count, last_error
	FROM actions WHERE id = ?`, id)

	a, err := scanAction(row)
	if err != nil {
		return fmt.Errorf("failed to load action %s: %w", id, err)
	}

	if !a.Status.CanTransition(next) {
		return fmt.Errorf("illegal transition for action %s: %s -> %s", id, a.Status, next)
	}
	for _, check := range checks {
		if err := check(a); err != nil {
			return fmt.Errorf("action %s: %w", id, err)
		}
	}

	extra, args := cols(a)
	query := "UPDATE actions SET status = ?" + extra + " WHERE id = ?"
	all := append([]interface{}{string(next)}, args...)
	all = append(all, id)

	if _, err := tx.ExecContext(ctx, query, all...); err != nil {
		return fmt.Errorf("failed to update action %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}

	return nil
}

// Remove deletes an action from the log.
//
// Removal is only legal for Synced actions (pruning) and Failed actions
// (explicit operator discard). Anything else is still live queue state.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM actions WHERE id = ? AND status IN (?, ?)`,
		id, string(action.StatusSynced), string(action.StatusFailed))
	if err != nil {
		return fmt.Errorf("failed to remove action %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check removal of %s: %w", id, err)
	}
	if n == 0 {
		a, getErr := s.Get(ctx, id)
		if getErr != nil {
			return fmt.Errorf("action %s not found", id)
		}
		return fmt.Errorf("cannot remove action %s in status %s", id, a.Status)
	}

	return nil
}

// Prune deletes all Synced actions and returns how many were removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM actions WHERE status = ?`, string(action.StatusSynced))
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced actions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned actions: %w", err)
	}
	return int(n), nil
}

// RecoverSyncing reverts any action left Syncing by a crashed coordinator
// back to Pending. Call once on startup, before the first drain.
//
// The apply itself may or may not have reached the server before the crash;
// the idempotency key makes the subsequent replay safe either way.
func (s *Store) RecoverSyncing(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE actions SET status = ? WHERE status = ?`,
		string(action.StatusPending), string(action.StatusSyncing))
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight actions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered actions: %w", err)
	}
	return int(n), nil
}

// Stats summarizes the queue for status surfaces.
type Stats struct {
	PendingCount    int        `json:"pending_count" yaml:"pending_count"`
	FailedCount     int        `json:"failed_count" yaml:"failed_count"`
	ConflictedCount int        `json:"conflicted_count" yaml:"conflicted_count"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty" yaml:"last_sync_at,omitempty"`
}

// GetStats returns queue counts and the most recent successful sync time.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	row := s.conn.QueryRowContext(ctx, `
	SELECT
		COUNT(CASE WHEN status IN (?, ?) THEN 1 END),
		COUNT(CASE WHEN status = ? THEN 1 END),
		COUNT(CASE WHEN status = ? THEN 1 END),
		MAX(synced_at)
	FROM actions`,
		string(action.StatusPending), string(action.StatusSyncing),
		string(action.StatusFailed),
		string(action.StatusConflicted))

	var lastSync sql.NullString
	if err := row.Scan(&stats.PendingCount, &stats.FailedCount, &stats.ConflictedCount, &lastSync); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	stats.LastSyncAt = nullStringToTime(lastSync)

	return stats, nil
}

// scanner abstracts sql.Row and sql.Rows for scanAction.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row scanner) (*action.QueuedAction, error) {
	var a action.QueuedAction
	var op, status, capturedAt string
	var payload []byte

	err := row.Scan(
		&a.ID,
		&a.EntityType,
		&a.EntityID,
		&op,
		&payload,
		&capturedAt,
		&a.ClientVersion,
		&status,
		&a.RetryCount,
		&a.LastError,
	)
	if err != nil {
		return nil, err
	}

	a.Op = action.Operation(op)
	a.Status = action.Status(status)
	a.Payload = payload

	if t, err := time.Parse(time.RFC3339Nano, capturedAt); err == nil {
		a.CapturedAt = t
	}

	return &a, nil
}
