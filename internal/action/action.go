// Package action provides the data model for queued offline actions.
package action

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of mutation an action performs on its target entity.
type Operation string

const (
	// OpCreate creates a new entity.
	OpCreate Operation = "create"
	// OpUpdate modifies an existing entity.
	OpUpdate Operation = "update"
	// OpDelete removes an entity.
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a queued action.
//
// Allowed transitions:
//
//	Pending    → Syncing
//	Syncing    → Synced | Conflicted | Failed | Pending (retry)
//	Conflicted → Pending (resolver replay) | Failed (manual review exhausted)
//
// Synced and Failed are terminal; a Failed action leaves the queue only
// through an explicit operator discard or requeue.
type Status string

const (
	// StatusPending means the action is queued and awaiting sync.
	StatusPending Status = "pending"
	// StatusSyncing means a coordinator is currently applying the action.
	StatusSyncing Status = "syncing"
	// StatusSynced means the action was applied to the server exactly once.
	StatusSynced Status = "synced"
	// StatusConflicted means the server state diverged and the action needs review.
	StatusConflicted Status = "conflicted"
	// StatusFailed means retries were exhausted or the failure was permanent.
	StatusFailed Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusConflicted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSyncing
	case StatusSyncing:
		return next == StatusSynced || next == StatusConflicted ||
			next == StatusFailed || next == StatusPending
	case StatusConflicted:
		return next == StatusPending || next == StatusFailed
	default:
		return false
	}
}

// QueuedAction is one user-initiated mutation awaiting application to the
// shared server store.
//
// The ID doubles as the idempotency key: the server records every applied ID,
// so a crash-and-replay never double-applies. ID is immutable once assigned.
type QueuedAction struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Op         Operation `json:"op"`

	// Payload is opaque domain data passed through to the apply adapter.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CapturedAt is the client timestamp when the user produced the edit.
	// Drain order and last-writer-wins comparisons use it.
	CapturedAt time.Time `json:"captured_at"`

	// ClientVersion is the entity version the client believed was current
	// when it made the edit.
	ClientVersion uint64 `json:"client_version"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`

	// LastError holds the most recent apply failure, for operator review.
	LastError string `json:"last_error,omitempty"`
}

// New creates a Pending action with a fresh ID and capture timestamp.
func New(entityType, entityID string, op Operation, payload json.RawMessage, clientVersion uint64) *QueuedAction {
	return &QueuedAction{
		ID:            uuid.New().String(),
		EntityType:    entityType,
		EntityID:      entityID,
		Op:            op,
		Payload:       payload,
		CapturedAt:    time.Now().UTC(),
		ClientVersion: clientVersion,
		Status:        StatusPending,
	}
}

// ValidationError describes a malformed action. Actions failing validation
// are never retried; they are surfaced to the operator immediately.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid action: %s %s", e.Field, e.Reason)
}

// Validate checks that the action is well-formed.
func (a *QueuedAction) Validate() error {
	if a.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if a.EntityType == "" {
		return &ValidationError{Field: "entity_type", Reason: "is required"}
	}
	if a.EntityID == "" {
		return &ValidationError{Field: "entity_id", Reason: "is required"}
	}
	if !a.Op.Valid() {
		return &ValidationError{Field: "op", Reason: fmt.Sprintf("%q is not a known operation", a.Op)}
	}
	if a.CapturedAt.IsZero() {
		return &ValidationError{Field: "captured_at", Reason: "is required"}
	}
	if !a.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not a known status", a.Status)}
	}
	if a.RetryCount < 0 {
		return &ValidationError{Field: "retry_count", Reason: "must not be negative"}
	}
	return nil
}
