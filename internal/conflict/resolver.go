// Package conflict decides what happens to a queued action whose expected
// entity version no longer matches the server.
//
// The default strategy is last-writer-wins by timestamp: a queued action
// strictly newer than the server record's last modification is replayed
// against the current version; anything older or equal is surfaced for
// manual review. A conflict is never resolved silently in either direction:
// the losing action is marked, not dropped, and the server record is never
// blindly overwritten by stale data.
package conflict

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rosewoodhq/synckit/internal/action"
)

// Outcome is the resolver's decision for a conflicted action.
type Outcome int

const (
	// OutcomeReplay re-queues the action as Pending with its client version
	// corrected to the current server version.
	OutcomeReplay Outcome = iota
	// OutcomeManualReview marks the action Conflicted for operator review.
	OutcomeManualReview
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeReplay:
		return "replay"
	case OutcomeManualReview:
		return "manual_review"
	default:
		return "unknown"
	}
}

// Resolution carries the decision back to the coordinator.
type Resolution struct {
	Outcome Outcome

	// CorrectedVersion is the server version to replay against.
	// Only meaningful for OutcomeReplay.
	CorrectedVersion uint64

	// MergedPayload replaces the action payload on replay when a field-level
	// merger produced it. Nil means replay the original payload unchanged.
	MergedPayload json.RawMessage
}

// Merger merges a conflicting local payload with the server's record at
// field level, instead of a full overwrite. Domain features supply one per
// entity type when whole-record last-writer-wins is too coarse.
type Merger interface {
	// Merge returns the merged payload to replay, or ok=false when the
	// payloads cannot be merged; the resolver then sends the action to
	// manual review. An error does the same.
	Merge(entityType, entityID string, server, local json.RawMessage) (merged json.RawMessage, ok bool, err error)
}

// ServerState is the resolver's view of the conflicting server record.
type ServerState struct {
	// Version is the current server version (the CAS loser's actual value).
	Version uint64
	// LastModified is when the server record last changed.
	LastModified time.Time
	// Payload is the server record's current data, passed to mergers.
	// May be nil when the caller has no cheap way to fetch it.
	Payload json.RawMessage
}

// Resolver applies a resolution strategy to version conflicts.
type Resolver struct {
	merger Merger
	logger *log.Logger
}

// New creates a resolver with the default last-writer-wins strategy.
//
// If merger is non-nil it owns every conflict: a decline or error means
// manual review, and last-writer-wins is never consulted. If logger is nil,
// a default logger writing to stderr is used.
func New(merger Merger, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	return &Resolver{
		merger: merger,
		logger: logger,
	}
}

// Resolve decides the fate of a conflicted action.
func (r *Resolver) Resolve(a *action.QueuedAction, server ServerState) (*Resolution, error) {
	if a == nil {
		return nil, fmt.Errorf("action is required")
	}

	r.logger.Printf("Resolving conflict: action=%s entity=%s/%s clientVersion=%d serverVersion=%d",
		a.ID, a.EntityType, a.EntityID, a.ClientVersion, server.Version)

	// A registered merger owns the decision: merge and replay, or send the
	// action to review. It never falls through to last-writer-wins.
	if r.merger != nil {
		merged, ok, err := r.merger.Merge(a.EntityType, a.EntityID, server.Payload, a.Payload)
		if err != nil {
			r.logger.Printf("Merge failed for action %s, sending to review: %v", a.ID, err)
			return &Resolution{Outcome: OutcomeManualReview}, nil
		}
		if !ok {
			r.logger.Printf("Merger declined for action %s, sending to review", a.ID)
			return &Resolution{Outcome: OutcomeManualReview}, nil
		}
		r.logger.Printf("Conflict merged: action=%s replaying at version %d", a.ID, server.Version)
		return &Resolution{
			Outcome:          OutcomeReplay,
			CorrectedVersion: server.Version,
			MergedPayload:    merged,
		}, nil
	}

	// Last-writer-wins: strictly newer client edits replay, everything else
	// goes to an operator. Equal timestamps are not "newer".
	if a.CapturedAt.After(server.LastModified) {
		r.logger.Printf("Conflict resolved by last-writer-wins: action=%s replaying at version %d",
			a.ID, server.Version)
		return &Resolution{
			Outcome:          OutcomeReplay,
			CorrectedVersion: server.Version,
		}, nil
	}

	r.logger.Printf("Conflict needs review: action=%s captured=%s server modified=%s",
		a.ID, a.CapturedAt.Format(time.RFC3339), server.LastModified.Format(time.RFC3339))
	return &Resolution{Outcome: OutcomeManualReview}, nil
}
