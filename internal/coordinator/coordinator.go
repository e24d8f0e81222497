package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rosewoodhq/synckit/internal/action"
	"github.com/rosewoodhq/synckit/internal/conflict"
	"github.com/rosewoodhq/synckit/internal/lease"
	"github.com/rosewoodhq/synckit/internal/retry"
	"github.com/rosewoodhq/synckit/internal/store"
	"github.com/rosewoodhq/synckit/internal/version"
)

// Config holds coordinator configuration.
type Config struct {
	// HolderID identifies this client/session in the lease table.
	// Defaults to a fresh UUID per coordinator.
	HolderID string

	// LeaseTTL bounds how long a stalled coordinator can starve others.
	// Applies should finish well inside it; long applies heartbeat.
	LeaseTTL time.Duration

	// Retry bounds transient-failure reattempts.
	Retry retry.Policy

	// Logger for coordinator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HolderID: uuid.New().String(),
		LeaseTTL: 30 * time.Second,
		Retry:    retry.DefaultPolicy(),
		Logger:   log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
	}
}

// Notifier receives coordinator events, e.g. for the dashboard.
type Notifier interface {
	ActionUpdated(a *action.QueuedAction)
	DrainCompleted(result DrainResult)
}

// DrainResult summarizes one pass over the pending queue.
type DrainResult struct {
	Synced     int           `json:"synced"`
	Skipped    int           `json:"skipped"`
	Retried    int           `json:"retried"`
	Conflicted int           `json:"conflicted"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

// SyncStatus is the queue summary exposed to UI and operator tooling.
type SyncStatus struct {
	PendingCount    int        `json:"pending_count" yaml:"pending_count"`
	FailedCount     int        `json:"failed_count" yaml:"failed_count"`
	ConflictedCount int        `json:"conflicted_count" yaml:"conflicted_count"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty" yaml:"last_sync_at,omitempty"`
}

// Coordinator orchestrates the action log, leases, versions, conflict
// resolution, and the domain apply adapter.
type Coordinator struct {
	store    *store.Store
	leases   *lease.Manager
	versions *version.Tracker
	resolver *conflict.Resolver
	applier  Applier
	config   *Config
	notifier Notifier
}

// New creates a coordinator.
//
// The store is this client's private queue database; leases and versions
// must be backed by the shared server store. If config is nil, defaults
// are used. The resolver may be nil, in which case a default last-writer-
// wins resolver is created.
func New(st *store.Store, leases *lease.Manager, versions *version.Tracker, resolver *conflict.Resolver, applier Applier, config *Config) (*Coordinator, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if leases == nil {
		return nil, fmt.Errorf("lease manager cannot be nil")
	}
	if versions == nil {
		return nil, fmt.Errorf("version tracker cannot be nil")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.HolderID == "" {
		config.HolderID = uuid.New().String()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 30 * time.Second
	}
	if resolver == nil {
		resolver = conflict.New(nil, config.Logger)
	}

	return &Coordinator{
		store:    st,
		leases:   leases,
		versions: versions,
		resolver: resolver,
		applier:  applier,
		config:   config,
	}, nil
}

// SetNotifier registers an event sink. Pass nil to unregister.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

// HolderID returns this coordinator's lease holder identity.
func (c *Coordinator) HolderID() string {
	return c.config.HolderID
}

// Submit captures a user mutation into the durable queue.
//
// Submit is synchronous and always succeeds locally, online or offline.
// Returns the generated action ID.
func (c *Coordinator) Submit(ctx context.Context, entityType, entityID string, op action.Operation, payload json.RawMessage, clientVersion uint64) (string, error) {
	a := action.New(entityType, entityID, op, payload, clientVersion)
	id, err := c.store.EnqueueContext(ctx, a)
	if err != nil {
		return "", fmt.Errorf("failed to submit action: %w", err)
	}

	c.config.Logger.Printf("Queued %s on %s/%s (action %s)", op, entityType, entityID, id)
	c.notifyAction(a)
	return id, nil
}

// Recover reverts actions left Syncing by a crash back to Pending.
// Call once on startup, before the first drain.
func (c *Coordinator) Recover(ctx context.Context) error {
	n, err := c.store.RecoverSyncing(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		c.config.Logger.Printf("Recovered %d in-flight actions to pending", n)
	}
	return nil
}

// Drain processes all currently pending actions to completion, in capture
// order, one at a time.
//
// Actions whose target entity is leased by another holder are skipped and
// stay Pending for the next drain. Drain stops early only on ctx
// cancellation or a store-level failure; per-action outcomes (conflict,
// retry, permanent failure) never abort the pass.
func (c *Coordinator) Drain(ctx context.Context) (DrainResult, error) {
	start := time.Now()
	var result DrainResult

	pending, err := c.store.ListPending(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list pending actions: %w", err)
	}

	c.config.Logger.Printf("Draining %d pending actions", len(pending))

	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		outcome, err := c.syncOne(ctx, a)
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		switch outcome {
		case action.StatusSynced:
			result.Synced++
		case action.StatusPending:
			result.Skipped++
		case action.StatusConflicted:
			result.Conflicted++
		case action.StatusFailed:
			result.Failed++
		case action.StatusSyncing:
			// retry scheduled; still pending in the log
			result.Retried++
		}
	}

	result.Duration = time.Since(start)
	c.config.Logger.Printf("Drain complete: synced=%d skipped=%d retried=%d conflicted=%d failed=%d in %v",
		result.Synced, result.Skipped, result.Retried, result.Conflicted, result.Failed,
		result.Duration.Round(time.Millisecond))

	if c.notifier != nil {
		c.notifier.DrainCompleted(result)
	}

	return result, nil
}

// syncOne pushes a single action through the state machine. The returned
// status classifies the outcome for drain accounting: StatusPending means
// the action was skipped for lease contention, StatusSyncing means a retry
// was scheduled.
func (c *Coordinator) syncOne(ctx context.Context, a *action.QueuedAction) (action.Status, error) {
	if err := a.Validate(); err != nil {
		// Malformed rows are surfaced immediately, never retried.
		c.config.Logger.Printf("Action %s failed validation: %v", a.ID, err)
		if uerr := c.store.UpdateStatus(ctx, a.ID, action.StatusSyncing); uerr != nil {
			return "", fmt.Errorf("failed to mark action %s syncing: %w", a.ID, uerr)
		}
		return action.StatusFailed, c.fail(ctx, a, err)
	}

	ok, err := c.leases.Acquire(ctx, a.EntityType, a.EntityID, c.config.HolderID, c.config.LeaseTTL)
	if err != nil {
		return "", fmt.Errorf("failed to acquire lease for action %s: %w", a.ID, err)
	}
	if !ok {
		// Another client is syncing this entity. Not an error; revisit later.
		c.config.Logger.Printf("Action %s deferred: entity %s/%s leased elsewhere",
			a.ID, a.EntityType, a.EntityID)
		return action.StatusPending, nil
	}

	// The lease is released on every exit path below.
	defer func() {
		if err := c.leases.Release(ctx, a.EntityType, a.EntityID, c.config.HolderID); err != nil {
			c.config.Logger.Printf("Warning: failed to release lease for %s/%s: %v",
				a.EntityType, a.EntityID, err)
		}
	}()

	if err := c.store.UpdateStatus(ctx, a.ID, action.StatusSyncing); err != nil {
		return "", fmt.Errorf("failed to mark action %s syncing: %w", a.ID, err)
	}
	a.Status = action.StatusSyncing

	// Crash replay: the server may have seen this ID already.
	applied, err := c.versions.WasApplied(ctx, a.ID)
	if err != nil {
		return "", err
	}
	if applied {
		c.config.Logger.Printf("Action %s already applied on server, completing locally", a.ID)
		return action.StatusSynced, c.complete(ctx, a, 0)
	}

	current, err := c.versions.Get(ctx, a.EntityType, a.EntityID)
	if err != nil {
		return "", err
	}
	if current != a.ClientVersion {
		return c.resolve(ctx, a, current)
	}

	if err := c.applier.Apply(ctx, a); err != nil {
		return c.applyFailed(ctx, a, err)
	}

	newVersion, err := c.versions.CommitApplied(ctx, a.EntityType, a.EntityID, a.ClientVersion, a.ID)
	if err != nil {
		if version.IsConflict(err) {
			// The lease must have lapsed mid-apply and another writer won
			// the CAS. The adapter's idempotency key keeps a replay safe.
			var ce *version.ConflictError
			errors.As(err, &ce)
			return c.resolve(ctx, a, ce.Actual)
		}
		return "", err
	}

	return action.StatusSynced, c.complete(ctx, a, newVersion)
}

// complete marks an action Synced and records the observed server version.
// newVersion 0 means "look it up" (crash-replay path).
func (c *Coordinator) complete(ctx context.Context, a *action.QueuedAction, newVersion uint64) error {
	if newVersion == 0 {
		v, err := c.versions.Get(ctx, a.EntityType, a.EntityID)
		if err != nil {
			return err
		}
		newVersion = v
	}

	if err := c.store.UpdateStatus(ctx, a.ID, action.StatusSynced); err != nil {
		return fmt.Errorf("failed to mark action %s synced: %w", a.ID, err)
	}
	if err := c.store.SetKnownVersion(ctx, a.EntityType, a.EntityID, newVersion); err != nil {
		return err
	}

	a.Status = action.StatusSynced
	c.config.Logger.Printf("Synced action %s: %s/%s now at version %d",
		a.ID, a.EntityType, a.EntityID, newVersion)
	c.notifyAction(a)
	return nil
}

// resolve routes a version conflict through the resolver.
func (c *Coordinator) resolve(ctx context.Context, a *action.QueuedAction, actual uint64) (action.Status, error) {
	modified, err := c.versions.LastModified(ctx, a.EntityType, a.EntityID)
	if err != nil {
		return "", err
	}

	res, err := c.resolver.Resolve(a, conflict.ServerState{
		Version:      actual,
		LastModified: modified,
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve conflict for action %s: %w", a.ID, err)
	}

	switch res.Outcome {
	case conflict.OutcomeReplay:
		// From Syncing, requeue goes through Pending directly.
		if err := c.store.Requeue(ctx, a.ID, res.CorrectedVersion, res.MergedPayload); err != nil {
			return "", fmt.Errorf("failed to requeue action %s: %w", a.ID, err)
		}
		a.Status = action.StatusPending
		a.ClientVersion = res.CorrectedVersion
		c.notifyAction(a)
		return action.StatusSyncing, nil // counted as retried

	default:
		if err := c.store.UpdateStatus(ctx, a.ID, action.StatusConflicted); err != nil {
			return "", fmt.Errorf("failed to mark action %s conflicted: %w", a.ID, err)
		}
		a.Status = action.StatusConflicted
		c.notifyAction(a)
		return action.StatusConflicted, nil
	}
}

// applyFailed classifies an adapter failure and updates the queue.
func (c *Coordinator) applyFailed(ctx context.Context, a *action.QueuedAction, applyErr error) (action.Status, error) {
	if IsPermanent(applyErr) {
		c.config.Logger.Printf("Action %s failed permanently: %v", a.ID, applyErr)
		return action.StatusFailed, c.fail(ctx, a, applyErr)
	}

	retryCount := a.RetryCount + 1
	if c.config.Retry.Exhausted(retryCount) {
		c.config.Logger.Printf("Action %s failed after %d attempts: %v", a.ID, retryCount, applyErr)
		if err := c.store.MarkRetry(ctx, a.ID, action.StatusFailed, retryCount, nil, applyErr.Error()); err != nil {
			return "", err
		}
		a.Status = action.StatusFailed
		a.RetryCount = retryCount
		c.notifyAction(a)
		return action.StatusFailed, nil
	}

	nextAt := time.Now().UTC().Add(c.config.Retry.Delay(retryCount))
	c.config.Logger.Printf("Action %s failed (attempt %d/%d), retrying after %s: %v",
		a.ID, retryCount, c.config.Retry.MaxRetries, nextAt.Format(time.RFC3339), applyErr)

	if err := c.store.MarkRetry(ctx, a.ID, action.StatusPending, retryCount, &nextAt, applyErr.Error()); err != nil {
		return "", err
	}
	a.Status = action.StatusPending
	a.RetryCount = retryCount
	c.notifyAction(a)
	return action.StatusSyncing, nil // counted as retried
}

// fail moves an action to Failed, recording why. The retry count is not
// touched; permanent and validation failures are not retries.
func (c *Coordinator) fail(ctx context.Context, a *action.QueuedAction, cause error) error {
	if err := c.store.Fail(ctx, a.ID, cause.Error()); err != nil {
		return err
	}
	a.Status = action.StatusFailed
	a.LastError = cause.Error()
	c.notifyAction(a)
	return nil
}

// Status returns the queue summary for UI and operator tooling.
func (c *Coordinator) Status(ctx context.Context) (*SyncStatus, error) {
	stats, err := c.store.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{
		PendingCount:    stats.PendingCount,
		FailedCount:     stats.FailedCount,
		ConflictedCount: stats.ConflictedCount,
		LastSyncAt:      stats.LastSyncAt,
	}, nil
}

// Cancel withdraws a Pending action before it is attempted.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	return c.store.Cancel(ctx, id)
}

// Requeue replays a Conflicted action after operator review, with its
// client version corrected to the current server state.
func (c *Coordinator) Requeue(ctx context.Context, id string) error {
	a, err := c.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load action %s: %w", id, err)
	}
	if a.Status != action.StatusConflicted {
		return fmt.Errorf("cannot requeue action %s in status %s", id, a.Status)
	}

	current, err := c.versions.Get(ctx, a.EntityType, a.EntityID)
	if err != nil {
		return err
	}

	if err := c.store.Requeue(ctx, id, current, nil); err != nil {
		return err
	}
	c.config.Logger.Printf("Requeued action %s at version %d", id, current)
	return nil
}

// Discard removes a Conflicted or Failed action after operator review.
func (c *Coordinator) Discard(ctx context.Context, id string) error {
	a, err := c.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load action %s: %w", id, err)
	}

	switch a.Status {
	case action.StatusConflicted:
		if err := c.store.UpdateStatus(ctx, id, action.StatusFailed); err != nil {
			return err
		}
	case action.StatusFailed:
		// already discardable
	default:
		return fmt.Errorf("cannot discard action %s in status %s", id, a.Status)
	}

	if err := c.store.Remove(ctx, id); err != nil {
		return err
	}
	c.config.Logger.Printf("Discarded action %s", id)
	return nil
}

func (c *Coordinator) notifyAction(a *action.QueuedAction) {
	if c.notifier != nil {
		c.notifier.ActionUpdated(a)
	}
}
