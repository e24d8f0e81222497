// Package coordinator drains the durable action queue against the shared
// server store.
//
// # Overview
//
// One coordinator runs per client process. User edits enter the queue
// through Submit, which always succeeds locally, online or offline. A
// drain then pushes queued actions to the server strictly in capture
// order with a single in-flight action, so the causal order of one
// device's edits is never reordered.
//
// # Architecture
//
// The coordinator sits between the client's private queue database and
// the shared server store:
//
//	User edit
//	    ↓ Submit
//	Action queue (client SQLite, WAL)
//	    ↓ Drain, capture order
//	Lease manager ── per-entity exclusion across devices
//	    ↓
//	Version tracker ── compare-and-swap version bump
//	    ↓
//	Applier ── domain adapter, idempotent by action ID
//
// Across devices, coordinators contend through two independent
// serialization points: the lease manager (the cross-client mutex) and
// the version tracker's compare-and-swap, which still prevents a lost
// update if a lease expires mid-apply.
//
// # Usage
//
// Basic wiring:
//
//	st, err := store.Open(".synckit/queue.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	coord, err := coordinator.New(st, leases, versions, nil, applier, nil)
//	if err != nil {
//	    return err
//	}
//
//	// Capture an edit, online or offline
//	id, err := coord.Submit(ctx, "resident", "42", action.OpUpdate, payload, 3)
//
//	// Push everything pending to the server
//	result, err := coord.Drain(ctx)
//
// Call Recover once on startup, before the first drain, to return any
// actions a crash left in-flight to the pending queue.
//
// # Failure handling
//
// Apply failures are classified by the adapter: Transient failures are
// retried with backoff until the retry policy is exhausted, Permanent
// failures (and validation failures) fail the action immediately. A
// version conflict goes to the conflict resolver, which either requeues
// the action at the corrected version or parks it as Conflicted for
// operator review. Nothing is ever silently dropped: every terminal
// action is visible through Status until pruned or discarded.
package coordinator
