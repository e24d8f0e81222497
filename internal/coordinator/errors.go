package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rosewoodhq/synckit/internal/action"
)

// Applier is the domain adapter the coordinator calls to apply an action
// to the server.
//
// Implementations must be idempotent with respect to the action ID: the
// coordinator consults the server-side applied set before calling Apply,
// but a crash between a successful Apply and the version commit can replay
// the same ID, and the server must treat that replay as a no-op.
//
// Failures are classified by wrapping: return Transient(err) for errors
// worth retrying (network blips, timeouts) and Permanent(err) for errors
// that will never succeed (rejected payloads, deleted targets). An
// unwrapped error is treated as transient so a misbehaving adapter is
// still bounded by the retry policy.
type Applier interface {
	Apply(ctx context.Context, a *action.QueuedAction) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, a *action.QueuedAction) error

// Apply implements Applier.
func (f ApplierFunc) Apply(ctx context.Context, a *action.QueuedAction) error {
	return f(ctx, a)
}

// TransientError marks an apply failure as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient apply failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks an apply failure as non-retryable; the action is
// failed immediately and surfaced to the operator.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent apply failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is a non-retryable apply failure.
// Malformed actions count: validation errors are never retried.
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var ve *action.ValidationError
	return errors.As(err, &ve)
}
