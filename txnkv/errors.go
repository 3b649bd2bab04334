// Package txnkv is the Transaction Coordinator: it owns a Transaction's
// state machine and wires the Routing Cache, Time Oracle, Write
// Buffer, RPC Dispatcher, Lock Resolver and Scan Merger into the
// Get/Put/Scan/PreCommit/Commit/Rollback operations a caller drives.
package txnkv

import "github.com/pkg/errors"

// ErrAborted means the transaction can never be committed; the caller
// must start a new one. It wraps the condition that caused the abort.
type ErrAborted struct {
	Cause error
}

func (e *ErrAborted) Error() string { return "transaction aborted: " + e.Cause.Error() }
func (e *ErrAborted) Unwrap() error { return e.Cause }

// ErrWriteConflict means a mutation in this transaction's PreCommit
// collided with a write already committed after this transaction's
// start_ts. The transaction must restart from the beginning.
type ErrWriteConflict struct {
	StartTS    uint64
	ConflictTS uint64
	Key        []byte
}

func (e *ErrWriteConflict) Error() string {
	return errors.Errorf("write conflict on key %q: start_ts=%d conflict_ts=%d", e.Key, e.StartTS, e.ConflictTS).Error()
}

// ErrInvalidState is returned when an operation is attempted from a
// Transaction state that does not permit it.
type ErrInvalidState struct {
	Op    string
	State State
}

func (e *ErrInvalidState) Error() string {
	return errors.Errorf("%s not valid in state %s", e.Op, e.State).Error()
}

// ErrInvalidArgument is returned when a caller-supplied argument is
// malformed in a way no retry or lock resolution can fix — an empty
// key, or a scan range whose start does not precede its end.
type ErrInvalidArgument struct {
	Op     string
	Reason string
}

func (e *ErrInvalidArgument) Error() string {
	return errors.Errorf("%s: invalid argument: %s", e.Op, e.Reason).Error()
}

// ErrRolledBack is returned by Commit when the primary key's commit
// response reports a write conflict: some other transaction committed
// over this one's primary lock after its start_ts, and the coordinator
// treats the whole transaction as rolled back.
var ErrRolledBack = errors.New("primary lock was rolled back before commit")

// ErrFatal wraps a condition Commit should never observe in a
// correctly operating cluster — the primary lock this transaction
// itself placed during PreCommit has disappeared by the time Commit
// tries to finalize it. The caller must not retry; something is
// corrupting lock state out from under the coordinator.
type ErrFatal struct {
	Cause error
}

func (e *ErrFatal) Error() string { return "fatal: " + e.Cause.Error() }
func (e *ErrFatal) Unwrap() error { return e.Cause }
