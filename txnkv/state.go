package txnkv

import "github.com/pingcap-incubator/txnkv-client/rpc"

// State is one node of the Transaction's lifecycle state machine:
// Init -> Active -> PreCommitting -> {PreCommitted |
// Committed (one-pc)} -> Committing -> {Committed | RolledBack}, with
// RollingBack -> RolledBack reachable only from PreCommitting,
// PreCommitted and RollingBack itself. Rollback is rejected from every
// other state, including Active: a transaction that never reached
// PreCommit has nothing to roll back.
type State int

const (
	StateInit State = iota
	StateActive
	StatePreCommitting
	StatePreCommitted
	StateCommitting
	StateCommitted
	StateRollingBack
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateActive:
		return "Active"
	case StatePreCommitting:
		return "PreCommitting"
	case StatePreCommitted:
		return "PreCommitted"
	case StateCommitting:
		return "Committing"
	case StateCommitted:
		return "Committed"
	case StateRollingBack:
		return "RollingBack"
	case StateRolledBack:
		return "RolledBack"
	default:
		return "Unknown"
	}
}

// Kind distinguishes optimistic from pessimistic transactions. Only
// Optimistic is implemented. Pessimistic is accepted in Options, but
// the coordinator does not read Kind: every transaction, Pessimistic
// included, runs the optimistic protocol.
type Kind int

const (
	Optimistic Kind = iota
	Pessimistic
)

// Options configures a Transaction at Begin time.
type Options struct {
	Isolation rpc.IsolationLevel
	Kind      Kind
	LockTTL   uint64 // milliseconds; 0 means "use the client's configured default"
}

// DefaultOptions returns Optimistic, SnapshotIsolation with no explicit
// LockTTL override.
func DefaultOptions() Options {
	return Options{Kind: Optimistic, Isolation: rpc.SnapshotIsolation}
}
