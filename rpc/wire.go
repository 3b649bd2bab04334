// Package rpc defines the wire-level request/response types the
// transaction coordinator depends on, and the Dispatcher that sends a
// request to a shard's leader with bounded, policy-driven retry.
//
// The RPC transport itself (dialing, framing, generated client stubs)
// is an external collaborator; this package only mirrors the
// field-level semantics an implementer must honor and the retry
// contract layered on top of a caller-supplied Transport.
package rpc

import "context"

// MutationKind is the closed tagged union of mutation types a Write
// Buffer entry (and a Prewrite mutation) can carry.
type MutationKind int

const (
	MutationPut MutationKind = iota
	MutationPutIfAbsent
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationPut:
		return "Put"
	case MutationPutIfAbsent:
		return "PutIfAbsent"
	case MutationDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Mutation is a single buffered write, as carried on the wire in a
// Prewrite request.
type Mutation struct {
	Key   []byte
	Value []byte
	Kind  MutationKind
}

// IsolationLevel mirrors the Transaction.options.isolation field.
type IsolationLevel int

const (
	SnapshotIsolation IsolationLevel = iota
	ReadCommitted
)

// Context carries the per-request routing/isolation metadata every RPC
// in this contract must include. The Dispatcher refuses to retry an
// in-flight request against a different region without an explicit
// re-routing step (a fresh Context built from a fresh region lookup).
type Context struct {
	RegionID  uint64
	Epoch     uint64
	Isolation IsolationLevel
}

// LockInfo describes a lock encountered on a key, as received from the
// server on conflict.
type LockInfo struct {
	PrimaryKey []byte
	LockTS     uint64
	Key        []byte
	LockTTLMS  uint64
	TxnSize    uint64
	LockKind   MutationKind
}

// WriteConflict is returned when the caller's start_ts is older than a
// committed write on a key it tried to prewrite.
type WriteConflict struct {
	StartTS    uint64
	ConflictTS uint64
	Key        []byte
	Primary    []byte
}

// TxnNotFound is returned when the server has no record of the
// transaction identified by (PrimaryKey, LockTS).
type TxnNotFound struct {
	PrimaryKey []byte
	LockTS     uint64
}

// TxnResult carries at most one of Locked / Conflict / NotFound.
type TxnResult struct {
	Locked   *LockInfo
	Conflict *WriteConflict
	NotFound *TxnNotFound
}

// Empty reports whether the result carries no error condition at all.
func (r *TxnResult) Empty() bool {
	return r == nil || (r.Locked == nil && r.Conflict == nil && r.NotFound == nil)
}

// KV is a single key/value pair as returned from a server-side read.
type KV struct {
	Key   []byte
	Value []byte
}

type TxnGetRequest struct {
	Context  Context
	StartTS  uint64
	Key      []byte
}

type TxnGetResponse struct {
	Value     []byte
	NotFound  bool
	TxnResult *TxnResult
}

type TxnBatchGetRequest struct {
	Context Context
	StartTS uint64
	Keys    [][]byte
}

type TxnBatchGetResponse struct {
	Kvs       []KV
	TxnResult *TxnResult
}

type KeyRange struct {
	StartKey []byte
	EndKey   []byte
}

type TxnScanRequest struct {
	Context Context
	StartTS uint64
	Range   KeyRange
	Limit   int
}

// TxnScanResponse is one page of a streamed scan. A page with zero Kvs
// and Done set to false is not expected; an empty page always carries
// Done == true.
type TxnScanResponse struct {
	Kvs       []KV
	Done      bool
	TxnResult *TxnResult
}

// ScanStream is a server-side streaming cursor for one shard's portion
// of a range scan. Recv returns io.EOF-equivalent behavior via the
// Done field on the final TxnScanResponse rather than a sentinel
// error, so callers don't need to special-case an error type for
// ordinary stream exhaustion.
type ScanStream interface {
	Recv(ctx context.Context) (*TxnScanResponse, error)
	Close() error
}

type TxnPrewriteRequest struct {
	Context     Context
	StartTS     uint64
	Mutations   []Mutation
	PrimaryLock []byte
	LockTTLMS   uint64
	TxnSize     uint64
	TryOnePC    bool
}

type TxnPrewriteResponse struct {
	Results  []TxnResult
	OnePC    bool
	CommitTS uint64 // set only when OnePC is true
}

type TxnCommitRequest struct {
	Context  Context
	StartTS  uint64
	CommitTS uint64
	Keys     [][]byte
}

type TxnCommitResponse struct {
	TxnResult *TxnResult
}

type TxnBatchRollbackRequest struct {
	Context Context
	StartTS uint64
	Keys    [][]byte
}

type TxnBatchRollbackResponse struct {
	TxnResult *TxnResult
}

// CheckTxnStatusAction is the Lock Resolver's verdict on a foreign
// transaction's lock.
type CheckTxnStatusAction int

const (
	ActionNone CheckTxnStatusAction = iota
	ActionRollForward
	ActionRollback
	ActionStillLive
)

type TxnCheckTxnStatusRequest struct {
	Context       Context
	PrimaryKey    []byte
	LockTS        uint64
	CallerStartTS uint64
}

type TxnCheckTxnStatusResponse struct {
	Action   CheckTxnStatusAction
	CommitTS uint64
	LockTTLMS uint64
}
