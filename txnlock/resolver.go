// Package txnlock implements the Lock Resolver: given a lock
// encountered on a key, owned by another transaction, decide
// whether that transaction has committed (roll forward), been rolled
// back or expired (clean up), or is still live (report conflict).
package txnlock

import (
	"context"

	"github.com/pingcap-incubator/txnkv-client/rpc"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrTxnLockConflict is returned when the foreign transaction is still
// live and unexpired — the caller should back off and retry its
// original operation.
var ErrTxnLockConflict = errors.New("txn lock conflict")

// ShardSender sends a CheckTxnStatus / resolution RPC to the shard
// that owns a given key. It is satisfied by the txnkv package's
// adapter over its routing cache and rpc.Dispatcher in production and
// by a fake in tests.
type ShardSender interface {
	CheckTxnStatus(ctx context.Context, req *rpc.TxnCheckTxnStatusRequest) (*rpc.TxnCheckTxnStatusResponse, error)
	// ResolveLock rolls the lock on key forward (commitTS != 0) or backs
	// it out (commitTS == 0). key is routed independently of the
	// transaction's primary — CheckTxnStatus already told the caller
	// what to do, this just carries it out on the one key that blocked.
	ResolveLock(ctx context.Context, key []byte, lockTS uint64, commitTS uint64) error
}

// Resolver decides a foreign lock's fate and carries out the result.
type Resolver struct {
	sender ShardSender
}

// NewResolver constructs a Resolver over the given shard sender.
func NewResolver(sender ShardSender) *Resolver {
	return &Resolver{sender: sender}
}

// Resolve looks up the fate of the transaction that placed lock, and
// acts on it:
//
//  1. committed -> roll the commit marker forward onto the blocking key
//  2. rolled back, or live past its lock_ttl -> purge the stale lock
//     (the shard that owns the primary is the authority on elapsed
//     time, so it folds the TTL check into the CheckTxnStatus verdict
//     rather than handing the raw TTL back for the client to compare
//     against its own clock)
//  3. still live and unexpired -> ErrTxnLockConflict, caller backs off
//
// On success (cases 1 and 2) the caller should retry its original
// operation; transport errors are propagated unchanged.
func (r *Resolver) Resolve(ctx context.Context, lock *rpc.LockInfo, callerStartTS uint64) error {
	status, err := r.sender.CheckTxnStatus(ctx, &rpc.TxnCheckTxnStatusRequest{
		PrimaryKey:    lock.PrimaryKey,
		LockTS:        lock.LockTS,
		CallerStartTS: callerStartTS,
	})
	if err != nil {
		return err
	}

	switch status.Action {
	case rpc.ActionRollForward:
		log.Info("lock resolver rolling commit forward",
			zap.Binary("key", lock.Key), zap.Uint64("lock_ts", lock.LockTS), zap.Uint64("commit_ts", status.CommitTS))
		return r.sender.ResolveLock(ctx, lock.Key, lock.LockTS, status.CommitTS)
	case rpc.ActionRollback:
		log.Info("lock resolver rolling back stale or expired lock",
			zap.Binary("key", lock.Key), zap.Uint64("lock_ts", lock.LockTS))
		return r.sender.ResolveLock(ctx, lock.Key, lock.LockTS, 0)
	case rpc.ActionStillLive:
		return ErrTxnLockConflict
	default:
		return ErrTxnLockConflict
	}
}
