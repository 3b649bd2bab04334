package txnkv

import (
	"context"

	"github.com/pingcap-incubator/txnkv-client/exec"
	"github.com/pingcap-incubator/txnkv-client/internal/metrics"
	"github.com/pingcap-incubator/txnkv-client/locate"
	"github.com/pingcap-incubator/txnkv-client/rpc"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PreCommit runs the prewrite phase: every buffered mutation is placed
// as a provisional lock + intent value on the shard that owns its key,
// with the transaction's primary key prewritten first so every other
// lock can point back to it.
//
// When every mutation resolves to a single shard, PreCommit asks that
// shard to try a one-phase commit; a successful one-pc response moves
// the transaction straight to Committed and Commit becomes a no-op.
func (t *Transaction) PreCommit(ctx context.Context) error {
	if t.state != StateActive {
		return &ErrInvalidState{Op: "PreCommit", State: t.state}
	}
	if t.buf.IsEmpty() {
		t.state = StatePreCommitted
		return nil
	}
	t.state = StatePreCommitting

	regions, byRegion, err := t.shardMutations(ctx)
	if err != nil {
		return err
	}
	primary := t.buf.PrimaryKey()

	if len(regions) == 1 {
		var onlyID uint64
		var onlyRegion *locate.Region
		for id, r := range regions {
			onlyID, onlyRegion = id, r
		}
		committed, err := t.prewriteRegion(ctx, onlyRegion, byRegion[onlyID], primary, true)
		if err != nil {
			return err
		}
		if committed {
			t.state = StateCommitted
			return nil
		}
		// Server declined one-pc; its lock is already placed, so this
		// region now stands in as the ordinarily-prewritten primary.
		t.state = StatePreCommitted
		return nil
	}

	primaryRegion, err := t.client.cache.LookupRegionByKey(ctx, primary)
	if err != nil {
		return err
	}
	if _, err := t.prewriteRegion(ctx, primaryRegion, byRegion[primaryRegion.ID], primary, false); err != nil {
		return err
	}

	var secondaryTasks []exec.Task
	for id, region := range regions {
		if id == primaryRegion.ID {
			continue
		}
		region, muts := region, byRegion[id]
		secondaryTasks = append(secondaryTasks, func(ctx context.Context, _ int) error {
			_, err := t.prewriteRegion(ctx, region, muts, primary, false)
			return err
		})
	}
	statuses := exec.Run(ctx, t.client.cfg.MaxConcurrency, secondaryTasks)
	for _, s := range statuses {
		if !s.OK() {
			return s.Err
		}
	}

	t.state = StatePreCommitted
	return nil
}

// prewriteRegion sends region's mutations, resolving any foreign locks
// it encounters and retrying up to the configured bound. A write
// conflict aborts the whole transaction immediately — it is treated
// as non-retryable at this layer. Returns true if the shard
// accepted a one-phase commit (only meaningful when tryOnePC is set).
//
// Batches larger than the configured max-batch-count are split into
// multiple requests; a one-pc attempt is never split, since a one-pc
// commit has to place every mutation atomically in a single request.
func (t *Transaction) prewriteRegion(ctx context.Context, region *locate.Region, muts []rpc.Mutation, primary []byte, tryOnePC bool) (onePC bool, err error) {
	if tryOnePC || len(muts) <= t.client.cfg.MaxBatchCount || t.client.cfg.MaxBatchCount <= 0 {
		return t.prewriteBatch(ctx, region, muts, primary, tryOnePC)
	}
	for start := 0; start < len(muts); start += t.client.cfg.MaxBatchCount {
		end := start + t.client.cfg.MaxBatchCount
		if end > len(muts) {
			end = len(muts)
		}
		if _, err := t.prewriteBatch(ctx, region, muts[start:end], primary, false); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (t *Transaction) prewriteBatch(ctx context.Context, region *locate.Region, muts []rpc.Mutation, primary []byte, tryOnePC bool) (onePC bool, err error) {
	for attempt := 0; attempt <= t.client.cfg.MaxRetry; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, t.client.cfg.OpDelay()); err != nil {
				return false, err
			}
		}
		resp, err := t.sendPrewrite(ctx, region, muts, primary, tryOnePC)
		if err != nil {
			return false, err
		}
		if resp.OnePC {
			t.commitTS = resp.CommitTS
			metrics.CommitTotal.WithLabelValues(metrics.OutcomeOnePC).Inc()
			log.Info("transaction committed via one-phase commit",
				zap.Uint64("start_ts", t.startTS), zap.Uint64("commit_ts", t.commitTS), zap.Uint64("region_id", region.ID))
			return true, nil
		}
		conflict, err := t.handlePrewriteResults(ctx, resp.Results)
		if err != nil {
			return false, err
		}
		if !conflict {
			return false, nil
		}
		// A lock was resolved; retry this region's prewrite.
	}
	return false, errors.Errorf("prewrite: exhausted lock-resolution retries against region %d", region.ID)
}

func (t *Transaction) sendPrewrite(ctx context.Context, region *locate.Region, muts []rpc.Mutation, primary []byte, tryOnePC bool) (*rpc.TxnPrewriteResponse, error) {
	return t.client.dispatcher.TxnPrewrite(ctx, region, &rpc.TxnPrewriteRequest{
		Context:     t.rpcContext(region),
		StartTS:     t.startTS,
		Mutations:   muts,
		PrimaryLock: primary,
		LockTTLMS:   t.lockTTL(),
		TxnSize:     uint64(t.buf.Size()),
		TryOnePC:    tryOnePC,
	})
}

// handlePrewriteResults inspects one prewrite response's per-mutation
// results. It returns (true, nil) if at least one lock conflict was
// found and successfully resolved (caller should retry), or aborts the
// transaction with ErrAborted/ErrWriteConflict on anything else.
func (t *Transaction) handlePrewriteResults(ctx context.Context, results []rpc.TxnResult) (retry bool, err error) {
	for i := range results {
		res := &results[i]
		if res.Empty() {
			continue
		}
		if res.Conflict != nil {
			t.state = StateRolledBack
			metrics.CommitTotal.WithLabelValues(metrics.OutcomeAborted).Inc()
			return false, &ErrWriteConflict{StartTS: res.Conflict.StartTS, ConflictTS: res.Conflict.ConflictTS, Key: res.Conflict.Key}
		}
		if res.Locked != nil {
			metrics.RetryTotal.WithLabelValues(metrics.ReasonLockConflict).Inc()
			if rerr := t.client.resolver.Resolve(ctx, res.Locked, t.startTS); rerr != nil {
				return false, &ErrAborted{Cause: rerr}
			}
			retry = true
			continue
		}
		if res.NotFound != nil {
			return false, &ErrAborted{Cause: errors.Errorf("prewrite: unexpected txn-not-found for primary %q", res.NotFound.PrimaryKey)}
		}
	}
	return retry, nil
}

// Commit finalizes a prewritten transaction: it obtains a commit
// timestamp, commits the primary key first (the point at which the
// transaction becomes durably visible to the rest of the system), then
// commits the remaining keys best-effort — the primary's commit is the
// transaction's linearization point.
func (t *Transaction) Commit(ctx context.Context) error {
	switch t.state {
	case StateCommitted:
		return nil // one-pc already finished this transaction
	case StatePreCommitted:
	default:
		return &ErrInvalidState{Op: "Commit", State: t.state}
	}

	if t.buf.IsEmpty() {
		t.state = StateCommitted
		return nil
	}

	commitTS, err := t.client.oracle.GetTS(ctx)
	if err != nil {
		return err
	}
	t.commitTS = commitTS
	t.state = StateCommitting

	primary := t.buf.PrimaryKey()
	primaryRegion, err := t.client.cache.LookupRegionByKey(ctx, primary)
	if err != nil {
		return err
	}
	resp, err := t.client.dispatcher.TxnCommit(ctx, primaryRegion, &rpc.TxnCommitRequest{
		Context:  t.rpcContext(primaryRegion),
		StartTS:  t.startTS,
		CommitTS: commitTS,
		Keys:     [][]byte{primary},
	})
	if err != nil {
		return err
	}
	if resp.TxnResult != nil {
		if resp.TxnResult.Conflict != nil {
			t.state = StateRolledBack
			metrics.CommitTotal.WithLabelValues(metrics.OutcomeRolledBack).Inc()
			return ErrRolledBack
		}
		if resp.TxnResult.NotFound != nil {
			// The primary's own lock, placed during PreCommit, has
			// vanished by the time we try to commit it. Unlike a write
			// conflict this can't happen through ordinary concurrent
			// access — something else (a buggy resolver, a storage
			// bug) erased state this transaction owns. Not retryable.
			metrics.CommitTotal.WithLabelValues(metrics.OutcomeAborted).Inc()
			return &ErrFatal{Cause: errors.Errorf(
				"commit: primary lock for key %q vanished before commit (start_ts=%d)",
				resp.TxnResult.NotFound.PrimaryKey, t.startTS)}
		}
	}
	t.state = StateCommitted
	metrics.CommitTotal.WithLabelValues(metrics.OutcomeCommitted).Inc()

	secondaries := make([][]byte, 0, t.buf.Size())
	for _, e := range t.buf.Mutations() {
		if string(e.Key) == string(primary) {
			continue
		}
		secondaries = append(secondaries, e.Key)
	}
	t.commitSecondariesBestEffort(ctx, secondaries)
	return nil
}

// commitSecondariesBestEffort commits the non-primary keys after the
// primary has already committed. Failures here are logged, not
// returned: the transaction is already durably committed at the
// primary, and any left-behind secondary lock will be rolled forward
// by whichever reader's Lock Resolver next encounters it.
func (t *Transaction) commitSecondariesBestEffort(ctx context.Context, keys [][]byte) {
	if len(keys) == 0 {
		return
	}
	byRegion := make(map[uint64]*locate.Region)
	keysByRegion := make(map[uint64][][]byte)
	for _, k := range keys {
		region, err := t.client.cache.LookupRegionByKey(ctx, k)
		if err != nil {
			log.Warn("secondary commit: region lookup failed", zap.Binary("key", k), zap.Error(err))
			continue
		}
		byRegion[region.ID] = region
		keysByRegion[region.ID] = append(keysByRegion[region.ID], k)
	}
	var tasks []exec.Task
	for id, region := range byRegion {
		region, ks := region, keysByRegion[id]
		tasks = append(tasks, func(ctx context.Context, _ int) error {
			resp, err := t.client.dispatcher.TxnCommit(ctx, region, &rpc.TxnCommitRequest{
				Context:  t.rpcContext(region),
				StartTS:  t.startTS,
				CommitTS: t.commitTS,
				Keys:     ks,
			})
			if err != nil {
				return err
			}
			if !resp.TxnResult.Empty() {
				return errors.Errorf("secondary commit: unexpected txn result %+v", resp.TxnResult)
			}
			return nil
		})
	}
	statuses := exec.Run(ctx, t.client.cfg.MaxConcurrency, tasks)
	for i, s := range statuses {
		if !s.OK() {
			log.Warn("secondary commit failed, leaving lock for a future resolver", zap.Int("region_index", i), zap.Error(s.Err))
		}
	}
}

// Rollback aborts the transaction, rolling back the primary key first
// (which must succeed) and then the remaining keys best-effort.
func (t *Transaction) Rollback(ctx context.Context) error {
	switch t.state {
	case StateRolledBack:
		return nil
	case StatePreCommitting, StatePreCommitted, StateRollingBack:
		// allowed, fall through below
	default:
		return &ErrInvalidState{Op: "Rollback", State: t.state}
	}
	t.state = StateRollingBack

	if t.buf.IsEmpty() {
		t.state = StateRolledBack
		return nil
	}

	primary := t.buf.PrimaryKey()
	primaryRegion, err := t.client.cache.LookupRegionByKey(ctx, primary)
	if err != nil {
		return err
	}
	if _, err := t.client.dispatcher.TxnBatchRollback(ctx, primaryRegion, &rpc.TxnBatchRollbackRequest{
		Context: t.rpcContext(primaryRegion),
		StartTS: t.startTS,
		Keys:    [][]byte{primary},
	}); err != nil {
		return err
	}

	var secondaries [][]byte
	for _, e := range t.buf.Mutations() {
		if string(e.Key) == string(primary) {
			continue
		}
		secondaries = append(secondaries, e.Key)
	}
	t.rollbackSecondariesBestEffort(ctx, secondaries)
	t.state = StateRolledBack
	metrics.CommitTotal.WithLabelValues(metrics.OutcomeRolledBack).Inc()
	return nil
}

func (t *Transaction) rollbackSecondariesBestEffort(ctx context.Context, keys [][]byte) {
	if len(keys) == 0 {
		return
	}
	byRegion := make(map[uint64]*locate.Region)
	keysByRegion := make(map[uint64][][]byte)
	for _, k := range keys {
		region, err := t.client.cache.LookupRegionByKey(ctx, k)
		if err != nil {
			log.Warn("secondary rollback: region lookup failed", zap.Binary("key", k), zap.Error(err))
			continue
		}
		byRegion[region.ID] = region
		keysByRegion[region.ID] = append(keysByRegion[region.ID], k)
	}
	var tasks []exec.Task
	for id, region := range byRegion {
		region, ks := region, keysByRegion[id]
		tasks = append(tasks, func(ctx context.Context, _ int) error {
			_, err := t.client.dispatcher.TxnBatchRollback(ctx, region, &rpc.TxnBatchRollbackRequest{
				Context: t.rpcContext(region),
				StartTS: t.startTS,
				Keys:    ks,
			})
			return err
		})
	}
	statuses := exec.Run(ctx, t.client.cfg.MaxConcurrency, tasks)
	for i, s := range statuses {
		if !s.OK() {
			log.Warn("secondary rollback failed", zap.Int("region_index", i), zap.Error(s.Err))
		}
	}
}
