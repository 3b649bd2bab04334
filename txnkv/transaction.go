package txnkv

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/txnkv-client/buffer"
	"github.com/pingcap-incubator/txnkv-client/exec"
	"github.com/pingcap-incubator/txnkv-client/locate"
	"github.com/pingcap-incubator/txnkv-client/rpc"
	"github.com/pingcap-incubator/txnkv-client/scan"
	"github.com/pkg/errors"
)

// Transaction coordinates one client-side optimistic transaction: it
// owns a Write Buffer of not-yet-visible mutations and drives them
// through PreCommit (prewrite) and Commit against whichever shards own
// the affected keys, resolving any foreign locks it runs into along
// the way.
//
// A Transaction is not safe for concurrent use by multiple goroutines —
// it is driven by a single caller, sequentially, the way a SQL
// session's transaction object is. The shared services it
// draws on (Client's cache, oracle, dispatcher, resolver) are
// independently synchronized, so a Transaction's internal fan-out
// during PreCommit can safely use them from many goroutines at once.
type Transaction struct {
	client   *Client
	startTS  uint64
	commitTS uint64
	opts     Options
	buf      *buffer.Buffer
	state    State
}

func newTransaction(client *Client, startTS uint64, opts Options) *Transaction {
	return &Transaction{
		client:  client,
		startTS: startTS,
		opts:    opts,
		buf:     buffer.New(),
		state:   StateActive,
	}
}

// StartTS returns the transaction's snapshot timestamp.
func (t *Transaction) StartTS() uint64 { return t.startTS }

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() State { return t.state }

func (t *Transaction) lockTTL() uint64 {
	if t.opts.LockTTL != 0 {
		return t.opts.LockTTL
	}
	return uint64(t.client.cfg.LockTTL.Milliseconds())
}

// Put buffers a write of value to key, visible to this transaction's
// own later reads but invisible to any other transaction until Commit.
func (t *Transaction) Put(key, value []byte) error {
	if t.state != StateActive {
		return &ErrInvalidState{Op: "Put", State: t.state}
	}
	t.buf.Put(key, value)
	return nil
}

// PutIfAbsent buffers a write that only takes effect if key does not
// already exist at commit time.
func (t *Transaction) PutIfAbsent(key, value []byte) error {
	if t.state != StateActive {
		return &ErrInvalidState{Op: "PutIfAbsent", State: t.state}
	}
	t.buf.PutIfAbsent(key, value)
	return nil
}

// Delete buffers a tombstone for key.
func (t *Transaction) Delete(key []byte) error {
	if t.state != StateActive {
		return &ErrInvalidState{Op: "Delete", State: t.state}
	}
	t.buf.Delete(key)
	return nil
}

// BatchPut buffers a Put for every entry in kvs.
func (t *Transaction) BatchPut(kvs map[string][]byte) error {
	for k, v := range kvs {
		if err := t.Put([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

// BatchDelete buffers a Delete for every key.
func (t *Transaction) BatchDelete(keys [][]byte) error {
	for _, k := range keys {
		if err := t.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the value for key, preferring the transaction's own
// buffered write (read-your-writes) over a round trip to the shard
// that owns it. Resolves foreign locks transparently, retrying the
// read once resolution succeeds.
func (t *Transaction) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, &ErrInvalidArgument{Op: "Get", Reason: "key must not be empty"}
	}
	if entry, ok := t.buf.Get(key); ok {
		if entry.Kind == rpc.MutationDelete {
			return nil, false, nil
		}
		return entry.Value, true, nil
	}

	for attempt := 0; attempt <= t.client.cfg.MaxRetry; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, t.client.cfg.OpDelay()); err != nil {
				return nil, false, err
			}
		}
		region, err := t.client.cache.LookupRegionByKey(ctx, key)
		if err != nil {
			return nil, false, err
		}
		resp, err := t.client.dispatcher.TxnGet(ctx, region, &rpc.TxnGetRequest{
			Context: t.rpcContext(region),
			StartTS: t.startTS,
			Key:     key,
		})
		if err != nil {
			return nil, false, err
		}
		if resp.TxnResult != nil && !resp.TxnResult.Empty() {
			if resp.TxnResult.Locked != nil {
				if rerr := t.client.resolver.Resolve(ctx, resp.TxnResult.Locked, t.startTS); rerr != nil {
					return nil, false, rerr
				}
				continue
			}
			return nil, false, errors.Errorf("unexpected txn result on get: %+v", resp.TxnResult)
		}
		return resp.Value, !resp.NotFound, nil
	}
	return nil, false, errors.New("get: exhausted lock-resolution retries")
}

// sleepRetry waits delay before a coordinator-level retry, returning
// ctx.Err() if ctx is cancelled first.
func sleepRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BatchGet reads many keys, serving buffered writes locally and
// grouping the rest into per-region TxnBatchGet requests (chunked to
// the configured max-batch-count) sent concurrently. A failure on any
// one region's batch fails the whole call: the read-side fan-out
// returns the first non-OK status and gives up on the rest.
func (t *Transaction) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	for _, k := range keys {
		if len(k) == 0 {
			return nil, &ErrInvalidArgument{Op: "BatchGet", Reason: "key must not be empty"}
		}
	}

	out := make(map[string][]byte, len(keys))
	var mu sync.Mutex
	var remote [][]byte
	for _, k := range keys {
		if entry, ok := t.buf.Get(k); ok {
			if entry.Kind != rpc.MutationDelete {
				out[string(k)] = entry.Value
			}
			continue
		}
		remote = append(remote, k)
	}

	byRegion := make(map[uint64]*locate.Region)
	keysByRegion := make(map[uint64][][]byte)
	for _, k := range remote {
		region, err := t.client.cache.LookupRegionByKey(ctx, k)
		if err != nil {
			return nil, err
		}
		byRegion[region.ID] = region
		keysByRegion[region.ID] = append(keysByRegion[region.ID], k)
	}

	var tasks []exec.Task
	for id, region := range byRegion {
		region, ks := region, keysByRegion[id]
		maxBatch := t.client.cfg.MaxBatchCount
		if maxBatch <= 0 {
			maxBatch = len(ks)
		}
		for start := 0; start < len(ks); start += maxBatch {
			end := start + maxBatch
			if end > len(ks) {
				end = len(ks)
			}
			chunk := ks[start:end]
			tasks = append(tasks, func(ctx context.Context, _ int) error {
				found, err := t.batchGetChunk(ctx, region, chunk)
				if err != nil {
					return err
				}
				mu.Lock()
				for k, v := range found {
					out[k] = v
				}
				mu.Unlock()
				return nil
			})
		}
	}
	if err := exec.RunFailFast(ctx, t.client.cfg.MaxConcurrency, tasks); err != nil {
		return nil, err
	}
	return out, nil
}

// batchGetChunk sends one TxnBatchGet request against region, resolving
// any encountered lock and retrying the whole chunk up to the
// configured bound.
func (t *Transaction) batchGetChunk(ctx context.Context, region *locate.Region, keys [][]byte) (map[string][]byte, error) {
	for attempt := 0; attempt <= t.client.cfg.MaxRetry; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, t.client.cfg.OpDelay()); err != nil {
				return nil, err
			}
		}
		resp, err := t.client.dispatcher.TxnBatchGet(ctx, region, &rpc.TxnBatchGetRequest{
			Context: t.rpcContext(region),
			StartTS: t.startTS,
			Keys:    keys,
		})
		if err != nil {
			return nil, err
		}
		if resp.TxnResult != nil && !resp.TxnResult.Empty() {
			if resp.TxnResult.Locked != nil {
				if rerr := t.client.resolver.Resolve(ctx, resp.TxnResult.Locked, t.startTS); rerr != nil {
					return nil, rerr
				}
				continue
			}
			return nil, errors.Errorf("unexpected txn result on batch get: %+v", resp.TxnResult)
		}
		found := make(map[string][]byte, len(resp.Kvs))
		for _, kv := range resp.Kvs {
			if len(kv.Value) == 0 {
				continue
			}
			found[string(kv.Key)] = kv.Value
		}
		return found, nil
	}
	return nil, errors.New("batch get: exhausted lock-resolution retries")
}

// Scan returns an iterator-like merge of buffered mutations and the
// server's committed data over [start, end), honoring read-your-writes
// the same way Get does.
func (t *Transaction) Scan(start, end []byte) (*scan.Cursor, error) {
	if len(start) == 0 {
		return nil, &ErrInvalidArgument{Op: "Scan", Reason: "start must not be empty"}
	}
	if len(end) != 0 && bytes.Compare(start, end) >= 0 {
		return nil, &ErrInvalidArgument{Op: "Scan", Reason: "start must precede end"}
	}
	src := &scanRegionSource{client: t.client, startTS: t.startTS, ctxOpts: t.opts.Isolation}
	return scan.NewCursor(src, t.buf, start, end), nil
}

func (t *Transaction) rpcContext(region *locate.Region) rpc.Context {
	return rpc.Context{RegionID: region.ID, Epoch: region.Epoch, Isolation: t.opts.Isolation}
}

// shardMutations groups the buffer's entries by the region that
// currently owns each key.
func (t *Transaction) shardMutations(ctx context.Context) (map[uint64]*locate.Region, map[uint64][]rpc.Mutation, error) {
	regions := make(map[uint64]*locate.Region)
	byRegion := make(map[uint64][]rpc.Mutation)
	for _, e := range t.buf.Mutations() {
		region, err := t.client.cache.LookupRegionByKey(ctx, e.Key)
		if err != nil {
			return nil, nil, err
		}
		regions[region.ID] = region
		byRegion[region.ID] = append(byRegion[region.ID], rpc.Mutation{Key: e.Key, Value: e.Value, Kind: e.Kind})
	}
	return regions, byRegion, nil
}
