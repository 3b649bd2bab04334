package txnkv

import (
	"context"

	"github.com/pingcap-incubator/txnkv-client/config"
	"github.com/pingcap-incubator/txnkv-client/locate"
	"github.com/pingcap-incubator/txnkv-client/oracle"
	"github.com/pingcap-incubator/txnkv-client/rpc"
	"github.com/pingcap-incubator/txnkv-client/scan"
	"github.com/pingcap-incubator/txnkv-client/txnlock"
)

// Client bundles the shared services every Transaction draws on: a
// routing cache, a timestamp oracle, an RPC dispatcher and the lock
// resolver built on top of it. One Client is meant to be shared by many
// concurrently-running Transactions.
type Client struct {
	cfg        *config.Config
	cache      *locate.Cache
	oracle     *oracle.Client
	dispatcher *rpc.Dispatcher
	resolver   *txnlock.Resolver
}

// NewClient wires a Client from its external collaborators: transport
// sends a built request to an address, regionSource resolves a key or
// key range to its owning region, tsSource hands out raw timestamp
// batches. All three are the seams an implementer fills in with a
// real network client.
func NewClient(transport rpc.Transport, regionSource locate.RegionSource, tsSource oracle.Source, cfg *config.Config) *Client {
	cache := locate.NewCache(regionSource)
	dispatcher := rpc.NewDispatcher(transport, cache, cfg.MaxRetry, cfg.DispatchTimeout).
		WithRetryDelay(cfg.OpDelay()).
		WithRateLimit(cfg.RateLimit, cfg.RateLimitBurst)
	c := &Client{
		cfg:        cfg,
		cache:      cache,
		oracle:     oracle.NewClient(tsSource),
		dispatcher: dispatcher,
	}
	c.resolver = txnlock.NewResolver(&shardSender{client: c})
	return c
}

// Close releases the Client's background resources (the oracle's
// dispatch loop).
func (c *Client) Close() {
	c.oracle.Close()
}

// Begin starts a new optimistic, snapshot-isolation transaction against
// the current timestamp oracle position. There is no lock heartbeat:
// a transaction that runs longer than its configured LockTTL risks
// having its primary lock rolled forward or back by a concurrent
// resolver before it commits.
func (c *Client) Begin(ctx context.Context) (*Transaction, error) {
	startTS, err := c.oracle.GetTS(ctx)
	if err != nil {
		return nil, err
	}
	return newTransaction(c, startTS, DefaultOptions()), nil
}

// BeginWithOptions starts a transaction with caller-chosen isolation
// level and lock TTL.
func (c *Client) BeginWithOptions(ctx context.Context, opts Options) (*Transaction, error) {
	startTS, err := c.oracle.GetTS(ctx)
	if err != nil {
		return nil, err
	}
	return newTransaction(c, startTS, opts), nil
}

// shardSender adapts Client's cache + dispatcher into the narrow
// interface txnlock.Resolver needs, addressing whichever shard
// currently owns the key in question rather than always the primary's
// shard.
type shardSender struct {
	client *Client
}

func (s *shardSender) CheckTxnStatus(ctx context.Context, req *rpc.TxnCheckTxnStatusRequest) (*rpc.TxnCheckTxnStatusResponse, error) {
	region, err := s.client.cache.LookupRegionByKey(ctx, req.PrimaryKey)
	if err != nil {
		return nil, err
	}
	req.Context = rpc.Context{RegionID: region.ID, Epoch: region.Epoch}
	return s.client.dispatcher.TxnCheckTxnStatus(ctx, region, req)
}

func (s *shardSender) ResolveLock(ctx context.Context, key []byte, lockTS, commitTS uint64) error {
	region, err := s.client.cache.LookupRegionByKey(ctx, key)
	if err != nil {
		return err
	}
	if commitTS == 0 {
		_, err := s.client.dispatcher.TxnBatchRollback(ctx, region, &rpc.TxnBatchRollbackRequest{
			Context: rpc.Context{RegionID: region.ID, Epoch: region.Epoch},
			StartTS: lockTS,
			Keys:    [][]byte{key},
		})
		return err
	}
	_, err = s.client.dispatcher.TxnCommit(ctx, region, &rpc.TxnCommitRequest{
		Context:  rpc.Context{RegionID: region.ID, Epoch: region.Epoch},
		StartTS:  lockTS,
		CommitTS: commitTS,
		Keys:     [][]byte{key},
	})
	return err
}

// scanRegionSource adapts Client's cache + dispatcher into scan.RegionSource.
type scanRegionSource struct {
	client  *Client
	startTS uint64
	ctxOpts rpc.IsolationLevel
}

func (s *scanRegionSource) OpenShardScan(ctx context.Context, start, end []byte, limit int) (rpc.ScanStream, []byte, error) {
	region, err := s.client.cache.LookupRegionBetween(ctx, start, end)
	if err != nil {
		return nil, nil, err
	}
	req := &rpc.TxnScanRequest{
		Context: rpc.Context{RegionID: region.ID, Epoch: region.Epoch, Isolation: s.ctxOpts},
		StartTS: s.startTS,
		Range:   rpc.KeyRange{StartKey: start, EndKey: end},
		Limit:   limit,
	}
	stream, err := s.client.dispatcher.TxnScan(ctx, region, req)
	if err != nil {
		return nil, nil, err
	}
	shardEnd := region.EndKey
	if len(end) != 0 && (len(shardEnd) == 0 || string(end) < string(shardEnd)) {
		shardEnd = end
	}
	return stream, shardEnd, nil
}

var _ scan.RegionSource = (*scanRegionSource)(nil)
