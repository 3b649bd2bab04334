package txnkv

import (
	"context"
	"sort"
	"sync"

	"github.com/pingcap-incubator/txnkv-client/locate"
	"github.com/pingcap-incubator/txnkv-client/rpc"
)

// fakeShard is a minimal in-memory Percolator-style store: one lock and
// one most-recently-committed value per key, enough to drive the
// prewrite/commit/rollback/resolve scenarios this package's tests
// exercise, without implementing full multi-version storage.
type fakeShard struct {
	mu sync.Mutex

	region *locate.Region

	locks  map[string]*rpc.LockInfo
	lockTS map[string]uint64
	values map[string][]byte

	// statusByStartTS records a transaction's final fate once it
	// commits or rolls back, keyed by its start_ts, so CheckTxnStatus
	// can answer for a lock whose owner already finished.
	statusByStartTS map[uint64]txnOutcome

	forceExpired map[uint64]bool

	// conflictOn, when set for a key, makes the next Prewrite touching
	// that key report a write conflict instead of placing a lock.
	conflictOn map[string]*rpc.WriteConflict

	// conflictOnCommit, when set for a key, makes the next Commit
	// request that includes that key report a write conflict instead of
	// finalizing it.
	conflictOnCommit map[string]*rpc.WriteConflict

	nextOnePCTS func() uint64
}

type txnOutcome struct {
	committed bool
	commitTS  uint64
}

func newFakeShard(region *locate.Region, nextOnePCTS func() uint64) *fakeShard {
	return &fakeShard{
		region:           region,
		locks:            make(map[string]*rpc.LockInfo),
		lockTS:           make(map[string]uint64),
		values:           make(map[string][]byte),
		statusByStartTS:  make(map[uint64]txnOutcome),
		forceExpired:     make(map[uint64]bool),
		conflictOn:       make(map[string]*rpc.WriteConflict),
		conflictOnCommit: make(map[string]*rpc.WriteConflict),
		nextOnePCTS:      nextOnePCTS,
	}
}

// setConflict arranges for the next Prewrite touching key to report a
// write conflict instead of placing a lock.
func (s *fakeShard) setConflict(key string, wc *rpc.WriteConflict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflictOn[key] = wc
}

// setConflictOnCommit arranges for the next Commit request that
// includes key to report a write conflict instead of finalizing.
func (s *fakeShard) setConflictOnCommit(key string, wc *rpc.WriteConflict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflictOnCommit[key] = wc
}

func (s *fakeShard) Get(ctx context.Context, req *rpc.TxnGetRequest) (*rpc.TxnGetResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lts, locked := s.lockTS[string(req.Key)]; locked && lts < req.StartTS {
		return &rpc.TxnGetResponse{TxnResult: &rpc.TxnResult{Locked: s.locks[string(req.Key)]}}, nil
	}
	v, ok := s.values[string(req.Key)]
	return &rpc.TxnGetResponse{Value: v, NotFound: !ok}, nil
}

func (s *fakeShard) BatchGet(ctx context.Context, req *rpc.TxnBatchGetRequest) (*rpc.TxnBatchGetResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kvs []rpc.KV
	for _, k := range req.Keys {
		if lts, locked := s.lockTS[string(k)]; locked && lts < req.StartTS {
			return &rpc.TxnBatchGetResponse{TxnResult: &rpc.TxnResult{Locked: s.locks[string(k)]}}, nil
		}
		if v, ok := s.values[string(k)]; ok {
			kvs = append(kvs, rpc.KV{Key: k, Value: v})
		}
	}
	return &rpc.TxnBatchGetResponse{Kvs: kvs}, nil
}

func (s *fakeShard) Prewrite(ctx context.Context, req *rpc.TxnPrewriteRequest) (*rpc.TxnPrewriteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]rpc.TxnResult, len(req.Mutations))
	conflict := false
	for i, m := range req.Mutations {
		key := string(m.Key)
		if wc, ok := s.conflictOn[key]; ok {
			delete(s.conflictOn, key)
			results[i] = rpc.TxnResult{Conflict: wc}
			conflict = true
			continue
		}
		if existingTS, locked := s.lockTS[key]; locked {
			if existingTS != req.StartTS {
				results[i] = rpc.TxnResult{Locked: &rpc.LockInfo{
					PrimaryKey: req.PrimaryLock, LockTS: existingTS, Key: m.Key, LockTTLMS: req.LockTTLMS,
				}}
				conflict = true
			}
			continue
		}
		s.locks[key] = &rpc.LockInfo{PrimaryKey: req.PrimaryLock, LockTS: req.StartTS, Key: m.Key, LockTTLMS: req.LockTTLMS, LockKind: m.Kind}
		s.lockTS[key] = req.StartTS
		s.values[key] = m.Value
	}
	if conflict {
		return &rpc.TxnPrewriteResponse{Results: results}, nil
	}

	if req.TryOnePC {
		commitTS := s.nextOnePCTS()
		for _, m := range req.Mutations {
			delete(s.locks, string(m.Key))
			delete(s.lockTS, string(m.Key))
		}
		s.statusByStartTS[req.StartTS] = txnOutcome{committed: true, commitTS: commitTS}
		return &rpc.TxnPrewriteResponse{OnePC: true, CommitTS: commitTS}, nil
	}
	return &rpc.TxnPrewriteResponse{Results: results}, nil
}

func (s *fakeShard) Commit(ctx context.Context, req *rpc.TxnCommitRequest) (*rpc.TxnCommitResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if out, ok := s.statusByStartTS[req.StartTS]; ok {
		if out.committed {
			return &rpc.TxnCommitResponse{}, nil
		}
		return &rpc.TxnCommitResponse{TxnResult: &rpc.TxnResult{NotFound: &rpc.TxnNotFound{LockTS: req.StartTS}}}, nil
	}

	for _, k := range req.Keys {
		if wc, ok := s.conflictOnCommit[string(k)]; ok {
			delete(s.conflictOnCommit, string(k))
			return &rpc.TxnCommitResponse{TxnResult: &rpc.TxnResult{Conflict: wc}}, nil
		}
	}

	anyLocked := false
	for _, k := range req.Keys {
		if lts, ok := s.lockTS[string(k)]; ok && lts == req.StartTS {
			anyLocked = true
		}
	}
	if !anyLocked {
		return &rpc.TxnCommitResponse{TxnResult: &rpc.TxnResult{NotFound: &rpc.TxnNotFound{LockTS: req.StartTS}}}, nil
	}
	for _, k := range req.Keys {
		delete(s.locks, string(k))
		delete(s.lockTS, string(k))
	}
	s.statusByStartTS[req.StartTS] = txnOutcome{committed: true, commitTS: req.CommitTS}
	return &rpc.TxnCommitResponse{}, nil
}

func (s *fakeShard) BatchRollback(ctx context.Context, req *rpc.TxnBatchRollbackRequest) (*rpc.TxnBatchRollbackResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range req.Keys {
		delete(s.locks, string(k))
		delete(s.lockTS, string(k))
		delete(s.values, string(k))
	}
	s.statusByStartTS[req.StartTS] = txnOutcome{committed: false}
	return &rpc.TxnBatchRollbackResponse{}, nil
}

func (s *fakeShard) CheckTxnStatus(ctx context.Context, req *rpc.TxnCheckTxnStatusRequest) (*rpc.TxnCheckTxnStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if out, ok := s.statusByStartTS[req.LockTS]; ok {
		if out.committed {
			return &rpc.TxnCheckTxnStatusResponse{Action: rpc.ActionRollForward, CommitTS: out.commitTS}, nil
		}
		return &rpc.TxnCheckTxnStatusResponse{Action: rpc.ActionRollback}, nil
	}

	if lts, locked := s.lockTS[string(req.PrimaryKey)]; locked && lts == req.LockTS {
		if s.forceExpired[req.LockTS] {
			delete(s.locks, string(req.PrimaryKey))
			delete(s.lockTS, string(req.PrimaryKey))
			s.statusByStartTS[req.LockTS] = txnOutcome{committed: false}
			return &rpc.TxnCheckTxnStatusResponse{Action: rpc.ActionRollback}, nil
		}
		return &rpc.TxnCheckTxnStatusResponse{Action: rpc.ActionStillLive}, nil
	}
	// No trace of the primary lock at all: treat as already rolled back.
	return &rpc.TxnCheckTxnStatusResponse{Action: rpc.ActionRollback}, nil
}

func (s *fakeShard) scanRange(startTS uint64, start, end []byte) []rpc.KV {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for k := range s.values {
		if k < string(start) {
			continue
		}
		if len(end) != 0 && k >= string(end) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]rpc.KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, rpc.KV{Key: []byte(k), Value: s.values[k]})
	}
	return out
}

// fakeTransport dispatches each RPC by the region ID carried in its
// Context, routing to the shard registered for that region.
type fakeTransport struct {
	shards map[uint64]*fakeShard
}

func (f *fakeTransport) TxnGet(ctx context.Context, addr string, req *rpc.TxnGetRequest) (*rpc.TxnGetResponse, error) {
	return f.shards[req.Context.RegionID].Get(ctx, req)
}

func (f *fakeTransport) TxnBatchGet(ctx context.Context, addr string, req *rpc.TxnBatchGetRequest) (*rpc.TxnBatchGetResponse, error) {
	return f.shards[req.Context.RegionID].BatchGet(ctx, req)
}

func (f *fakeTransport) TxnScan(ctx context.Context, addr string, req *rpc.TxnScanRequest) (rpc.ScanStream, error) {
	kvs := f.shards[req.Context.RegionID].scanRange(req.StartTS, req.Range.StartKey, req.Range.EndKey)
	return &fakeScanStream{kvs: kvs}, nil
}

func (f *fakeTransport) TxnPrewrite(ctx context.Context, addr string, req *rpc.TxnPrewriteRequest) (*rpc.TxnPrewriteResponse, error) {
	return f.shards[req.Context.RegionID].Prewrite(ctx, req)
}

func (f *fakeTransport) TxnCommit(ctx context.Context, addr string, req *rpc.TxnCommitRequest) (*rpc.TxnCommitResponse, error) {
	return f.shards[req.Context.RegionID].Commit(ctx, req)
}

func (f *fakeTransport) TxnBatchRollback(ctx context.Context, addr string, req *rpc.TxnBatchRollbackRequest) (*rpc.TxnBatchRollbackResponse, error) {
	return f.shards[req.Context.RegionID].BatchRollback(ctx, req)
}

func (f *fakeTransport) TxnCheckTxnStatus(ctx context.Context, addr string, req *rpc.TxnCheckTxnStatusRequest) (*rpc.TxnCheckTxnStatusResponse, error) {
	// CheckTxnStatus is always addressed to the shard owning the
	// primary key, which the client resolves before calling; the
	// RegionID embedded in req.Context already reflects that.
	return f.shards[req.Context.RegionID].CheckTxnStatus(ctx, req)
}

type fakeScanStream struct {
	kvs []rpc.KV
	idx int
}

func (s *fakeScanStream) Recv(ctx context.Context) (*rpc.TxnScanResponse, error) {
	if s.idx >= len(s.kvs) {
		return &rpc.TxnScanResponse{Done: true}, nil
	}
	page := s.kvs[s.idx:]
	s.idx = len(s.kvs)
	return &rpc.TxnScanResponse{Kvs: page, Done: true}, nil
}

func (s *fakeScanStream) Close() error { return nil }

// fakeRegionSource serves a fixed, never-splitting partition of the
// keyspace, enough to exercise single- and multi-shard routing without
// modeling region splits/merges.
type fakeRegionSource struct {
	regions []*locate.Region
}

func (f *fakeRegionSource) GetRegionByKey(ctx context.Context, key []byte) (*locate.Region, error) {
	for _, r := range f.regions {
		if r.Contains(key) {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeRegionSource) GetRegionByEndKey(ctx context.Context, start, end []byte) (*locate.Region, error) {
	for _, r := range f.regions {
		if r.OverlapsRange(start, end) {
			return r, nil
		}
	}
	return nil, nil
}

type fakeTSSource struct {
	mu   sync.Mutex
	next uint64
}

func (f *fakeTSSource) GetTimestamps(ctx context.Context, count int) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, count)
	for i := 0; i < count; i++ {
		f.next++
		out[i] = f.next
	}
	return out, nil
}
