// Package bench provides a single-process, in-memory shard the
// demonstration CLI (cmd/txnkv-bench) runs the real txnkv.Client
// against, standing in for a real cluster the way a YCSB basic db
// stands in for a real backend during local testing.
package bench

import (
	"context"
	"sort"
	"sync"

	"github.com/pingcap-incubator/txnkv-client/locate"
	"github.com/pingcap-incubator/txnkv-client/oracle"
	"github.com/pingcap-incubator/txnkv-client/rpc"
)

// Store is a single-region, single-lock-per-key Percolator-style store.
// It is not meant to demonstrate sharding or routing failures — those
// are exercised by the package tests' fakes — only to give the
// workload runner a real, addressable backend to drive transactions
// against end to end.
type Store struct {
	mu sync.Mutex

	region *locate.Region

	locks  map[string]*rpc.LockInfo
	lockTS map[string]uint64
	values map[string][]byte

	statusByStartTS map[uint64]outcome

	tsMu   sync.Mutex
	nextTS uint64
}

type outcome struct {
	committed bool
	commitTS  uint64
}

// NewStore constructs an empty single-region store covering the whole
// keyspace.
func NewStore() *Store {
	return &Store{
		region:          &locate.Region{ID: 1, Epoch: 1, LeaderEndpoint: "bench"},
		locks:           make(map[string]*rpc.LockInfo),
		lockTS:          make(map[string]uint64),
		values:          make(map[string][]byte),
		statusByStartTS: make(map[uint64]outcome),
	}
}

// GetTimestamps implements oracle.Source with a local monotonic counter.
func (s *Store) GetTimestamps(ctx context.Context, count int) ([]uint64, error) {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()
	out := make([]uint64, count)
	for i := 0; i < count; i++ {
		s.nextTS++
		out[i] = s.nextTS
	}
	return out, nil
}

// GetRegionByKey implements locate.RegionSource.
func (s *Store) GetRegionByKey(ctx context.Context, key []byte) (*locate.Region, error) {
	return s.region, nil
}

// GetRegionByEndKey implements locate.RegionSource.
func (s *Store) GetRegionByEndKey(ctx context.Context, start, end []byte) (*locate.Region, error) {
	return s.region, nil
}

func (s *Store) TxnGet(ctx context.Context, addr string, req *rpc.TxnGetRequest) (*rpc.TxnGetResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lts, locked := s.lockTS[string(req.Key)]; locked && lts < req.StartTS {
		return &rpc.TxnGetResponse{TxnResult: &rpc.TxnResult{Locked: s.locks[string(req.Key)]}}, nil
	}
	v, ok := s.values[string(req.Key)]
	return &rpc.TxnGetResponse{Value: v, NotFound: !ok}, nil
}

func (s *Store) TxnBatchGet(ctx context.Context, addr string, req *rpc.TxnBatchGetRequest) (*rpc.TxnBatchGetResponse, error) {
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

func (s *Store) TxnScan(ctx context.Context, addr string, req *rpc.TxnScanRequest) (rpc.ScanStream, error) {
	s.mu.Lock()
	var keys []string
	for k := range s.values {
		if k < string(req.Range.StartKey) {
			continue
		}
		if len(req.Range.EndKey) != 0 && k >= string(req.Range.EndKey) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kvs := make([]rpc.KV, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, rpc.KV{Key: []byte(k), Value: s.values[k]})
	}
	s.mu.Unlock()
	return &stream{kvs: kvs}, nil
}

func (s *Store) TxnPrewrite(ctx context.Context, addr string, req *rpc.TxnPrewriteRequest) (*rpc.TxnPrewriteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]rpc.TxnResult, len(req.Mutations))
	conflict := false
	for i, m := range req.Mutations {
		key := string(m.Key)
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
		s.tsMu.Lock()
		s.nextTS++
		commitTS := s.nextTS
		s.tsMu.Unlock()
		for _, m := range req.Mutations {
			delete(s.locks, string(m.Key))
			delete(s.lockTS, string(m.Key))
		}
		s.statusByStartTS[req.StartTS] = outcome{committed: true, commitTS: commitTS}
		return &rpc.TxnPrewriteResponse{OnePC: true, CommitTS: commitTS}, nil
	}
	return &rpc.TxnPrewriteResponse{Results: results}, nil
}

func (s *Store) TxnCommit(ctx context.Context, addr string, req *rpc.TxnCommitRequest) (*rpc.TxnCommitResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if out, ok := s.statusByStartTS[req.StartTS]; ok {
		if out.committed {
			return &rpc.TxnCommitResponse{}, nil
		}
		return &rpc.TxnCommitResponse{TxnResult: &rpc.TxnResult{NotFound: &rpc.TxnNotFound{LockTS: req.StartTS}}}, nil
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
	s.statusByStartTS[req.StartTS] = outcome{committed: true, commitTS: req.CommitTS}
	return &rpc.TxnCommitResponse{}, nil
}

func (s *Store) TxnBatchRollback(ctx context.Context, addr string, req *rpc.TxnBatchRollbackRequest) (*rpc.TxnBatchRollbackResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range req.Keys {
		delete(s.locks, string(k))
		delete(s.lockTS, string(k))
		delete(s.values, string(k))
	}
	s.statusByStartTS[req.StartTS] = outcome{committed: false}
	return &rpc.TxnBatchRollbackResponse{}, nil
}

func (s *Store) TxnCheckTxnStatus(ctx context.Context, addr string, req *rpc.TxnCheckTxnStatusRequest) (*rpc.TxnCheckTxnStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if out, ok := s.statusByStartTS[req.LockTS]; ok {
		if out.committed {
			return &rpc.TxnCheckTxnStatusResponse{Action: rpc.ActionRollForward, CommitTS: out.commitTS}, nil
		}
		return &rpc.TxnCheckTxnStatusResponse{Action: rpc.ActionRollback}, nil
	}
	if lts, locked := s.lockTS[string(req.PrimaryKey)]; locked && lts == req.LockTS {
		return &rpc.TxnCheckTxnStatusResponse{Action: rpc.ActionStillLive}, nil
	}
	return &rpc.TxnCheckTxnStatusResponse{Action: rpc.ActionRollback}, nil
}

type stream struct {
	kvs []rpc.KV
	idx int
}

func (s *stream) Recv(ctx context.Context) (*rpc.TxnScanResponse, error) {
	if s.idx >= len(s.kvs) {
		return &rpc.TxnScanResponse{Done: true}, nil
	}
	page := s.kvs[s.idx:]
	s.idx = len(s.kvs)
	return &rpc.TxnScanResponse{Kvs: page, Done: true}, nil
}

func (s *stream) Close() error { return nil }

var (
	_ rpc.Transport       = (*Store)(nil)
	_ locate.RegionSource = (*Store)(nil)
	_ oracle.Source       = (*Store)(nil)
)
