package rpc

import (
	"context"

	"github.com/pingcap-incubator/txnkv-client/locate"
)

// TxnGet sends a TxnGet RPC to region's leader, retrying per Dispatcher's policy.
func (d *Dispatcher) TxnGet(ctx context.Context, region *locate.Region, req *TxnGetRequest) (*TxnGetResponse, error) {
	var resp *TxnGetResponse
	err := d.Send(ctx, "txn_get", region, func(ctx context.Context, addr string) error {
		var e error
		resp, e = d.transport.TxnGet(ctx, addr, req)
		return e
	})
	return resp, err
}

// TxnBatchGet sends a TxnBatchGet RPC to region's leader.
func (d *Dispatcher) TxnBatchGet(ctx context.Context, region *locate.Region, req *TxnBatchGetRequest) (*TxnBatchGetResponse, error) {
	var resp *TxnBatchGetResponse
	err := d.Send(ctx, "txn_batch_get", region, func(ctx context.Context, addr string) error {
		var e error
		resp, e = d.transport.TxnBatchGet(ctx, addr, req)
		return e
	})
	return resp, err
}

// TxnScan opens a streaming scan cursor against region's leader. Only
// opening the stream goes through the Dispatcher's retry policy; an
// error from the stream's Recv is not retried and is returned to the
// caller of scan.Cursor.Next.
func (d *Dispatcher) TxnScan(ctx context.Context, region *locate.Region, req *TxnScanRequest) (ScanStream, error) {
	var stream ScanStream
	err := d.Send(ctx, "txn_scan", region, func(ctx context.Context, addr string) error {
		var e error
		stream, e = d.transport.TxnScan(ctx, addr, req)
		return e
	})
	return stream, err
}

// TxnPrewrite sends a TxnPrewrite RPC to region's leader.
func (d *Dispatcher) TxnPrewrite(ctx context.Context, region *locate.Region, req *TxnPrewriteRequest) (*TxnPrewriteResponse, error) {
	var resp *TxnPrewriteResponse
	err := d.Send(ctx, "txn_prewrite", region, func(ctx context.Context, addr string) error {
		var e error
		resp, e = d.transport.TxnPrewrite(ctx, addr, req)
		return e
	})
	return resp, err
}

// TxnCommit sends a TxnCommit RPC to region's leader.
func (d *Dispatcher) TxnCommit(ctx context.Context, region *locate.Region, req *TxnCommitRequest) (*TxnCommitResponse, error) {
	var resp *TxnCommitResponse
	err := d.Send(ctx, "txn_commit", region, func(ctx context.Context, addr string) error {
		var e error
		resp, e = d.transport.TxnCommit(ctx, addr, req)
		return e
	})
	return resp, err
}

// TxnBatchRollback sends a TxnBatchRollback RPC to region's leader.
func (d *Dispatcher) TxnBatchRollback(ctx context.Context, region *locate.Region, req *TxnBatchRollbackRequest) (*TxnBatchRollbackResponse, error) {
	var resp *TxnBatchRollbackResponse
	err := d.Send(ctx, "txn_batch_rollback", region, func(ctx context.Context, addr string) error {
		var e error
		resp, e = d.transport.TxnBatchRollback(ctx, addr, req)
		return e
	})
	return resp, err
}

// TxnCheckTxnStatus sends a TxnCheckTxnStatus RPC to region's leader —
// used by the Lock Resolver, which addresses the shard owning the
// primary key rather than the shard that surfaced the lock.
func (d *Dispatcher) TxnCheckTxnStatus(ctx context.Context, region *locate.Region, req *TxnCheckTxnStatusRequest) (*TxnCheckTxnStatusResponse, error) {
	var resp *TxnCheckTxnStatusResponse
	err := d.Send(ctx, "txn_check_txn_status", region, func(ctx context.Context, addr string) error {
		var e error
		resp, e = d.transport.TxnCheckTxnStatus(ctx, addr, req)
		return e
	})
	return resp, err
}
