package rpc

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/txnkv-client/internal/metrics"
	"github.com/pingcap-incubator/txnkv-client/locate"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Transport sends one already-built request to a shard leader's
// address and returns its response. Dialing, framing, and the
// generated client stubs backing a real Transport are external
// collaborators; this module only depends on the method surface below.
type Transport interface {
	TxnGet(ctx context.Context, addr string, req *TxnGetRequest) (*TxnGetResponse, error)
	TxnBatchGet(ctx context.Context, addr string, req *TxnBatchGetRequest) (*TxnBatchGetResponse, error)
	TxnScan(ctx context.Context, addr string, req *TxnScanRequest) (ScanStream, error)
	TxnPrewrite(ctx context.Context, addr string, req *TxnPrewriteRequest) (*TxnPrewriteResponse, error)
	TxnCommit(ctx context.Context, addr string, req *TxnCommitRequest) (*TxnCommitResponse, error)
	TxnBatchRollback(ctx context.Context, addr string, req *TxnBatchRollbackRequest) (*TxnBatchRollbackResponse, error)
	TxnCheckTxnStatus(ctx context.Context, addr string, req *TxnCheckTxnStatusRequest) (*TxnCheckTxnStatusResponse, error)
}

// ErrNotRetryable wraps an error the Dispatcher decided not to retry:
// a transport error whose gRPC status code retryReason does not
// classify as retryable. An fn passed to Send may also return one to
// stop the retry loop, to make it obvious at the call site that the
// error is not retried.
type ErrNotRetryable struct {
	Cause error
}

func (e *ErrNotRetryable) Error() string { return e.Cause.Error() }
func (e *ErrNotRetryable) Unwrap() error { return e.Cause }

// Dispatcher sends a shard-scoped RPC to its region's leader, retrying
// transparently on connection errors, not-leader redirects, and
// stale-epoch errors, up to a bounded attempt count. Each retry drops
// the region's routing cache entry, so the caller's next lookup
// refreshes it, but the retry itself goes to the same region. Logical errors carried in a response payload are never
// retried here — retrying to recover from a LockConflict is the
// caller's job (txnlock.Resolver), not the Dispatcher's.
//
// Safe for concurrent use by many Transactions, the same way a shared
// PD client is.
type Dispatcher struct {
	transport  Transport
	cache      *locate.Cache
	maxRetry   int
	timeout    time.Duration
	retryDelay time.Duration
	limiter    *rate.Limiter
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(transport Transport, cache *locate.Cache, maxRetry int, timeout time.Duration) *Dispatcher {
	return &Dispatcher{transport: transport, cache: cache, maxRetry: maxRetry, timeout: timeout}
}

// WithRetryDelay sets a fixed delay applied between retry attempts
// (config.Config's OpDelayMS), and returns the Dispatcher for chaining.
func (d *Dispatcher) WithRetryDelay(delay time.Duration) *Dispatcher {
	d.retryDelay = delay
	return d
}

// WithRateLimit caps the Dispatcher's outbound attempt rate at rps
// requests per second, burst requests at a time, the same way a
// background I/O limiter caps write throughput. rps <= 0 disables
// limiting (the default).
func (d *Dispatcher) WithRateLimit(rps float64, burst int) *Dispatcher {
	if rps > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return d
}

// retryReason classifies a failed attempt's cause, or "" if the error
// is not eligible for another attempt.
func retryReason(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return metrics.ReasonTransport // non-gRPC transport error (e.g. dial failure): assume transient
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return metrics.ReasonTransport
	case codes.FailedPrecondition, codes.OutOfRange:
		// the leader the cache pointed at rejected the request because
		// its epoch is stale or it is no longer the leader
		return metrics.ReasonStaleEpoch
	default:
		return ""
	}
}

// attempt runs fn once with a bounded-timeout context against region's
// current leader endpoint.
func (d *Dispatcher) attempt(ctx context.Context, region *locate.Region, fn func(ctx context.Context, addr string) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return fn(attemptCtx, region.LeaderEndpoint)
}

// Send runs fn (a single Transport call bound to the named RPC kind)
// against region, retrying per the policy above. fn must not mutate
// region. Every attempt, retries included, targets region's
// LeaderEndpoint; Send never re-routes to a different region.
func (d *Dispatcher) Send(ctx context.Context, kind string, region *locate.Region, fn func(ctx context.Context, addr string) error) error {
	requestID := uuid.New().String()
	var lastErr error
	for i := 0; i <= d.maxRetry; i++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		start := time.Now()
		err := d.attempt(ctx, region, fn)
		metrics.RPCDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}
		if _, ok := err.(*ErrNotRetryable); ok {
			return err
		}
		reason := retryReason(err)
		if reason == "" {
			return &ErrNotRetryable{Cause: err}
		}
		metrics.RetryTotal.WithLabelValues(reason).Inc()
		log.Warn("dispatcher retrying after transport error",
			zap.String("request_id", requestID), zap.String("reason", reason),
			zap.Uint64("region_id", region.ID), zap.Int("attempt", i), zap.Error(err))
		d.cache.Invalidate(region.ID)
		lastErr = err
		if d.retryDelay > 0 {
			select {
			case <-time.After(d.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return errors.Wrapf(lastErr, "dispatcher exhausted retries against region %d (request %s)", region.ID, requestID)
}
