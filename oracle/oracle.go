// Package oracle implements the Time Oracle Client: requesting
// monotonically increasing timestamps for start_ts/commit_ts from a
// central time-oracle service.
//
// Concurrent callers are batched onto a single request stream, the way
// a shared timestamp-oracle client amortizes round trips across many
// concurrent transactions, using the same tsoRequest/tsLoop/TSFuture
// shape a PD client uses.
package oracle

import (
	"context"
	"sync"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Source is the backing timestamp-oracle service. Its own transport
// and leader election are external collaborators; Source need only
// hand back a batch of `count` consecutive timestamps per call.
type Source interface {
	// GetTimestamps returns `count` strictly increasing timestamps in
	// one round trip, the lowest first.
	GetTimestamps(ctx context.Context, count int) ([]uint64, error)
}

const maxPendingRequests = 10000

type request struct {
	ctx   context.Context
	done  chan error
	ts    uint64
}

// Client batches concurrent GetTS callers and dispatches them through
// a single background loop.
type Client struct {
	source Source

	requests chan *request

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewClient constructs a Client and starts its dispatch loop.
func NewClient(source Source) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		source:   source,
		requests: make(chan *request, maxPendingRequests),
		cancel:   cancel,
	}
	c.wg.Add(1)
	go c.dispatchLoop(ctx)
	return c
}

// Close stops the dispatch loop and fails any still-pending requests.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}

// GetTS returns a single timestamp, blocking the caller until the next
// batch completes.
func (c *Client) GetTS(ctx context.Context) (uint64, error) {
	return c.GetTSAsync(ctx).Wait()
}

// Future is a promise for a timestamp obtained via GetTSAsync.
type Future interface {
	Wait() (uint64, error)
}

// GetTSAsync enqueues a timestamp request without blocking the caller.
func (c *Client) GetTSAsync(ctx context.Context) Future {
	if span := opentracing.SpanFromContext(ctx); span != nil {
		span = opentracing.StartSpan("oracle.GetTSAsync", opentracing.ChildOf(span.Context()))
		ctx = opentracing.ContextWithSpan(ctx, span)
	}
	req := &request{ctx: ctx, done: make(chan error, 1)}
	c.requests <- req
	return req
}

func (r *request) Wait() (uint64, error) {
	select {
	case err := <-r.done:
		if err != nil {
			return 0, err
		}
		return r.ts, nil
	case <-r.ctx.Done():
		return 0, errors.WithStack(r.ctx.Err())
	}
}

func (c *Client) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case first := <-c.requests:
			batch := []*request{first}
			pending := len(c.requests)
			for i := 0; i < pending; i++ {
				batch = append(batch, <-c.requests)
			}
			c.serve(ctx, batch)
		case <-ctx.Done():
			c.drain(errors.New("oracle client closing"))
			return
		}
	}
}

func (c *Client) serve(ctx context.Context, batch []*request) {
	ts, err := c.source.GetTimestamps(ctx, len(batch))
	if err != nil {
		log.Error("oracle batch request failed", zap.Int("batch_size", len(batch)), zap.Error(err))
		for _, r := range batch {
			r.done <- err
		}
		return
	}
	for i, r := range batch {
		if span := opentracing.SpanFromContext(r.ctx); span != nil {
			span.Finish()
		}
		r.ts = ts[i]
		r.done <- nil
	}
}

func (c *Client) drain(err error) {
	n := len(c.requests)
	for i := 0; i < n; i++ {
		r := <-c.requests
		r.done <- err
	}
}
