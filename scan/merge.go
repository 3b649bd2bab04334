// Package scan implements the Scan Merger: streaming a ranged read
// from one or more shards and interleaving the transaction's buffered
// mutations in key order, resumable across shard boundaries and
// across limit-drained calls.
//
// The merge loop's shape — advance whichever side (server stream vs.
// buffered entries) is behind, skip tombstones, emit on a tie favoring
// the buffered value — is the same merge-join a write-CF iterator does
// against a key's lock, generalized from (write-CF iterator, lock) to
// (shard stream, buffered mutation list).
package scan

import (
	"bytes"
	"context"

	"github.com/pingcap-incubator/txnkv-client/buffer"
	"github.com/pingcap-incubator/txnkv-client/rpc"
)

// KV is one merged result pair.
type KV struct {
	Key   []byte
	Value []byte
}

// RegionSource opens a shard scan covering [start, end) and finds the
// next shard after one is exhausted. It is implemented in terms of
// locate.Cache + rpc.Dispatcher by the root package; kept as an
// interface here so the merge logic is testable without either.
type RegionSource interface {
	// OpenShardScan opens a streaming scan against the shard owning
	// start, for the portion of [start, end) it covers. It returns the
	// shard's own end bound (possibly before the caller's end) so the
	// cursor knows where to resume against the next shard.
	OpenShardScan(ctx context.Context, start, end []byte, limit int) (stream rpc.ScanStream, shardEnd []byte, err error)
}

// Cursor is a resumable scan over [start, end), interleaving server
// results with a snapshot of the transaction's buffered mutations.
type Cursor struct {
	source RegionSource

	end     []byte
	nextKey []byte

	localMutations []buffer.Entry
	localIdx       int

	stream       rpc.ScanStream
	shardEnd     []byte
	pendingKVs   []rpc.KV
	pendingOff   int
	streamClosed bool
}

// NewCursor creates a cursor over [start, end), snapshotting buf's
// entries in that range at creation time — the snapshot is taken
// once, when the Scan range is first opened.
func NewCursor(source RegionSource, buf *buffer.Buffer, start, end []byte) *Cursor {
	entries := buf.Range(start, end)
	return &Cursor{
		source:  source,
		end:     append([]byte(nil), end...),
		nextKey: append([]byte(nil), start...),
		localMutations: entries,
	}
}

// Done reports whether the cursor has reached end or closed its last
// shard stream with nothing left to return.
func (c *Cursor) Done() bool {
	if len(c.end) != 0 && bytesGE(c.nextKey, c.end) {
		return true
	}
	return c.streamClosed && len(c.shardEnd) == 0 && c.localIdx >= len(c.localMutations) && c.pendingOff >= len(c.pendingKVs)
}

// Next drains up to limit merged (key, value) pairs, advancing the
// cursor's resumable state. Returned keys are strictly increasing and
// < end.
func (c *Cursor) Next(ctx context.Context, limit int) ([]KV, error) {
	var out []KV
	for len(out) < limit {
		if len(c.end) != 0 && bytesGE(c.nextKey, c.end) {
			break
		}
		if err := c.fillServerPage(ctx); err != nil {
			return out, err
		}

		localEntry, hasLocal := c.peekLocal()
		serverKV, hasServer := c.peekServer()

		switch {
		case !hasLocal && !hasServer:
			// fillServerPage only returns with both sides empty once the
			// current shard is fully drained; move on to the next one.
			if !c.streamClosed {
				return out, nil
			}
			c.nextKey = nextShardStart(c.shardEnd)
			if c.shardEnd == nil || (len(c.end) != 0 && bytesGE(c.shardEnd, c.end)) {
				return out, nil
			}
			c.streamClosed = false
			continue
		case hasLocal && (!hasServer || bytes.Compare(localEntry.Key, serverKV.Key) < 0):
			if !hasServer && len(c.shardEnd) != 0 && bytes.Compare(localEntry.Key, c.shardEnd) >= 0 {
				// The buffered key belongs to a later shard: scan that
				// shard first so its smaller server keys are not skipped.
				c.nextKey = nextShardStart(c.shardEnd)
				c.streamClosed = false
				continue
			}
			c.localIdx++
			c.nextKey = advanceKey(localEntry.Key)
			if localEntry.Kind != rpc.MutationDelete {
				out = append(out, KV{Key: localEntry.Key, Value: localEntry.Value})
			}
		case hasServer && (!hasLocal || bytes.Compare(serverKV.Key, localEntry.Key) < 0):
			c.pendingOff++
			c.nextKey = advanceKey(serverKV.Key)
			out = append(out, KV{Key: serverKV.Key, Value: serverKV.Value})
		default:
			// Equal keys: buffered mutation wins (Put or PutIfAbsent
			// both surface the buffered value for read-your-writes;
			// Delete suppresses the server value).
			c.localIdx++
			c.pendingOff++
			c.nextKey = advanceKey(localEntry.Key)
			if localEntry.Kind != rpc.MutationDelete {
				out = append(out, KV{Key: localEntry.Key, Value: localEntry.Value})
			}
		}
	}
	return out, nil
}

func (c *Cursor) peekLocal() (buffer.Entry, bool) {
	if c.localIdx >= len(c.localMutations) {
		return buffer.Entry{}, false
	}
	return c.localMutations[c.localIdx], true
}

func (c *Cursor) peekServer() (rpc.KV, bool) {
	if c.pendingOff >= len(c.pendingKVs) {
		return rpc.KV{}, false
	}
	return c.pendingKVs[c.pendingOff], true
}

// fillServerPage ensures a shard stream is open and has at least one
// buffered page, opening the next shard via source when the current
// one is exhausted.
func (c *Cursor) fillServerPage(ctx context.Context) error {
	for c.pendingOff >= len(c.pendingKVs) {
		if c.stream == nil {
			if len(c.end) != 0 && bytesGE(c.nextKey, c.end) {
				c.streamClosed = true
				return nil
			}
			stream, shardEnd, err := c.source.OpenShardScan(ctx, c.nextKey, c.end, 256)
			if err != nil {
				return err
			}
			c.stream = stream
			c.shardEnd = shardEnd
		}
		page, err := c.stream.Recv(ctx)
		if err != nil {
			return err
		}
		c.pendingKVs = page.Kvs
		c.pendingOff = 0
		if page.Done {
			c.stream.Close()
			c.stream = nil
			c.streamClosed = true
			return nil
		}
		c.streamClosed = false
		if len(page.Kvs) > 0 {
			return nil
		}
		// Empty, non-final page: loop and fetch the next one.
	}
	return nil
}

// bytesGE reports whether a >= b, treating an empty b as +infinity (no
// upper bound) so callers can pass an unbounded end directly.
func bytesGE(a, b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return bytes.Compare(a, b) >= 0
}

// advanceKey returns the smallest key strictly greater than key, under
// lexicographic byte order — a half-open "last emitted + smallest
// increment" cursor, so resuming after a partial page never re-emits
// the same key.
func advanceKey(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

// nextShardStart computes the resume point after a shard is fully
// drained: the shard's own end bound is already exclusive, so it is
// used as-is as the next shard's start.
func nextShardStart(shardEnd []byte) []byte {
	return append([]byte(nil), shardEnd...)
}
