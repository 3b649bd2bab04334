// Package locate implements the Routing Cache: mapping a key or range
// to the shard ("region") that currently owns it, with epoch-based
// invalidation on stale-routing errors.
package locate

import "fmt"

// Region is a read-only view of a shard's routing metadata.
type Region struct {
	ID            uint64
	Epoch         uint64
	StartKey      []byte
	EndKey        []byte
	LeaderEndpoint string
}

// Contains reports whether key falls in [StartKey, EndKey). An empty
// StartKey means "no lower bound"; an empty EndKey means "no upper
// bound".
func (r *Region) Contains(key []byte) bool {
	if len(r.StartKey) != 0 && string(key) < string(r.StartKey) {
		return false
	}
	if len(r.EndKey) != 0 && string(key) >= string(r.EndKey) {
		return false
	}
	return true
}

// OverlapsRange reports whether [start, end) intersects the region's
// own range. An empty end means "no upper bound" on the query range.
func (r *Region) OverlapsRange(start, end []byte) bool {
	if len(r.EndKey) != 0 && string(start) >= string(r.EndKey) {
		return false
	}
	if len(end) != 0 && len(r.StartKey) != 0 && string(r.StartKey) >= string(end) {
		return false
	}
	return true
}

func (r *Region) String() string {
	return fmt.Sprintf("region{id:%d epoch:%d range:[%x,%x) leader:%s}",
		r.ID, r.Epoch, r.StartKey, r.EndKey, r.LeaderEndpoint)
}
