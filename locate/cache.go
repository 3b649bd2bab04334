package locate

import (
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrRegionNotFound is returned when no region covers the requested
// key or range.
var ErrRegionNotFound = errors.New("region not found")

// RegionSource is the backing service the cache refreshes from on a
// miss or after invalidation — conceptually a placement/metadata
// service. Its own refresh logic, retries, and transport are external
// collaborators; Cache only consumes the two lookups it needs.
type RegionSource interface {
	GetRegionByKey(ctx context.Context, key []byte) (*Region, error)
	GetRegionByEndKey(ctx context.Context, start, end []byte) (*Region, error)
}

// regionItem adapts a *Region to btree.Item, ordered by start key so
// the cache can be queried as an interval map.
type regionItem struct {
	region *Region
}

func (it regionItem) Less(than btree.Item) bool {
	other := than.(regionItem)
	return string(it.region.StartKey) < string(other.region.StartKey)
}

// Cache is the Routing Cache. Safe for concurrent use; lookups are
// monotonic with respect to observed region splits within a bounded
// refresh delay.
type Cache struct {
	source RegionSource

	mu   sync.RWMutex
	tree *btree.BTree
	byID map[uint64]*Region
}

// NewCache constructs an empty Cache backed by source.
func NewCache(source RegionSource) *Cache {
	return &Cache{
		source: source,
		tree:   btree.New(16),
		byID:   make(map[uint64]*Region),
	}
}

// LookupRegionByKey returns the region that currently owns key,
// refreshing from the source on a cache miss.
func (c *Cache) LookupRegionByKey(ctx context.Context, key []byte) (*Region, error) {
	if r := c.lookupCachedByKey(key); r != nil {
		return r, nil
	}
	r, err := c.source.GetRegionByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrRegionNotFound
	}
	c.insert(r)
	return r, nil
}

// LookupRegionBetween returns any region whose range overlaps
// [start, end), used to kick off a scan.
func (c *Cache) LookupRegionBetween(ctx context.Context, start, end []byte) (*Region, error) {
	if r := c.lookupCachedByKey(start); r != nil && r.OverlapsRange(start, end) {
		return r, nil
	}
	r, err := c.source.GetRegionByEndKey(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrRegionNotFound
	}
	c.insert(r)
	return r, nil
}

// Invalidate drops the cached entry for regionID. The next lookup that
// would have hit it repopulates from the source instead. Called on
// stale-epoch or wrong-leader errors.
func (c *Cache) Invalidate(regionID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.byID[regionID]
	if !ok {
		return
	}
	delete(c.byID, regionID)
	c.tree.Delete(regionItem{region: r})
	log.Info("routing cache invalidated region", zap.Uint64("region_id", regionID))
}

func (c *Cache) insert(r *Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byID[r.ID]; ok {
		c.tree.Delete(regionItem{region: old})
	}
	c.byID[r.ID] = r
	c.tree.ReplaceOrInsert(regionItem{region: r})
}

// lookupCachedByKey finds the region whose range contains key, if any
// is cached, without going to the source.
func (c *Cache) lookupCachedByKey(key []byte) *Region {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var found *Region
	// Look only at the last region starting at or before key: the
	// region owning key (if cached) is that one.
	pivot := regionItem{region: &Region{StartKey: key}}
	c.tree.DescendLessOrEqual(pivot, func(item btree.Item) bool {
		r := item.(regionItem).region
		if r.Contains(key) {
			found = r
		}
		return false
	})
	return found
}
