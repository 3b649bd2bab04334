package locate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	regions    []*Region
	byKeyCalls int
}

func (f *fakeSource) GetRegionByKey(ctx context.Context, key []byte) (*Region, error) {
	f.byKeyCalls++
	for _, r := range f.regions {
		if r.Contains(key) {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeSource) GetRegionByEndKey(ctx context.Context, start, end []byte) (*Region, error) {
	for _, r := range f.regions {
		if r.OverlapsRange(start, end) {
			return r, nil
		}
	}
	return nil, nil
}

func TestLookupRegionByKeyCachesAfterFirstMiss(t *testing.T) {
	src := &fakeSource{regions: []*Region{
		{ID: 1, StartKey: nil, EndKey: []byte("m")},
		{ID: 2, StartKey: []byte("m"), EndKey: nil},
	}}
	cache := NewCache(src)

	r, err := cache.LookupRegionByKey(context.Background(), []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.ID)
	assert.Equal(t, 1, src.byKeyCalls)

	r, err = cache.LookupRegionByKey(context.Background(), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.ID)
	assert.Equal(t, 1, src.byKeyCalls, "second lookup within the same region must hit the cache")
}

func TestInvalidateForcesRefreshFromSource(t *testing.T) {
	src := &fakeSource{regions: []*Region{{ID: 1, StartKey: nil, EndKey: nil}}}
	cache := NewCache(src)

	_, err := cache.LookupRegionByKey(context.Background(), []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, src.byKeyCalls)

	cache.Invalidate(1)

	_, err = cache.LookupRegionByKey(context.Background(), []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, 2, src.byKeyCalls)
}

func TestLookupRegionByKeyNotFound(t *testing.T) {
	src := &fakeSource{}
	cache := NewCache(src)

	_, err := cache.LookupRegionByKey(context.Background(), []byte("a"))
	assert.ErrorIs(t, err, ErrRegionNotFound)
}

func TestLookupRegionBetweenPicksOverlappingRegion(t *testing.T) {
	src := &fakeSource{regions: []*Region{
		{ID: 1, StartKey: nil, EndKey: []byte("m")},
		{ID: 2, StartKey: []byte("m"), EndKey: nil},
	}}
	cache := NewCache(src)

	r, err := cache.LookupRegionBetween(context.Background(), []byte("n"), []byte("z"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.ID)
}
