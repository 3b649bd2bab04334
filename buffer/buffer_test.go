package buffer

import (
	"testing"

	"github.com/pingcap-incubator/txnkv-client/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutOverwritesAnyPriorEntry(t *testing.T) {
	b := New()
	b.Delete([]byte("k"))
	b.Put([]byte("k"), []byte("v"))

	e, ok := b.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, rpc.MutationPut, e.Kind)
	assert.Equal(t, []byte("v"), e.Value)
}

func TestPutIfAbsentNoOpWhenAlreadyPut(t *testing.T) {
	b := New()
	b.Put([]byte("k"), []byte("first"))
	b.PutIfAbsent([]byte("k"), []byte("second"))

	e, ok := b.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("first"), e.Value)
}

func TestPutIfAbsentPromotesDeleteToPut(t *testing.T) {
	b := New()
	b.Delete([]byte("k"))
	b.PutIfAbsent([]byte("k"), []byte("v"))

	e, ok := b.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, rpc.MutationPut, e.Kind)
	assert.Equal(t, []byte("v"), e.Value)
}

func TestPrimaryKeyIsFirstEverInsertedAndStable(t *testing.T) {
	b := New()
	b.Put([]byte("b"), []byte("1"))
	b.Put([]byte("a"), []byte("2"))
	assert.Equal(t, []byte("b"), b.PrimaryKey())

	// Overwriting the primary's own key must not move the primary.
	b.Delete([]byte("b"))
	assert.Equal(t, []byte("b"), b.PrimaryKey())
}

func TestRangeReturnsAscendingKeysWithinBounds(t *testing.T) {
	b := New()
	for _, k := range []string{"c", "a", "e", "b", "d"} {
		b.Put([]byte(k), []byte(k))
	}

	entries := b.Range([]byte("b"), []byte("e"))
	var got []string
	for _, e := range entries {
		got = append(got, string(e.Key))
	}
	assert.Equal(t, []string{"b", "c", "d"}, got)
}

func TestRangeUnboundedEnd(t *testing.T) {
	b := New()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("z"), []byte("2"))

	entries := b.Range([]byte("a"), nil)
	assert.Len(t, entries, 2)
}

func TestIsEmptyAndSize(t *testing.T) {
	b := New()
	assert.True(t, b.IsEmpty())
	assert.Equal(t, 0, b.Size())

	b.Put([]byte("k"), []byte("v"))
	assert.False(t, b.IsEmpty())
	assert.Equal(t, 1, b.Size())
}
