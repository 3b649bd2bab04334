package bench

import (
	"context"
	"testing"

	"github.com/pingcap-incubator/txnkv-client/config"
	"github.com/pingcap-incubator/txnkv-client/txnkv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreDrivesARealTransactionEndToEnd(t *testing.T) {
	store := NewStore()
	client := txnkv.NewClient(store, store, store, config.Default())
	defer client.Close()
	ctx := context.Background()

	txn, err := client.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))
	require.NoError(t, txn.PreCommit(ctx))
	assert.Equal(t, txnkv.StateCommitted, txn.State(), "a single-key transaction against one region commits via one-pc")

	readTxn, err := client.Begin(ctx)
	require.NoError(t, err)
	value, found, err := readTxn.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), value)
}

func TestStoreGetTimestampsAreStrictlyIncreasing(t *testing.T) {
	store := NewStore()
	a, err := store.GetTimestamps(context.Background(), 1)
	require.NoError(t, err)
	b, err := store.GetTimestamps(context.Background(), 3)
	require.NoError(t, err)
	assert.Less(t, a[0], b[0])
	assert.Less(t, b[0], b[1])
	assert.Less(t, b[1], b[2])
}
