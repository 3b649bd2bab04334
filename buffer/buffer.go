// Package buffer implements the Write Buffer: an in-memory ordered
// log of a transaction's local mutations, keyed by user key,
// supporting point lookup, range lookup, and primary-key selection.
//
// Entries are kept in a google/btree.BTree ordered by raw key bytes so
// range() and primary_key() are cheap and range() feeds the Scan Merger
// (package scan) in key order directly.
package buffer

import (
	"github.com/google/btree"
	"github.com/pingcap-incubator/txnkv-client/rpc"
)

// Entry is one Write Buffer entry — one per distinct key.
type Entry struct {
	Key   []byte
	Value []byte
	Kind  rpc.MutationKind
}

func (e Entry) Less(than btree.Item) bool {
	return string(e.Key) < string(than.(Entry).Key)
}

// Buffer is the transaction's local mutation log. At most one entry
// exists per key; it is never accessed concurrently — the Transaction
// owns it exclusively.
type Buffer struct {
	tree *btree.BTree
	// primary is set on the first-ever inserted entry and never moves,
	// even if that entry is later superseded by a later Put/Delete —
	// the primary key must stay stable for the transaction's lifetime
	// once chosen.
	primary    []byte
	hasPrimary bool
}

// New constructs an empty Buffer.
func New() *Buffer {
	return &Buffer{tree: btree.New(16)}
}

func (b *Buffer) rememberPrimary(key []byte) {
	if !b.hasPrimary {
		b.primary = append([]byte(nil), key...)
		b.hasPrimary = true
	}
}

// Put inserts or overwrites key, setting its type to Put. A later Put
// supersedes any earlier entry of any type for the same key.
func (b *Buffer) Put(key, value []byte) {
	b.rememberPrimary(key)
	b.tree.ReplaceOrInsert(Entry{Key: key, Value: value, Kind: rpc.MutationPut})
}

// PutIfAbsent inserts key as PutIfAbsent if absent; replaces a buffered
// Delete with a Put; otherwise (buffered Put or PutIfAbsent) is a no-op
// — the existing value wins.
func (b *Buffer) PutIfAbsent(key, value []byte) {
	existing := b.tree.Get(Entry{Key: key})
	if existing == nil {
		b.rememberPrimary(key)
		b.tree.ReplaceOrInsert(Entry{Key: key, Value: value, Kind: rpc.MutationPutIfAbsent})
		return
	}
	if existing.(Entry).Kind == rpc.MutationDelete {
		b.tree.ReplaceOrInsert(Entry{Key: key, Value: value, Kind: rpc.MutationPut})
	}
	// Put or PutIfAbsent already present: no-op, existing value wins.
}

// Delete sets key's type to Delete regardless of any prior state.
func (b *Buffer) Delete(key []byte) {
	b.rememberPrimary(key)
	b.tree.ReplaceOrInsert(Entry{Key: key, Kind: rpc.MutationDelete})
}

// Get returns the buffered entry for key, if any.
func (b *Buffer) Get(key []byte) (Entry, bool) {
	item := b.tree.Get(Entry{Key: key})
	if item == nil {
		return Entry{}, false
	}
	return item.(Entry), true
}

// Range returns entries with start <= key < end, in key order. An
// empty end means unbounded.
func (b *Buffer) Range(start, end []byte) []Entry {
	var out []Entry
	iter := func(item btree.Item) bool {
		e := item.(Entry)
		if len(end) != 0 && string(e.Key) >= string(end) {
			return false
		}
		out = append(out, e)
		return true
	}
	if len(start) == 0 {
		b.tree.Ascend(iter)
	} else {
		b.tree.AscendGreaterOrEqual(Entry{Key: start}, iter)
	}
	return out
}

// Mutations returns all buffered entries in key order.
func (b *Buffer) Mutations() []Entry {
	return b.Range(nil, nil)
}

// PrimaryKey returns the key of the first-ever inserted entry, chosen
// deterministically and stable for the buffer's lifetime, or nil if
// the buffer has never had an entry inserted.
func (b *Buffer) PrimaryKey() []byte {
	return b.primary
}

// IsEmpty reports whether the buffer has no entries.
func (b *Buffer) IsEmpty() bool {
	return b.tree.Len() == 0
}

// Size returns the number of distinct keys buffered.
func (b *Buffer) Size() int {
	return b.tree.Len()
}
