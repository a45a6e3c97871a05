package db

import (
	"bytes"
	"sort"
)

// DB is a byte-keyed store. Implementations are goroutine safe.
type DB interface {
	// Get returns nil iff key doesn't exist.
	// A nil key is interpreted as an empty byteslice.
	// CONTRACT: key, value readonly []byte
	Get([]byte) []byte

	// Has checks if a key exists.
	Has(key []byte) bool

	// Set sets the key.
	// CONTRACT: key, value readonly []byte
	Set([]byte, []byte)
	SetSync([]byte, []byte)

	// Delete deletes the key.
	Delete([]byte)

	// NewIteratorWithPrefix iterates over the keys starting with prefix in
	// ascending order.
	NewIteratorWithPrefix(prefix []byte) Iterator

	// NewBatch creates a batch for grouped updates.
	NewBatch() Batch

	Dir() string

	// Close closes the connection.
	Close()

	// Stats returns backend specific properties.
	Stats() map[string]string
}

// Batch collects writes applied together by Write.
type Batch interface {
	Set(key, value []byte) // CONTRACT: key, value readonly []byte
	Delete(key []byte)     // CONTRACT: key readonly []byte
	Write() error
	ValueSize() int // amount of data in the batch
}

/*
	Usage:

	var itr Iterator = ...
	defer itr.Close()

	for ; itr.Valid(); itr.Next() {
		k, v := itr.Key(); itr.Value()
		// ...
	}
*/
type Iterator interface {
	// Valid returns whether the current position is valid.
	// Once invalid, an Iterator is forever invalid.
	Valid() bool

	// Next moves the iterator to the next key.
	// If Valid returns false, this method will panic.
	Next()

	// Key returns the key of the cursor.
	// If Valid returns false, this method will panic.
	Key() []byte

	// Value returns the value of the cursor.
	// If Valid returns false, this method will panic.
	Value() []byte

	// Close releases the Iterator.
	Close()
}

// We defensively turn nil keys or values into []byte{} for
// most operations.
func nonNilBytes(bz []byte) []byte {
	if bz == nil {
		return []byte{}
	}
	return bz
}

func cp(bz []byte) []byte {
	if bz == nil {
		return nil
	}
	ret := make([]byte, len(bz))
	copy(ret, bz)
	return ret
}

type kv struct {
	key   []byte
	value []byte
}

// kvIterator walks a snapshot of key/value pairs. The sharded backends
// merge the matches of every shard into one.
type kvIterator struct {
	kvs []kv
	pos int
}

var _ Iterator = (*kvIterator)(nil)

func newKVIterator(kvs []kv) *kvIterator {
	sort.Slice(kvs, func(i, j int) bool {
		return bytes.Compare(kvs[i].key, kvs[j].key) < 0
	})
	return &kvIterator{kvs: kvs}
}

func (itr *kvIterator) Valid() bool {
	return itr.pos < len(itr.kvs)
}

func (itr *kvIterator) assertIsValid() {
	if !itr.Valid() {
		panic("iterator is invalid")
	}
}

func (itr *kvIterator) Next() {
	itr.assertIsValid()
	itr.pos++
}

func (itr *kvIterator) Key() []byte {
	itr.assertIsValid()
	return cp(itr.kvs[itr.pos].key)
}

func (itr *kvIterator) Value() []byte {
	itr.assertIsValid()
	return cp(itr.kvs[itr.pos].value)
}

func (itr *kvIterator) Close() {
	itr.kvs = nil
	itr.pos = 0
}

// batchOp is a pending write of a backend batch.
type batchOp struct {
	del   bool
	key   []byte
	value []byte
}
