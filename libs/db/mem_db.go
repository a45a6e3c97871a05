package db

import (
	"bytes"
	"fmt"
	"sync"
)

func init() {
	registerDBCreator(MemDBBackend, func(name string, dir string, dbCounts uint64) (DB, error) {
		return NewMemDB(), nil
	}, false)
}

var _ DB = (*MemDB)(nil)

type MemDB struct {
	mtx sync.Mutex
	db  map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{
		db: make(map[string][]byte),
	}
}

func (db *MemDB) Dir() string {
	return ""
}

func (db *MemDB) Len() int {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return len(db.db)
}

// Implements DB.
func (db *MemDB) Get(key []byte) []byte {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return cp(db.db[string(nonNilBytes(key))])
}

// Implements DB.
func (db *MemDB) Has(key []byte) bool {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	_, ok := db.db[string(nonNilBytes(key))]
	return ok
}

// Implements DB.
func (db *MemDB) Set(key []byte, value []byte) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	db.setNoLock(key, value)
}

// Implements DB.
func (db *MemDB) SetSync(key []byte, value []byte) {
	db.Set(key, value)
}

func (db *MemDB) setNoLock(key []byte, value []byte) {
	db.db[string(nonNilBytes(key))] = cp(nonNilBytes(value))
}

// Implements DB.
func (db *MemDB) Delete(key []byte) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	delete(db.db, string(nonNilBytes(key)))
}

// Implements DB.
func (db *MemDB) Close() {
	// noop, the contents stay readable after Close
}

// Implements DB.
func (db *MemDB) Stats() map[string]string {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return map[string]string{
		"database.type": "memDB",
		"database.size": fmt.Sprintf("%d", len(db.db)),
	}
}

// Implements DB.
func (db *MemDB) NewBatch() Batch {
	return &opBatch{write: func(ops []batchOp) error {
		db.mtx.Lock()
		defer db.mtx.Unlock()
		for _, op := range ops {
			if op.del {
				delete(db.db, string(op.key))
			} else {
				db.setNoLock(op.key, op.value)
			}
		}
		return nil
	}}
}

// Implements DB.
func (db *MemDB) NewIteratorWithPrefix(prefix []byte) Iterator {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	var kvs []kv
	for k, v := range db.db {
		if bytes.HasPrefix([]byte(k), prefix) {
			kvs = append(kvs, kv{key: []byte(k), value: cp(v)})
		}
	}
	return newKVIterator(kvs)
}
