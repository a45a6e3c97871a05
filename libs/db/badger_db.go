package db

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/dgraph-io/badger/options"
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	cmn "github.com/lianxiangcloud/linkdht/libs/common"
)

var badgerGCInterval = 10 * time.Minute

func init() {
	registerDBCreator(BadgerBackend, func(name string, dir string, dbCounts uint64) (DB, error) {
		return NewBadgerDB(name, dir, dbCounts)
	}, false)
}

var _ DB = (*BadgerDB)(nil)

// BadgerDB stores snappy-compressed values in one badger directory per
// shard, with a value log GC loop running until Close.
type BadgerDB struct {
	dbPaths  []string
	dbs      []*badger.DB
	dbCounts uint64

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewBadgerDB(name string, dir string, counts uint64) (*BadgerDB, error) {
	dbCounts := dbCountsPreCheck(counts)
	dbs := make([]*badger.DB, dbCounts)
	dbPaths := make([]string, dbCounts)

	for index := uint64(0); index < dbCounts; index++ {
		dbPath := filepath.Join(dir, genDbName(name, index)+".db")
		badgerOpts := badger.DefaultOptions(dbPath)
		badgerOpts.ValueThreshold = 32
		badgerOpts.MaxTableSize = 16 << 20
		badgerOpts.TableLoadingMode = options.MemoryMap
		badgerOpts.ValueLogLoadingMode = options.FileIO
		db, err := badger.Open(badgerOpts)
		if err != nil {
			for _, opened := range dbs[:index] {
				opened.Close()
			}
			return nil, errors.Wrapf(err, "open %s", dbPath)
		}
		dbs[index] = db
		dbPaths[index] = dbPath
	}

	database := &BadgerDB{
		dbPaths:  dbPaths,
		dbs:      dbs,
		dbCounts: dbCounts,
		quit:     make(chan struct{}),
	}
	database.wg.Add(1)
	go database.gcRoutine()
	return database, nil
}

func (db *BadgerDB) gcRoutine() {
	defer db.wg.Done()
	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, d := range db.dbs {
				for d.RunValueLogGC(0.5) == nil {
				}
			}
		case <-db.quit:
			return
		}
	}
}

func (db *BadgerDB) shard(key []byte) *badger.DB {
	return db.dbs[dbIndex(key, db.dbCounts)]
}

// Implements DB.
func (db *BadgerDB) Get(key []byte) []byte {
	key = nonNilBytes(key)
	var value []byte
	err := db.shard(key).View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := snappy.Decode(nil, val)
			if err != nil {
				return err
			}
			value = nonNilBytes(decoded)
			return nil
		})
	})
	if err != nil && err != badger.ErrKeyNotFound {
		cmn.PanicCrisis(err)
	}
	return value
}

// Implements DB.
func (db *BadgerDB) Has(key []byte) bool {
	return db.Get(key) != nil
}

// Implements DB.
func (db *BadgerDB) Set(key []byte, value []byte) {
	key = nonNilBytes(key)
	err := db.shard(key).Update(func(txn *badger.Txn) error {
		return txn.Set(key, snappy.Encode(nil, nonNilBytes(value)))
	})
	if err != nil {
		cmn.PanicCrisis(err)
	}
}

// Implements DB. Badger is opened with synchronous writes.
func (db *BadgerDB) SetSync(key []byte, value []byte) {
	db.Set(key, value)
}

// Implements DB.
func (db *BadgerDB) Delete(key []byte) {
	key = nonNilBytes(key)
	err := db.shard(key).Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		cmn.PanicCrisis(err)
	}
}

// Implements DB.
func (db *BadgerDB) Close() {
	db.closeOnce.Do(func() {
		close(db.quit)
		db.wg.Wait()
		for _, d := range db.dbs {
			d.Close()
		}
	})
}

// Implements DB.
func (db *BadgerDB) Stats() map[string]string {
	stats := make(map[string]string)
	for index, d := range db.dbs {
		lsm, vlog := d.Size()
		stats[genStatsKey("badger.lsm_size", uint64(index))] = fmt.Sprintf("%d", lsm)
		stats[genStatsKey("badger.vlog_size", uint64(index))] = fmt.Sprintf("%d", vlog)
	}
	return stats
}

func (db *BadgerDB) Dir() string {
	return filepath.Dir(db.dbPaths[0])
}

// Implements DB.
func (db *BadgerDB) NewBatch() Batch {
	return &opBatch{write: func(ops []batchOp) error {
		for index, shardOps := range splitOps(ops, db.dbCounts) {
			if len(shardOps) == 0 {
				continue
			}
			err := db.dbs[index].Update(func(txn *badger.Txn) error {
				for _, op := range shardOps {
					var err error
					if op.del {
						err = txn.Delete(op.key)
					} else {
						err = txn.Set(op.key, snappy.Encode(nil, op.value))
					}
					if err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}}
}

// Implements DB.
func (db *BadgerDB) NewIteratorWithPrefix(prefix []byte) Iterator {
	var kvs []kv
	for _, d := range db.dbs {
		err := d.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				stored, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				decoded, err := snappy.Decode(nil, stored)
				if err != nil {
					return err
				}
				kvs = append(kvs, kv{key: item.KeyCopy(nil), value: nonNilBytes(decoded)})
			}
			return nil
		})
		if err != nil {
			cmn.PanicCrisis(err)
		}
	}
	return newKVIterator(kvs)
}
