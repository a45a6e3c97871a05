package db

import (
	"bytes"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	cmn "github.com/lianxiangcloud/linkdht/libs/common"
)

const (
	defaultBucket     = "default"
	bucketFillPercent = 0.9
	boltOpenTimeout   = time.Second
)

var errNoDefaultBucket = errors.New("default bucket not exist")

func init() {
	registerDBCreator(BoltBackend, func(name string, dir string, counts uint64) (DB, error) {
		return NewBoltDB(name, dir, counts)
	}, false)
}

var _ DB = (*BoltDB)(nil)

// BoltDB stores snappy-compressed values in one bolt file per shard.
type BoltDB struct {
	dbPaths  []string
	dbs      []*bolt.DB
	dbCounts uint64
}

func NewBoltDB(name string, dir string, count uint64) (*BoltDB, error) {
	dbCounts := dbCountsPreCheck(count)
	dbs := make([]*bolt.DB, dbCounts)
	dbPaths := make([]string, dbCounts)

	for index := uint64(0); index < dbCounts; index++ {
		dbPath := filepath.Join(dir, genDbName(name, index)+".db")
		db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: boltOpenTimeout})
		if err == nil {
			err = db.Update(func(tx *bolt.Tx) error {
				b, err := tx.CreateBucketIfNotExists([]byte(defaultBucket))
				if err != nil {
					return err
				}
				b.FillPercent = bucketFillPercent
				return nil
			})
			if err != nil {
				db.Close()
			}
		}
		if err != nil {
			for _, opened := range dbs[:index] {
				opened.Close()
			}
			return nil, errors.Wrapf(err, "open %s", dbPath)
		}
		dbs[index] = db
		dbPaths[index] = dbPath
	}

	return &BoltDB{
		dbPaths:  dbPaths,
		dbs:      dbs,
		dbCounts: dbCounts,
	}, nil
}

func (db *BoltDB) shard(key []byte) *bolt.DB {
	return db.dbs[dbIndex(key, db.dbCounts)]
}

// Implements DB.
func (db *BoltDB) Get(key []byte) []byte {
	key = nonNilBytes(key)
	var value []byte
	err := db.shard(key).View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(defaultBucket))
		if b == nil {
			return errNoDefaultBucket
		}
		stored := b.Get(key)
		if stored == nil {
			return nil
		}
		decoded, err := snappy.Decode(nil, stored)
		if err != nil {
			return err
		}
		value = nonNilBytes(decoded)
		return nil
	})
	if err != nil {
		cmn.PanicCrisis(err)
	}
	return value
}

// Implements DB.
func (db *BoltDB) Has(key []byte) bool {
	return db.Get(key) != nil
}

// Implements DB.
func (db *BoltDB) Set(key []byte, value []byte) {
	key = nonNilBytes(key)
	err := db.shard(key).Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(defaultBucket))
		if b == nil {
			return errNoDefaultBucket
		}
		return b.Put(key, snappy.Encode(nil, nonNilBytes(value)))
	})
	if err != nil {
		cmn.PanicCrisis(err)
	}
}

// Implements DB. Bolt syncs every committed transaction.
func (db *BoltDB) SetSync(key []byte, value []byte) {
	db.Set(key, value)
}

// Implements DB.
func (db *BoltDB) Delete(key []byte) {
	key = nonNilBytes(key)
	err := db.shard(key).Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(defaultBucket))
		if b == nil {
			return errNoDefaultBucket
		}
		return b.Delete(key)
	})
	if err != nil {
		cmn.PanicCrisis(err)
	}
}

// Implements DB.
func (db *BoltDB) Close() {
	for _, d := range db.dbs {
		d.Close()
	}
}

// Implements DB.
func (db *BoltDB) Stats() map[string]string {
	stats := make(map[string]string)
	for index, d := range db.dbs {
		s := d.Stats()
		stats[genStatsKey("bolt.txn", uint64(index))] = fmt.Sprintf("%d", s.TxN)
		stats[genStatsKey("bolt.freepages", uint64(index))] = fmt.Sprintf("%d", s.FreePageN)
		stats[genStatsKey("bolt.pendingpages", uint64(index))] = fmt.Sprintf("%d", s.PendingPageN)
	}
	return stats
}

func (db *BoltDB) Dir() string {
	return filepath.Dir(db.dbPaths[0])
}

// Implements DB. Each shard is written in one transaction.
func (db *BoltDB) NewBatch() Batch {
	return &opBatch{write: func(ops []batchOp) error {
		for index, shardOps := range splitOps(ops, db.dbCounts) {
			if len(shardOps) == 0 {
				continue
			}
			err := db.dbs[index].Update(func(tx *bolt.Tx) error {
				b := tx.Bucket([]byte(defaultBucket))
				if b == nil {
					return errNoDefaultBucket
				}
				for _, op := range shardOps {
					var err error
					if op.del {
						err = b.Delete(op.key)
					} else {
						err = b.Put(op.key, snappy.Encode(nil, op.value))
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
func (db *BoltDB) NewIteratorWithPrefix(prefix []byte) Iterator {
	var kvs []kv
	for _, d := range db.dbs {
		err := d.View(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(defaultBucket))
			if b == nil {
				return errNoDefaultBucket
			}
			c := b.Cursor()
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				decoded, err := snappy.Decode(nil, v)
				if err != nil {
					return err
				}
				kvs = append(kvs, kv{key: cp(k), value: nonNilBytes(decoded)})
			}
			return nil
		})
		if err != nil {
			cmn.PanicCrisis(err)
		}
	}
	return newKVIterator(kvs)
}
