package db

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	cmn "github.com/lianxiangcloud/linkdht/libs/common"
)

func init() {
	registerDBCreator(GoLevelDBBackend, func(name string, dir string, counts uint64) (DB, error) {
		return NewGoLevelDB(name, dir, counts)
	}, false)
}

var _ DB = (*GoLevelDB)(nil)

type GoLevelDB struct {
	dbPaths  []string
	dbs      []*leveldb.DB
	dbCounts uint64
}

func NewGoLevelDB(name string, dir string, counts uint64) (*GoLevelDB, error) {
	dbCounts := dbCountsPreCheck(counts)
	dbs := make([]*leveldb.DB, dbCounts)
	dbPaths := make([]string, dbCounts)

	for index := uint64(0); index < dbCounts; index++ {
		dbPath := filepath.Join(dir, genDbName(name, index)+".db")
		db, err := leveldb.OpenFile(dbPath, nil)
		if lerrors.IsCorrupted(err) {
			db, err = leveldb.RecoverFile(dbPath, nil)
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

	return &GoLevelDB{
		dbPaths:  dbPaths,
		dbs:      dbs,
		dbCounts: dbCounts,
	}, nil
}

func (db *GoLevelDB) Dir() string {
	return filepath.Dir(db.dbPaths[0])
}

func (db *GoLevelDB) shard(key []byte) *leveldb.DB {
	return db.dbs[dbIndex(key, db.dbCounts)]
}

// Implements DB.
func (db *GoLevelDB) Get(key []byte) []byte {
	key = nonNilBytes(key)
	res, err := db.shard(key).Get(key, nil)
	if err != nil {
		if err == lerrors.ErrNotFound {
			return nil
		}
		cmn.PanicCrisis(err)
	}
	return nonNilBytes(res)
}

// Implements DB.
func (db *GoLevelDB) Has(key []byte) bool {
	return db.Get(key) != nil
}

func (db *GoLevelDB) put(key, value []byte, wo *opt.WriteOptions) {
	key = nonNilBytes(key)
	if err := db.shard(key).Put(key, nonNilBytes(value), wo); err != nil {
		cmn.PanicCrisis(err)
	}
}

// Implements DB.
func (db *GoLevelDB) Set(key []byte, value []byte) {
	db.put(key, value, nil)
}

// Implements DB.
func (db *GoLevelDB) SetSync(key []byte, value []byte) {
	db.put(key, value, &opt.WriteOptions{Sync: true})
}

// Implements DB.
func (db *GoLevelDB) Delete(key []byte) {
	key = nonNilBytes(key)
	if err := db.shard(key).Delete(key, nil); err != nil {
		cmn.PanicCrisis(err)
	}
}

// Implements DB.
func (db *GoLevelDB) Close() {
	for _, d := range db.dbs {
		d.Close()
	}
}

// Implements DB.
func (db *GoLevelDB) Stats() map[string]string {
	keys := []string{
		"leveldb.stats",
		"leveldb.sstables",
		"leveldb.blockpool",
		"leveldb.cachedblock",
		"leveldb.openedtables",
		"leveldb.alivesnaps",
		"leveldb.aliveiters",
	}

	stats := make(map[string]string)
	for index, d := range db.dbs {
		for _, key := range keys {
			str, err := d.GetProperty(key)
			if err == nil {
				stats[genStatsKey(key, uint64(index))] = str
			}
		}
	}
	return stats
}

// Implements DB.
func (db *GoLevelDB) NewBatch() Batch {
	return &opBatch{write: func(ops []batchOp) error {
		for index, shardOps := range splitOps(ops, db.dbCounts) {
			if len(shardOps) == 0 {
				continue
			}
			batch := new(leveldb.Batch)
			for _, op := range shardOps {
				if op.del {
					batch.Delete(op.key)
				} else {
					batch.Put(op.key, op.value)
				}
			}
			if err := db.dbs[index].Write(batch, nil); err != nil {
				return err
			}
		}
		return nil
	}}
}

// Implements DB.
func (db *GoLevelDB) NewIteratorWithPrefix(prefix []byte) Iterator {
	var kvs []kv
	for _, d := range db.dbs {
		it := d.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			kvs = append(kvs, kv{key: cp(it.Key()), value: cp(it.Value())})
		}
		it.Release()
	}
	return newKVIterator(kvs)
}
