package db

import "github.com/pkg/errors"

//----------------------------------------
// Main entry

type DBBackendType string

const (
	GoLevelDBBackend DBBackendType = "goleveldb"
	MemDBBackend     DBBackendType = "memdb"
	BadgerBackend    DBBackendType = "badger"
	BoltBackend      DBBackendType = "bolt"
)

type dbCreator func(name string, dir string, counts uint64) (DB, error)

var backends = map[DBBackendType]dbCreator{}

func registerDBCreator(backend DBBackendType, creator dbCreator, force bool) {
	_, ok := backends[backend]
	if !force && ok {
		return
	}
	backends[backend] = creator
}

// NewDB opens name under dir, spread over counts shard files.
func NewDB(name string, backend DBBackendType, dir string, counts uint64) (DB, error) {
	creator, ok := backends[backend]
	if !ok {
		return nil, errors.Errorf("unknown db backend %q", backend)
	}
	db, err := creator(name, dir, counts)
	if err != nil {
		return nil, errors.Wrapf(err, "initializing %s db %q", backend, name)
	}
	return db, nil
}
