package db

import (
	"fmt"
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withBackends(t *testing.T, fn func(t *testing.T, db DB)) {
	for _, backend := range []DBBackendType{MemDBBackend, GoLevelDBBackend, BoltBackend, BadgerBackend} {
		for _, counts := range []uint64{1, 4} {
			backend, counts := backend, counts
			t.Run(fmt.Sprintf("%s/%d", backend, counts), func(t *testing.T) {
				dir, err := ioutil.TempDir("", "linkdht-db")
				require.NoError(t, err)
				defer os.RemoveAll(dir)

				db, err := NewDB("test", backend, dir, counts)
				require.NoError(t, err)
				defer db.Close()
				fn(t, db)
			})
		}
	}
}

func TestSetGetDelete(t *testing.T) {
	withBackends(t, func(t *testing.T, db DB) {
		assert.Nil(t, db.Get([]byte("missing")))
		assert.False(t, db.Has([]byte("missing")))

		db.Set([]byte("a"), []byte("1"))
		db.SetSync([]byte("b"), []byte("2"))
		assert.Equal(t, []byte("1"), db.Get([]byte("a")))
		assert.Equal(t, []byte("2"), db.Get([]byte("b")))

		// empty values are distinguishable from missing ones
		db.Set([]byte("empty"), nil)
		assert.True(t, db.Has([]byte("empty")))
		assert.Equal(t, []byte{}, db.Get([]byte("empty")))

		db.Delete([]byte("a"))
		assert.Nil(t, db.Get([]byte("a")))
	})
}

func TestPrefixIteration(t *testing.T) {
	withBackends(t, func(t *testing.T, db DB) {
		for i := 0; i < 20; i++ {
			db.Set([]byte(fmt.Sprintf("contact:%02d", i)), []byte(fmt.Sprintf("v%d", i)))
		}
		db.Set([]byte("machine"), []byte("self"))
		db.Set([]byte("contacts"), []byte("not a match"))

		itr := db.NewIteratorWithPrefix([]byte("contact:"))
		defer itr.Close()
		var keys []string
		for ; itr.Valid(); itr.Next() {
			keys = append(keys, string(itr.Key()))
			assert.Equal(t, fmt.Sprintf("v%d", len(keys)-1), string(itr.Value()))
		}
		require.Len(t, keys, 20)
		assert.Equal(t, "contact:00", keys[0])
		assert.Equal(t, "contact:19", keys[19])
		assert.Panics(t, func() { itr.Key() })
	})
}

func TestBatch(t *testing.T) {
	withBackends(t, func(t *testing.T, db DB) {
		db.Set([]byte("stale"), []byte("x"))

		batch := db.NewBatch()
		for i := 0; i < 10; i++ {
			batch.Set([]byte(fmt.Sprintf("k%d", i)), []byte("value"))
		}
		batch.Delete([]byte("stale"))
		assert.Equal(t, 50, batch.ValueSize())
		assert.Nil(t, db.Get([]byte("k0")), "batch applied before Write")

		require.NoError(t, batch.Write())
		assert.Equal(t, 0, batch.ValueSize())
		for i := 0; i < 10; i++ {
			assert.Equal(t, []byte("value"), db.Get([]byte(fmt.Sprintf("k%d", i))))
		}
		assert.False(t, db.Has([]byte("stale")))
	})
}

func TestReopenKeepsData(t *testing.T) {
	for _, backend := range []DBBackendType{GoLevelDBBackend, BoltBackend, BadgerBackend} {
		dir, err := ioutil.TempDir("", "linkdht-db")
		require.NoError(t, err)

		db, err := NewDB("contacts", backend, dir, 3)
		require.NoError(t, err)
		db.SetSync([]byte("machine"), []byte("id-1"))
		db.Close()

		db, err = NewDB("contacts", backend, dir, 3)
		require.NoError(t, err, string(backend))
		assert.Equal(t, []byte("id-1"), db.Get([]byte("machine")), string(backend))
		assert.NotEmpty(t, db.Stats())
		assert.Equal(t, dir, db.Dir())
		db.Close()
		os.RemoveAll(dir)
	}
}

func TestUnknownBackend(t *testing.T) {
	_, err := NewDB("x", DBBackendType("cleveldb"), "", 1)
	assert.Error(t, err)
}

func TestShardIndexStable(t *testing.T) {
	assert.Equal(t, uint64(0), dbIndex([]byte("anything"), 1))
	for _, k := range []string{"a", "contact:1", "machine"} {
		assert.Equal(t, dbIndex([]byte(k), 8), dbIndex([]byte(k), 8))
		assert.True(t, dbIndex([]byte(k), 8) < 8)
	}
	assert.Equal(t, maxDBCounts, dbCountsPreCheck(1000))
	assert.Equal(t, minDBCounts, dbCountsPreCheck(0))
}
