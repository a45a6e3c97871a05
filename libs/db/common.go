package db

import (
	"fmt"

	"github.com/spaolacci/murmur3"
)

const (
	minDBCounts uint64 = 1
	maxDBCounts uint64 = 128
)

func dbCountsPreCheck(dbCounts uint64) uint64 {
	if dbCounts < minDBCounts {
		return minDBCounts
	}
	if dbCounts > maxDBCounts {
		return maxDBCounts
	}
	return dbCounts
}

// dbIndex picks the shard of key.
func dbIndex(key []byte, dbCounts uint64) uint64 {
	if dbCounts == minDBCounts {
		return 0
	}
	return uint64(murmur3.Sum32(key)) % dbCounts
}

func genDbName(name string, index uint64) string {
	if index == 0 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, index)
}

func genStatsKey(key string, index uint64) string {
	return fmt.Sprintf("%s_%d", key, index)
}

// splitOps groups batch operations by shard.
func splitOps(ops []batchOp, dbCounts uint64) [][]batchOp {
	shards := make([][]batchOp, dbCounts)
	for _, op := range ops {
		i := dbIndex(op.key, dbCounts)
		shards[i] = append(shards[i], op)
	}
	return shards
}

// opBatch buffers operations for backends that apply them in their own
// transactions.
type opBatch struct {
	ops   []batchOp
	size  int
	write func([]batchOp) error
}

func (b *opBatch) Set(key, value []byte) {
	key, value = cp(nonNilBytes(key)), cp(nonNilBytes(value))
	b.ops = append(b.ops, batchOp{key: key, value: value})
	b.size += len(value)
}

func (b *opBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{del: true, key: cp(nonNilBytes(key))})
}

func (b *opBatch) Write() error {
	err := b.write(b.ops)
	b.ops, b.size = nil, 0
	return err
}

func (b *opBatch) ValueSize() int {
	return b.size
}
