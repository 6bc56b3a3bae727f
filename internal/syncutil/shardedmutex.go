// Package syncutil provides per-key locking over a fixed shard pool.
// Memory stays bounded no matter how many keys are seen; keys hashing to
// the same shard occasionally contend with each other.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex is a per-key mutex pool. The zero value is ready to use.
// The matching engine locks per agent address while checking queue
// capacity.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// shardIndex maps a key onto the shard pool with FNV-1a.
func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
