// Package syncutil provides shared synchronization primitives.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Unlike sync.Map-based per-key locks, this uses bounded memory regardless
// of how many keys are seen, at the cost of occasional false sharing between
// keys that hash to the same shard.
//
// The bond ledger uses one of these per peer and the arbitration
// coordinator one per dispute, so unrelated peers' settlement activity is
// never serialized behind a single global lock.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// NewShardedMutex returns a ready-to-use sharded mutex. The zero value
// is also usable.
func NewShardedMutex() *ShardedMutex {
	return &ShardedMutex{}
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%256]
}
