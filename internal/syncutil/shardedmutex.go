// Package syncutil provides the per-contract locking primitive shared
// by the services.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex is a fixed pool of mutexes keyed by string, used for
// per-contract serialization. Memory stays bounded no matter how many
// contract IDs pass through; two IDs hashing to the same shard simply
// wait on each other.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
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
