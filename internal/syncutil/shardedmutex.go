// Package syncutil provides small concurrency helpers.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const mutexShards = 128

// ShardedMutex is a fixed pool of mutexes keyed by string. Two keys may share
// a shard; memory stays bounded however many keys are seen.
type ShardedMutex struct {
	shards [mutexShards]sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[ShardIndex(key, mutexShards)]
	mu.Lock()
	return mu.Unlock
}

// ShardIndex maps key onto one of n shards using FNV-1a. n must be positive.
func ShardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
