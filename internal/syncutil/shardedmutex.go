// Package syncutil provides small synchronization helpers.
package syncutil

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
)

// ShardedMutex provides a fixed-size pool of mutexes keyed by user ID.
// Memory stays bounded no matter how many users are seen, at the cost of
// occasional false sharing between IDs that hash to the same shard.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given user ID and returns an unlock
// function.
func (s *ShardedMutex) Lock(userID int64) func() {
	mu := s.shard(userID)
	mu.Lock()
	return mu.Unlock
}

// LockPair acquires the mutexes for two user IDs in shard order and returns
// a single unlock function. Shard-ordered acquisition prevents deadlock
// between concurrent opposite-direction pairs, and a shared shard is locked
// only once.
func (s *ShardedMutex) LockPair(a, b int64) func() {
	ia, ib := s.index(a), s.index(b)
	if ia == ib {
		s.shards[ia].Lock()
		return s.shards[ia].Unlock
	}
	if ia > ib {
		ia, ib = ib, ia
	}
	s.shards[ia].Lock()
	s.shards[ib].Lock()
	return func() {
		s.shards[ib].Unlock()
		s.shards[ia].Unlock()
	}
}

func (s *ShardedMutex) shard(userID int64) *sync.Mutex {
	return &s.shards[s.index(userID)]
}

func (s *ShardedMutex) index(userID int64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(userID))
	h := fnv.New32a()
	_, _ = h.Write(b[:])
	return h.Sum32() % 256
}
