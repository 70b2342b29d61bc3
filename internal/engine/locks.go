package engine

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// stripedMutex serializes work per memory id with a fixed number of mutexes.
// Two ids may share a stripe; that only costs parallelism.
type stripedMutex struct {
	stripes [lockStripes]sync.Mutex
}

func (s *stripedMutex) index(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % lockStripes)
}

// lock acquires the stripe for key and returns its unlock func.
func (s *stripedMutex) lock(key string) func() {
	m := &s.stripes[s.index(key)]
	m.Lock()
	return m.Unlock
}

// lockPair acquires the stripes for two keys in index order, so concurrent
// pairs never deadlock.
func (s *stripedMutex) lockPair(a, b string) func() {
	i, j := s.index(a), s.index(b)
	if i == j {
		return s.lock(a)
	}
	if i > j {
		i, j = j, i
	}
	s.stripes[i].Lock()
	s.stripes[j].Lock()
	return func() {
		s.stripes[j].Unlock()
		s.stripes[i].Unlock()
	}
}
