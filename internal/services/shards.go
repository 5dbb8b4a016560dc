package services

import (
	"hash/fnv"
	"sync"
)

const defaultShardCount = 64

// shardedMap stripes keys over independently locked shards so operations on
// the same key are serialized while unrelated keys proceed in parallel.
type shardedMap[V any] struct {
	shards []*mapShard[V]
}

type mapShard[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

func newShardedMap[V any](count int) *shardedMap[V] {
	if count <= 0 {
		count = defaultShardCount
	}
	m := &shardedMap[V]{shards: make([]*mapShard[V], count)}
	for i := range m.shards {
		m.shards[i] = &mapShard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *shardedMap[V]) shardFor(key string) *mapShard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// with runs fn while holding the lock of key's shard
func (m *shardedMap[V]) with(key string, fn func(items map[string]V)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.items)
}

// each visits shards one at a time. Only one shard lock is held at any moment.
func (m *shardedMap[V]) each(fn func(items map[string]V)) {
	for _, s := range m.shards {
		func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			fn(s.items)
		}()
	}
}
