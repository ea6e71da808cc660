package store

import (
	"sync"
	"sync/atomic"
)

// shardMap wraps sync.Map with an atomic size counter (sync.Map itself has
// no Len) and a generic-typed load/store surface.
type shardMap[V any] struct {
	m    sync.Map
	size int64
}

func (s *shardMap[V]) init() {}

func (s *shardMap[V]) loadOrStore(key uint64, value V) (prev V, existed bool) {
	actual, loaded := s.m.LoadOrStore(key, value)
	if loaded {
		return actual.(V), true
	}
	atomic.AddInt64(&s.size, 1)
	var zero V
	return zero, false
}

func (s *shardMap[V]) load(key uint64) (V, bool) {
	v, ok := s.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (s *shardMap[V]) len() int {
	return int(atomic.LoadInt64(&s.size))
}

// rangeFn visits every entry currently in the shard; it returns false if fn
// asked to stop early.
func (s *shardMap[V]) rangeFn(fn func(key uint64, value V) bool) bool {
	cont := true
	s.m.Range(func(k, v any) bool {
		if !fn(k.(uint64), v.(V)) {
			cont = false
			return false
		}
		return true
	})
	return cont
}
