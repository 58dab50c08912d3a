package admission

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type window struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryStore is a process-local Store. Keys are spread over shards, each
// guarded by its own mutex, so increments on one key never lose updates.
type MemoryStore struct {
	shards [shardCount]*shard
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, key string, d time.Duration, now time.Time) (int, time.Time, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(d)}
		sh.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	purged := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, w := range sh.windows {
			if now.After(w.resetAt) {
				delete(sh.windows, key)
				purged++
			}
		}
		sh.mu.Unlock()
	}
	return purged, nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}
