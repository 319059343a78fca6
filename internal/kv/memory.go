package kv

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"
)

const numShards = 64

type memItem struct {
	value     []byte
	counter   int64
	isCounter bool
	list      [][]byte
	expiresAt time.Time // zero = no expiry
}

func (it *memItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

type memShard struct {
	mu    sync.Mutex
	items map[string]*memItem
}

// MemoryStore is an in-process Store implementation backed by a sharded map
// with per-key expiry. Used for single-node deployments and tests.
type MemoryStore struct {
	shards [numShards]memShard
	stop   chan struct{}
	once   sync.Once
}

// NewMemoryStore creates a MemoryStore and starts its expiry janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{stop: make(chan struct{})}
	for i := range s.shards {
		s.shards[i].items = make(map[string]*memItem)
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) shard(key string) *memShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%numShards]
}

// janitor sweeps expired entries periodically. Correctness does not depend
// on it: reads treat expired entries as missing.
func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			for i := range s.shards {
				sh := &s.shards[i]
				sh.mu.Lock()
				for k, it := range sh.items {
					if it.expired(now) {
						delete(sh.items, k)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	it, ok := sh.items[key]
	if !ok || it.expired(time.Now()) {
		delete(sh.items, key)
		return nil, false, nil
	}
	if it.isCounter {
		return []byte(strconv.FormatInt(it.counter, 10)), true, nil
	}
	v := make([]byte, len(it.value))
	copy(v, it.value)
	return v, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)
	it := &memItem{value: v}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}

	sh := s.shard(key)
	sh.mu.Lock()
	sh.items[key] = it
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if it, ok := sh.items[key]; ok && !it.expired(time.Now()) {
		return false, nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	it := &memItem{value: v}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}
	sh.items[key] = it
	return true, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	it, ok := sh.items[key]
	if !ok || it.expired(time.Now()) {
		it = &memItem{isCounter: true}
		if ttl > 0 {
			it.expiresAt = time.Now().Add(ttl)
		}
		sh.items[key] = it
	}
	it.counter++
	return it.counter, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.items, key)
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	now := time.Now()
	count := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, it := range sh.items {
			if strings.HasPrefix(k, prefix) {
				if !it.expired(now) {
					count++
				}
				delete(sh.items, k)
			}
		}
		sh.mu.Unlock()
	}
	return count, nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()
	var keys []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, it := range sh.items {
			if strings.HasPrefix(k, prefix) && !it.expired(now) {
				keys = append(keys, k)
			}
		}
		sh.mu.Unlock()
	}
	return keys, nil
}

func (s *MemoryStore) PushCap(_ context.Context, key string, value []byte, maxLen int64, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)

	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	it, ok := sh.items[key]
	if !ok || it.expired(time.Now()) {
		it = &memItem{}
		sh.items[key] = it
	}
	it.list = append([][]byte{v}, it.list...)
	if maxLen > 0 && int64(len(it.list)) > maxLen {
		it.list = it.list[:maxLen]
	}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) ListRange(_ context.Context, key string, n int64) ([][]byte, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	it, ok := sh.items[key]
	if !ok || it.expired(time.Now()) {
		return nil, nil
	}
	if n <= 0 || n > int64(len(it.list)) {
		n = int64(len(it.list))
	}
	out := make([][]byte, n)
	for i := int64(0); i < n; i++ {
		v := make([]byte, len(it.list[i]))
		copy(v, it.list[i])
		out[i] = v
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
