package toolcall

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	rec       Record
	expiresAt time.Time
}

// MemoryStore is an in-process Store with per-entry TTL. A background
// goroutine evicts expired entries until ctx is cancelled or Close is called.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

func NewMemoryStore(ctx context.Context) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]memItem),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go s.cleanup(ctx)
	return s
}

func (s *MemoryStore) Put(_ context.Context, conversation string, rec Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	s.items[storeKey(conversation, rec.ToolUseID)] = memItem{rec: rec, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, conversation, toolUseID string) (Record, error) {
	key := storeKey(conversation, toolUseID)

	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return Record{}, ErrNotFound
	}
	if s.now().After(item.expiresAt) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return Record{}, ErrNotFound
	}
	return item.rec, nil
}

// Len returns the number of entries held, including expired ones not yet
// evicted.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := s.now()
	s.mu.Lock()
	for k, v := range s.items {
		if now.After(v.expiresAt) {
			delete(s.items, k)
		}
	}
	s.mu.Unlock()
}
