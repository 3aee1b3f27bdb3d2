package audiostore

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store with per-entry TTL.
//
// A background goroutine evicts expired blobs every minute; audio is large,
// so waiting for lazy expiry alone would hold memory for too long.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem
	bytes int

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// NewMemoryStore starts the cleanup loop, which stops when ctx is cancelled
// or Close is called.
func NewMemoryStore(ctx context.Context) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]memItem),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go s.cleanup(ctx)
	return s
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	buf := append([]byte(nil), data...)

	s.mu.Lock()
	if old, ok := s.items[key]; ok {
		s.bytes -= len(old.data)
	}
	s.items[key] = memItem{data: buf, expiresAt: s.now().Add(ttl)}
	s.bytes += len(buf)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(item.expiresAt) {
		_ = s.Delete(context.Background(), key)
		return nil, ErrNotFound
	}
	return item.data, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	if old, ok := s.items[key]; ok {
		s.bytes -= len(old.data)
		delete(s.items, key)
	}
	s.mu.Unlock()
	return nil
}

// Size returns the number of blobs and their total byte size, including
// expired blobs not yet evicted.
func (s *MemoryStore) Size() (n, bytes int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), s.bytes
}

func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
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
			s.bytes -= len(v.data)
			delete(s.items, k)
		}
	}
	s.mu.Unlock()
}
