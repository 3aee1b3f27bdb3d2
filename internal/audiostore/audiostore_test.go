package audiostore

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cli, err := Dial(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	return NewRedisStore(cli), mr
}

func TestChunkKey(t *testing.T) {
	if got := ChunkKey("job-1", 3); got != "tts:job-1:chunk:3" {
		t.Fatalf("ChunkKey = %q", got)
	}
}

func TestDial_BadURL(t *testing.T) {
	if _, err := Dial(context.Background(), "not a url"); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestRedisStore_RoundTrip(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	key := ChunkKey("job", 0)
	pcm := []byte{0x00, 0x01, 0xfe, 0xff}

	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get before Put: expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, key, pcm, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil || !bytes.Equal(got, pcm) {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Fatalf("TTL = %v", ttl)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Delete: expected ErrNotFound, got %v", err)
	}
}

func TestRedisStore_DefaultTTL(t *testing.T) {
	s, mr := newTestRedisStore(t)
	key := ChunkKey("job", 1)

	if err := s.Put(context.Background(), key, []byte("x"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ttl := mr.TTL(key); ttl != DefaultTTL {
		t.Fatalf("TTL = %v, want %v", ttl, DefaultTTL)
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newTestRedisStore(t)
	mr.Close()

	if _, err := s.Get(context.Background(), "k"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewMemoryStore(ctx)
	defer s.Close()

	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	data := []byte("pcm-bytes")
	if err := s.Put(ctx, "a", data, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data[0] = 'X'

	got, err := s.Get(ctx, "a")
	if err != nil || string(got) != "pcm-bytes" {
		t.Fatalf("Get = %q, %v (stored blob must not alias caller's slice)", got, err)
	}

	_ = s.Put(ctx, "a", []byte("ab"), time.Minute)
	if n, size := s.Size(); n != 1 || size != 2 {
		t.Fatalf("Size = %d, %d", n, size)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	if n, size := s.Size(); n != 0 || size != 0 {
		t.Fatalf("Size after expiry = %d, %d", n, size)
	}
}

func TestMemoryStore_EvictExpired(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewMemoryStore(ctx)
	defer s.Close()

	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	_ = s.Put(ctx, "short", []byte("1"), time.Second)
	_ = s.Put(ctx, "long", []byte("22"), time.Hour)

	now = now.Add(time.Minute)
	s.evictExpired()

	if n, size := s.Size(); n != 1 || size != 2 {
		t.Fatalf("Size = %d, %d, want 1, 2", n, size)
	}
}
