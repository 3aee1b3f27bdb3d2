package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func limiterWithClock(t *testing.T, limit int) (*RPMLimiter, *time.Time, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewRPMLimiter(rdb, limit)
	l.now = func() time.Time { return now }
	return l, &now, mr
}

func TestRPMLimiter_PerConversation(t *testing.T) {
	l, _, _ := limiterWithClock(t, 2)
	ctx := context.Background()

	steps := []struct {
		key  string
		want bool
	}{
		{"conv-a", true},
		{"conv-a", true},
		{"conv-a", false},
		{"conv-b", true},
		{"", true},
		{"", true},
		{"", false},
	}
	for i, s := range steps {
		got, err := l.Allow(ctx, s.key)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != s.want {
			t.Errorf("step %d (%q): allowed = %v, want %v", i, s.key, got, s.want)
		}
	}
	if l.Limit() != 2 {
		t.Errorf("Limit() = %d", l.Limit())
	}
}

func TestRPMLimiter_WindowSlides(t *testing.T) {
	l, now, _ := limiterWithClock(t, 1)
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, "conv"); !ok {
		t.Fatal("first request must pass")
	}
	*now = now.Add(30 * time.Second)
	if ok, _ := l.Allow(ctx, "conv"); ok {
		t.Fatal("second request inside the window must be rejected")
	}
	*now = now.Add(31 * time.Second)
	if ok, _ := l.Allow(ctx, "conv"); !ok {
		t.Error("request after the window must pass")
	}
}

func TestRPMLimiter_KeyExpires(t *testing.T) {
	l, _, mr := limiterWithClock(t, 5)

	if _, err := l.Allow(context.Background(), "conv"); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL(keyPrefix + "conv"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v, want (0, 1m]", ttl)
	}
}

func TestRPMLimiter_FailsOpen(t *testing.T) {
	l, _, mr := limiterWithClock(t, 5)
	mr.Close()

	allowed, err := l.Allow(context.Background(), "conv")
	if err == nil {
		t.Fatal("expected the redis error to be reported")
	}
	if !allowed {
		t.Error("requests must pass while redis is unreachable")
	}
}
