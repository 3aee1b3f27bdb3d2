// Package ratelimit caps requests per minute for each conversation using a
// Redis sorted-set sliding window, so every bridge replica shares one count.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const keyPrefix = "bridge:ratelimit:"

// RPMLimiter checks a requests-per-minute limit per conversation.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	window   time.Duration
	now      func() time.Time
}

// NewRPMLimiter returns a limiter allowing rpmLimit requests per conversation
// per minute. A limit of zero or less rejects everything.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, window: time.Minute, now: time.Now}
}

// Limit returns the configured requests per minute.
func (r *RPMLimiter) Limit() int { return r.rpmLimit }

// Allow reports whether one more request for the conversation fits in the
// window. Requests without a conversation id share one bucket.
//
// When Redis is unreachable the request is allowed and the error returned,
// so callers can count the degradation without failing the request.
func (r *RPMLimiter) Allow(ctx context.Context, conversation string) (bool, error) {
	if conversation == "" {
		conversation = "anonymous"
	}
	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + conversation},
		r.now().UnixNano(), r.window.Nanoseconds(), r.rpmLimit,
	).Int()
	if err != nil {
		return true, fmt.Errorf("ratelimit: %w", err)
	}
	return result == 1, nil
}
