package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = time.Second
	maxTxAttempts       = 5
)

// RedisStore keeps each job as one JSON value. Updates run inside a
// WATCH/MULTI transaction on the job key and are retried when another
// writer got there first.
type RedisStore struct {
	client       *redis.Client
	retention    time.Duration
	queryTimeout time.Duration
}

// NewRedisStore wraps an existing client. retention <= 0 uses
// DefaultRetention.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, retention: retention, queryTimeout: defaultQueryTimeout}
}

func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("tts: marshal job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, jobKey(job.ID), data, s.retention).Result()
	if err != nil {
		return fmt.Errorf("%w: SETNX %s: %w", ErrUnavailable, jobKey(job.ID), err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	return s.load(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, id string) (*Job, error) {
	key := jobKey(id)
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrUnavailable, key, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("tts: decode %s: %w", key, err)
	}
	return &job, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	key := jobKey(id)
	var (
		out   *Job
		fnErr error
	)
	txf := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		next := cloneJob(cur)
		if err := fn(next); err != nil {
			out, fnErr = cur, err
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("tts: marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for range maxTxAttempts {
		out, fnErr = nil, nil
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case fnErr != nil:
			if errors.Is(fnErr, errNoChange) {
				return out, nil
			}
			return out, fnErr
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnavailable):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: update %s: %w", ErrUnavailable, key, err)
		}
	}
	return nil, ErrConflictRetry
}
