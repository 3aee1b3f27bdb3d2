// Package audiostore holds synthesized audio blobs for TTS jobs.
//
// Two backends are available:
//   - RedisStore  shares blobs between replicas.
//   - MemoryStore keeps them in process, for single-instance deployments
//     and tests.
package audiostore

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// DefaultTTL matches the job retention window.
const DefaultTTL = 24 * time.Hour

var ErrNotFound = errors.New("audiostore: blob not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ChunkKey is the storage key of one synthesized chunk.
func ChunkKey(jobID string, index int) string {
	return "tts:" + jobID + ":chunk:" + strconv.Itoa(index)
}
