package tts

import (
	"context"
	"time"
)

// DefaultRetention is how long a job record lives after creation.
const DefaultRetention = 24 * time.Hour

// Store persists job records. Update must serialize concurrent callers for
// the same id; different ids are independent.
//
// Every backend failure is wrapped in ErrUnavailable so callers can answer
// with a retryable status.
type Store interface {
	// Create stores a new job. It returns ErrExists if the id is taken.
	Create(ctx context.Context, job *Job) error
	// Get returns a copy of the job or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// Update applies fn to the current record and writes the result. If fn
	// returns an error nothing is written and the error is returned along
	// with the unmodified job.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
}

func jobKey(id string) string {
	return "tts:job:" + id
}

func cloneJob(j *Job) *Job {
	c := *j
	c.Sentences = append([]string(nil), j.Sentences...)
	c.Chunks = append([]AudioChunk(nil), j.Chunks...)
	return &c
}
