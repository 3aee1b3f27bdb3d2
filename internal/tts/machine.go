package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxChunkBytes bounds a single synthesis call.
const DefaultMaxChunkBytes = 4000

// Machine drives jobs through their states. It holds no job state of its
// own; every transition is a read-modify-write through Store.Update.
type Machine struct {
	store         Store
	maxChunkBytes int
	now           func() time.Time
	newID         func() string
}

type MachineOption func(*Machine)

func WithMaxChunkBytes(n int) MachineOption {
	return func(m *Machine) {
		if n > 0 {
			m.maxChunkBytes = n
		}
	}
}

func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

func WithIDGenerator(fn func() string) MachineOption {
	return func(m *Machine) { m.newID = fn }
}

func NewMachine(store Store, opts ...MachineOption) *Machine {
	m := &Machine{
		store:         store,
		maxChunkBytes: DefaultMaxChunkBytes,
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// MaxChunkBytes reports the configured chunk limit.
func (m *Machine) MaxChunkBytes() int { return m.maxChunkBytes }

// InitRequest describes a new job. ID may be empty, in which case one is
// generated.
type InitRequest struct {
	ID          string
	Text        string
	Voice       string
	SecondVoice string
	Model       string
	Splitting   Splitting
}

// Dispatch is the result of DispatchNext. Done is set once every chunk has
// been handed out.
type Dispatch struct {
	Index    int    `json:"index"`
	Sentence string `json:"sentence,omitempty"`
	Done     bool   `json:"done"`
}

// Split cuts text into chunks following pref and rejects any chunk above
// maxBytes.
func Split(text string, pref Splitting, maxBytes int) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	var chunks []string
	switch pref {
	case SplitSentence, "":
		chunks = Rebatch(SplitIntoSentences(text), maxBytes)
	case SplitCharacterCount:
		chunks = SplitByLength(text, maxBytes)
	case SplitNone:
		chunks = []string{text}
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadSplitting, pref)
	}

	for i, c := range chunks {
		if maxBytes > 0 && len(c) > maxBytes {
			return nil, fmt.Errorf("%w: chunk %d is %d bytes, limit %d", ErrChunkTooLarge, i, len(c), maxBytes)
		}
	}
	return chunks, nil
}

// Initialize splits the text and stores a new job with every chunk pending.
// Repeating the call for an existing id with identical input returns the
// stored job unchanged; different input fails with ErrInputMismatch.
func (m *Machine) Initialize(ctx context.Context, req InitRequest) (*Job, error) {
	if req.Splitting == "" {
		req.Splitting = SplitSentence
	}
	chunks, err := Split(req.Text, req.Splitting, m.maxChunkBytes)
	if err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = m.newID()
	}
	now := m.now().UTC()
	job := &Job{
		ID:          id,
		Text:        req.Text,
		Voice:       req.Voice,
		SecondVoice: req.SecondVoice,
		Model:       req.Model,
		Splitting:   req.Splitting,
		Sentences:   chunks,
		Chunks:      make([]AudioChunk, len(chunks)),
		Status:      StatusInitialized,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i := range job.Chunks {
		job.Chunks[i].Status = ChunkPending
	}

	err = m.store.Create(ctx, job)
	if errors.Is(err, ErrExists) {
		existing, gerr := m.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if !existing.sameInput(job) {
			return nil, ErrInputMismatch
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// DispatchNext hands out the chunk at the cursor and advances it. The first
// call moves the job to processing. Once the cursor reaches the end, or the
// job is terminal, it reports Done without error.
func (m *Machine) DispatchNext(ctx context.Context, id string) (Dispatch, error) {
	var d Dispatch
	_, err := m.store.Update(ctx, id, func(j *Job) error {
		d = Dispatch{}
		if j.Status.Terminal() {
			d = Dispatch{Index: j.DispatchIndex, Done: true}
			return errNoChange
		}

		changed := false
		if j.Status == StatusInitialized {
			j.Status = StatusProcessing
			changed = true
		}
		if j.DispatchIndex >= len(j.Sentences) {
			d = Dispatch{Index: j.DispatchIndex, Done: true}
		} else {
			d = Dispatch{Index: j.DispatchIndex, Sentence: j.Sentences[j.DispatchIndex]}
			j.DispatchIndex++
			changed = true
		}
		if !changed {
			return errNoChange
		}
		j.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		return Dispatch{}, err
	}
	return d, nil
}

// MarkProcessed records a synthesized chunk.
func (m *Machine) MarkProcessed(ctx context.Context, id string, index int, storageKey, mimeType string) (*Job, error) {
	return m.mark(ctx, id, index, AudioChunk{Status: ChunkCompleted, StorageKey: storageKey, MIMEType: mimeType})
}

// MarkFailed records a chunk whose synthesis gave up.
func (m *Machine) MarkFailed(ctx context.Context, id string, index int, reason string) (*Job, error) {
	return m.mark(ctx, id, index, AudioChunk{Status: ChunkFailed, Error: reason})
}

// mark settles one chunk. A chunk that already reached a terminal status is
// never rewritten, so repeated callbacks are no-ops even after the job
// itself became terminal.
func (m *Machine) mark(ctx context.Context, id string, index int, chunk AudioChunk) (*Job, error) {
	return m.store.Update(ctx, id, func(j *Job) error {
		if index < 0 || index >= len(j.Chunks) {
			return fmt.Errorf("%w: %d of %d", ErrIndexRange, index, len(j.Chunks))
		}
		if j.Chunks[index].Status != ChunkPending {
			return errNoChange
		}
		if j.Status != StatusProcessing {
			return fmt.Errorf("%w: job is %s", ErrInvalidState, j.Status)
		}

		j.Chunks[index] = chunk
		j.ProcessedCount++
		if j.ProcessedCount == len(j.Chunks) {
			j.Status = aggregate(j.Chunks)
		}
		j.UpdatedAt = m.now().UTC()
		return nil
	})
}

func aggregate(chunks []AudioChunk) Status {
	for _, c := range chunks {
		if c.Status == ChunkFailed {
			return StatusCompletedWithErrors
		}
	}
	return StatusCompleted
}

func (m *Machine) Get(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

// Result returns the job once it is terminal. Before that it returns the
// current job together with ErrNotReady.
func (m *Machine) Result(ctx context.Context, id string) (*Job, error) {
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !j.Status.Terminal() {
		return j, ErrNotReady
	}
	return j, nil
}

// Chunk returns the state of one chunk.
func (m *Machine) Chunk(ctx context.Context, id string, index int) (AudioChunk, error) {
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return AudioChunk{}, err
	}
	if index < 0 || index >= len(j.Chunks) {
		return AudioChunk{}, fmt.Errorf("%w: %d of %d", ErrIndexRange, index, len(j.Chunks))
	}
	return j.Chunks[index], nil
}

// UpdateStatus is the administrative override. Only processing (from
// initialized) and failed (from any non-terminal state) can be forced; the
// completed states are reached through chunk aggregation alone. Forcing the
// status a job already has is a no-op.
func (m *Machine) UpdateStatus(ctx context.Context, id string, status Status, reason string) (*Job, error) {
	return m.store.Update(ctx, id, func(j *Job) error {
		if j.Status == status {
			return errNoChange
		}
		switch {
		case status == StatusFailed && !j.Status.Terminal():
			j.Error = reason
		case status == StatusProcessing && j.Status == StatusInitialized:
		default:
			return fmt.Errorf("%w: cannot move %s to %s", ErrInvalidState, j.Status, status)
		}
		j.Status = status
		j.UpdatedAt = m.now().UTC()
		return nil
	})
}
