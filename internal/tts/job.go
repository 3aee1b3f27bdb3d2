// Package tts splits long text into chunks and tracks their asynchronous
// synthesis as a durable job, so that no single request has to outlive the
// platform's request-duration limit.
package tts

import (
	"errors"
	"time"
)

// Status is the overall state of a job.
type Status string

const (
	StatusInitialized         Status = "initialized"
	StatusProcessing          Status = "processing"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
)

// Terminal reports whether no further chunk work will happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompletedWithErrors || s == StatusFailed
}

// ChunkStatus is the state of one chunk.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// Splitting selects how input text is cut into chunks.
type Splitting string

const (
	SplitSentence       Splitting = "sentence"
	SplitCharacterCount Splitting = "characterCount"
	SplitNone           Splitting = "none"
)

var (
	ErrNotFound      = errors.New("tts: job not found")
	ErrExists        = errors.New("tts: job already exists")
	ErrInvalidState  = errors.New("tts: invalid job state")
	ErrChunkTooLarge = errors.New("tts: chunk exceeds size limit")
	ErrIndexRange    = errors.New("tts: chunk index out of range")
	ErrEmptyText     = errors.New("tts: text is empty")
	ErrInputMismatch = errors.New("tts: job exists with different input")
	ErrNotReady      = errors.New("tts: job still processing")
	ErrUnavailable   = errors.New("tts: job storage unavailable")
	ErrBadSplitting  = errors.New("tts: unknown splitting preference")
	ErrConflictRetry = errors.New("tts: concurrent update, retry")
	errNoChange      = errors.New("tts: no change")
)

// AudioChunk records the synthesis result of one chunk.
type AudioChunk struct {
	Status     ChunkStatus `json:"status"`
	StorageKey string      `json:"storageKey,omitempty"`
	MIMEType   string      `json:"mimeType,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Job is the durable record of one long synthesis.
type Job struct {
	ID             string       `json:"jobId"`
	Text           string       `json:"originalText"`
	Voice          string       `json:"voiceId"`
	SecondVoice    string       `json:"secondVoiceId,omitempty"`
	Model          string       `json:"model"`
	Splitting      Splitting    `json:"splittingPreference"`
	Sentences      []string     `json:"sentences"`
	Chunks         []AudioChunk `json:"processedAudioChunks"`
	DispatchIndex  int          `json:"currentDispatchIndex"`
	ProcessedCount int          `json:"processedCount"`
	Status         Status       `json:"status"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Summary is the job without its bulk text fields.
type Summary struct {
	ID             string       `json:"jobId"`
	Status         Status       `json:"status"`
	Voice          string       `json:"voiceId"`
	Model          string       `json:"model"`
	Splitting      Splitting    `json:"splittingPreference"`
	TotalChunks    int          `json:"totalChunks"`
	DispatchIndex  int          `json:"currentDispatchIndex"`
	ProcessedCount int          `json:"processedCount"`
	FailedCount    int          `json:"failedCount"`
	Chunks         []AudioChunk `json:"processedAudioChunks"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

func (j *Job) Summary() Summary {
	s := Summary{
		ID:             j.ID,
		Status:         j.Status,
		Voice:          j.Voice,
		Model:          j.Model,
		Splitting:      j.Splitting,
		TotalChunks:    len(j.Sentences),
		DispatchIndex:  j.DispatchIndex,
		ProcessedCount: j.ProcessedCount,
		Chunks:         append([]AudioChunk(nil), j.Chunks...),
		Error:          j.Error,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
	for _, c := range j.Chunks {
		if c.Status == ChunkFailed {
			s.FailedCount++
		}
	}
	return s
}

// sameInput reports whether two jobs were initialized from the same request.
func (j *Job) sameInput(o *Job) bool {
	return j.Text == o.Text && j.Voice == o.Voice && j.SecondVoice == o.SecondVoice &&
		j.Model == o.Model && j.Splitting == o.Splitting
}
