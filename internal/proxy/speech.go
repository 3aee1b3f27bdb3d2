package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/gemini-bridge/internal/audio"
	"github.com/nulpointcorp/gemini-bridge/internal/audiostore"
	"github.com/nulpointcorp/gemini-bridge/internal/providers"
	"github.com/nulpointcorp/gemini-bridge/internal/transform"
	"github.com/nulpointcorp/gemini-bridge/internal/tts"
	"github.com/nulpointcorp/gemini-bridge/pkg/apierr"
)

// Speech defaults.
const (
	DefaultSpeechModel   = "gemini-2.5-flash-preview-tts"
	DefaultSpeechVoice   = "Kore"
	DefaultSyncThreshold = 3000
)

// SpeechOptions wires speech synthesis into the Gateway.
type SpeechOptions struct {
	Synth   providers.SpeechSynthesizer
	Machine *tts.Machine
	Runner  *tts.Runner
	Audio   audiostore.Store

	Model string
	Voice string
	// SyncThreshold is the text length in characters above which POST
	// /v1/tts answers 202 and synthesizes in the background.
	SyncThreshold int
	Timeouts      tts.TimeoutPolicy
	// AudioTTL bounds chunk audio uploaded with sentence-processed.
	AudioTTL time.Duration
}

func (o SpeechOptions) withDefaults() SpeechOptions {
	if o.Model == "" {
		o.Model = DefaultSpeechModel
	}
	if o.Voice == "" {
		o.Voice = DefaultSpeechVoice
	}
	if o.SyncThreshold <= 0 {
		o.SyncThreshold = DefaultSyncThreshold
	}
	if o.Timeouts == (tts.TimeoutPolicy{}) {
		o.Timeouts = tts.DefaultTimeoutPolicy()
	}
	if o.AudioTTL <= 0 {
		o.AudioTTL = 24 * time.Hour
	}
	return o
}

// jobsEnabled reports whether the job surface is wired.
func (o SpeechOptions) jobsEnabled() bool {
	return o.Machine != nil
}

type speechRequest struct {
	Text            string `json:"text"`
	Model           string `json:"model"`
	VoiceName       string `json:"voiceName"`
	SecondVoiceName string `json:"secondVoiceName,omitempty"`
}

type initializeRequest struct {
	Text          string        `json:"text"`
	VoiceID       string        `json:"voiceId"`
	SecondVoiceID string        `json:"secondVoiceId,omitempty"`
	Model         string        `json:"model"`
	Splitting     tts.Splitting `json:"splittingPreference"`
}

type processedRequest struct {
	Index      *int   `json:"index"`
	StorageKey string `json:"storageKey"`
	MIMEType   string `json:"mimeType"`
	// AudioContent is optional base64 PCM; when set the bridge stores it
	// and records its own storage key.
	AudioContent string `json:"audioContent,omitempty"`
	// Error marks the chunk failed instead.
	Error string `json:"error,omitempty"`
}

type statusRequest struct {
	Status tts.Status `json:"status"`
	Error  string     `json:"error,omitempty"`
}

type jobAccepted struct {
	JobID       string     `json:"jobId"`
	Status      tts.Status `json:"status"`
	TotalChunks int        `json:"totalChunks"`
}

type chunkMetadata struct {
	Index      int             `json:"index"`
	Status     tts.ChunkStatus `json:"status"`
	StorageKey string          `json:"storageKey,omitempty"`
	MIMEType   string          `json:"mimeType,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// handleSpeech serves POST /v1/tts. Short text is synthesized inline and
// returned as WAV; long text becomes a background job.
func (g *Gateway) handleSpeech(ctx *fasthttp.RequestCtx) {
	const route = "tts"
	style := apierr.Anthropic
	done := g.begin(route)
	defer func() { done(ctx.Response.StatusCode()) }()

	if g.speech.Synth == nil {
		style.Write(ctx, fasthttp.StatusNotFound, apierr.TypeNotFound, "speech synthesis is not configured")
		return
	}

	var in speechRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		style.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" {
		style.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "text: must not be empty")
		return
	}
	if in.Model == "" {
		in.Model = g.speech.Model
	}
	if in.VoiceName == "" {
		in.VoiceName = g.speech.Voice
	}

	n := utf8.RuneCountInString(in.Text)
	if n > g.speech.SyncThreshold && g.speech.jobsEnabled() && g.speech.Runner != nil {
		job, err := g.speech.Machine.Initialize(ctx, tts.InitRequest{
			Text:        in.Text,
			Voice:       in.VoiceName,
			SecondVoice: in.SecondVoiceName,
			Model:       in.Model,
		})
		if err != nil {
			g.writeJobError(ctx, err)
			return
		}
		g.speech.Runner.Start(job.ID)
		g.log.InfoContext(ctx, "tts_job_started",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("job_id", job.ID),
			slog.Int("chunks", len(job.Sentences)),
		)
		writeJSONStatus(ctx, fasthttp.StatusAccepted, jobAccepted{
			JobID:       job.ID,
			Status:      job.Status,
			TotalChunks: len(job.Sentences),
		})
		return
	}

	synthCtx, cancel := context.WithTimeout(ctx, g.speech.Timeouts.For(n))
	defer cancel()
	sp, err := g.speech.Synth.Synthesize(synthCtx, &providers.SpeechRequest{
		Text:        in.Text,
		Model:       in.Model,
		Voice:       in.VoiceName,
		SecondVoice: in.SecondVoiceName,
	})
	if err != nil {
		g.log.WarnContext(ctx, "tts_sync_failed",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("error", err.Error()),
		)
		style.WriteInfo(ctx, transform.ClassifyError(err))
		return
	}

	f := audio.FormatFromMIME(sp.MIMEType)
	if sp.SampleRate > 0 {
		f.SampleRate = sp.SampleRate
	}
	ctx.SetContentType("audio/wav")
	ctx.SetBody(audio.WrapPCM(sp.PCM, f))
}

// --- job surface -------------------------------------------------------------

// jobRoute wraps a job handler with metrics and the not-configured check.
func (g *Gateway) jobRoute(route string, h func(ctx *fasthttp.RequestCtx, id string)) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		done := g.begin(route)
		defer func() { done(ctx.Response.StatusCode()) }()

		if !g.speech.jobsEnabled() {
			apierr.Anthropic.Write(ctx, fasthttp.StatusNotFound, apierr.TypeNotFound, "speech jobs are not configured")
			return
		}
		id, _ := ctx.UserValue("id").(string)
		h(ctx, id)
	}
}

func (g *Gateway) handleJobInitialize(ctx *fasthttp.RequestCtx, id string) {
	var in initializeRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Anthropic.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}
	if in.Model == "" {
		in.Model = g.speech.Model
	}
	if in.VoiceID == "" {
		in.VoiceID = g.speech.Voice
	}

	job, err := g.speech.Machine.Initialize(ctx, tts.InitRequest{
		ID:          id,
		Text:        in.Text,
		Voice:       in.VoiceID,
		SecondVoice: in.SecondVoiceID,
		Model:       in.Model,
		Splitting:   in.Splitting,
	})
	if err != nil {
		g.writeJobError(ctx, err)
		return
	}
	writeJSON(ctx, jobAccepted{JobID: job.ID, Status: job.Status, TotalChunks: len(job.Sentences)})
}

func (g *Gateway) handleJobNext(ctx *fasthttp.RequestCtx, id string) {
	d, err := g.speech.Machine.DispatchNext(ctx, id)
	if err != nil {
		g.writeJobError(ctx, err)
		return
	}
	if d.Done {
		writeJSON(ctx, map[string]bool{"done": true})
		return
	}
	writeJSON(ctx, d)
}

func (g *Gateway) handleJobProcessed(ctx *fasthttp.RequestCtx, id string) {
	var in processedRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Anthropic.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}
	if in.Index == nil {
		apierr.Anthropic.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "index: is required")
		return
	}
	index := *in.Index

	var (
		job *tts.Job
		err error
	)
	switch {
	case in.Error != "":
		job, err = g.speech.Machine.MarkFailed(ctx, id, index, in.Error)
	case in.AudioContent != "":
		key, serr := g.storeChunkAudio(ctx, id, index, in.AudioContent)
		if serr != nil {
			apierr.Anthropic.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "audioContent: "+serr.Error())
			return
		}
		job, err = g.speech.Machine.MarkProcessed(ctx, id, index, key, in.MIMEType)
	case in.StorageKey != "":
		job, err = g.speech.Machine.MarkProcessed(ctx, id, index, in.StorageKey, in.MIMEType)
	default:
		apierr.Anthropic.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "storageKey: is required")
		return
	}
	if err != nil {
		g.writeJobError(ctx, err)
		return
	}
	writeJSON(ctx, job.Summary())
}

// storeChunkAudio saves uploaded PCM under the chunk's canonical key.
func (g *Gateway) storeChunkAudio(ctx context.Context, id string, index int, b64 string) (string, error) {
	if g.speech.Audio == nil {
		return "", errors.New("audio storage is not configured")
	}
	pcm, err := audio.DecodePCM(b64)
	if err != nil {
		return "", err
	}
	key := audiostore.ChunkKey(id, index)
	if err := g.speech.Audio.Put(ctx, key, pcm, g.speech.AudioTTL); err != nil {
		return "", err
	}
	return key, nil
}

func (g *Gateway) handleJobState(ctx *fasthttp.RequestCtx, id string) {
	job, err := g.speech.Machine.Get(ctx, id)
	if err != nil {
		g.writeJobError(ctx, err)
		return
	}
	writeJSON(ctx, job.Summary())
}

func (g *Gateway) handleChunkMetadata(ctx *fasthttp.RequestCtx, id string) {
	index, ok := chunkIndex(ctx)
	if !ok {
		return
	}
	c, err := g.speech.Machine.Chunk(ctx, id, index)
	if err != nil {
		g.writeJobError(ctx, err)
		return
	}
	writeJSONStatus(ctx, chunkHTTPStatus(c.Status), chunkMetadata{
		Index:      index,
		Status:     c.Status,
		StorageKey: c.StorageKey,
		MIMEType:   c.MIMEType,
		Error:      c.Error,
	})
}

func (g *Gateway) handleChunkAudio(ctx *fasthttp.RequestCtx, id string) {
	index, ok := chunkIndex(ctx)
	if !ok {
		return
	}
	c, err := g.speech.Machine.Chunk(ctx, id, index)
	if err != nil {
		g.writeJobError(ctx, err)
		return
	}
	if c.Status != tts.ChunkCompleted {
		writeJSONStatus(ctx, chunkHTTPStatus(c.Status), chunkMetadata{Index: index, Status: c.Status, Error: c.Error})
		return
	}
	if g.speech.Audio == nil {
		apierr.Anthropic.Write(ctx, fasthttp.StatusNotFound, apierr.TypeNotFound, "audio storage is not configured")
		return
	}
	pcm, err := g.speech.Audio.Get(ctx, c.StorageKey)
	if err != nil {
		g.writeAudioError(ctx, err)
		return
	}
	ctx.SetContentType("audio/wav")
	ctx.SetBody(audio.WrapPCM(pcm, audio.FormatFromMIME(c.MIMEType)))
}

func (g *Gateway) handleJobUpdateStatus(ctx *fasthttp.RequestCtx, id string) {
	var in statusRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Anthropic.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}
	if in.Status != tts.StatusProcessing && in.Status != tts.StatusFailed {
		apierr.Anthropic.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest,
			"status: must be processing or failed")
		return
	}
	job, err := g.speech.Machine.UpdateStatus(ctx, id, in.Status, in.Error)
	if err != nil {
		g.writeJobError(ctx, err)
		return
	}
	g.log.InfoContext(ctx, "tts_status_override",
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("job_id", id),
		slog.String("status", string(job.Status)),
	)
	writeJSON(ctx, job.Summary())
}

// handleJobStart hands an initialized job to the background runner.
func (g *Gateway) handleJobStart(ctx *fasthttp.RequestCtx, id string) {
	if g.speech.Runner == nil {
		apierr.Anthropic.Write(ctx, fasthttp.StatusNotFound, apierr.TypeNotFound, "background synthesis is not configured")
		return
	}
	job, err := g.speech.Machine.Get(ctx, id)
	if err != nil {
		g.writeJobError(ctx, err)
		return
	}
	if job.Status.Terminal() {
		apierr.Anthropic.Write(ctx, fasthttp.StatusConflict, apierr.TypeInvalidRequest,
			"job is already "+string(job.Status))
		return
	}
	g.speech.Runner.Start(id)
	writeJSONStatus(ctx, fasthttp.StatusAccepted, jobAccepted{
		JobID:       job.ID,
		Status:      job.Status,
		TotalChunks: len(job.Sentences),
	})
}

// handleJobResult answers 202 with the current summary until the job is
// terminal, then 200.
func (g *Gateway) handleJobResult(ctx *fasthttp.RequestCtx, id string) {
	job, err := g.speech.Machine.Result(ctx, id)
	switch {
	case errors.Is(err, tts.ErrNotReady):
		writeJSONStatus(ctx, fasthttp.StatusAccepted, job.Summary())
	case err != nil:
		g.writeJobError(ctx, err)
	default:
		writeJSON(ctx, job.Summary())
	}
}

// handleJobAudio joins the audio of every completed chunk into one WAV.
func (g *Gateway) handleJobAudio(ctx *fasthttp.RequestCtx, id string) {
	job, err := g.speech.Machine.Result(ctx, id)
	switch {
	case errors.Is(err, tts.ErrNotReady):
		writeJSONStatus(ctx, fasthttp.StatusAccepted, job.Summary())
		return
	case err != nil:
		g.writeJobError(ctx, err)
		return
	}
	if g.speech.Audio == nil {
		apierr.Anthropic.Write(ctx, fasthttp.StatusNotFound, apierr.TypeNotFound, "audio storage is not configured")
		return
	}
	if s := job.Summary(); s.ProcessedCount == s.FailedCount {
		apierr.Anthropic.Write(ctx, fasthttp.StatusNotFound, apierr.TypeNotFound, "job "+id+" has no audio")
		return
	}

	wav, err := tts.Assemble(ctx, g.speech.Audio, job)
	if err != nil {
		g.writeAudioError(ctx, err)
		return
	}
	ctx.SetContentType("audio/wav")
	ctx.SetBody(wav)
}

// chunkHTTPStatus: 202 while pending, 200 when ready, 502 when failed.
func chunkHTTPStatus(s tts.ChunkStatus) int {
	switch s {
	case tts.ChunkCompleted:
		return fasthttp.StatusOK
	case tts.ChunkFailed:
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusAccepted
	}
}

func chunkIndex(ctx *fasthttp.RequestCtx) (int, bool) {
	raw, _ := ctx.UserValue("index").(string)
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		apierr.Anthropic.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest,
			"index: must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// writeJobError maps tts sentinels onto HTTP statuses.
func (g *Gateway) writeJobError(ctx *fasthttp.RequestCtx, err error) {
	style := apierr.Anthropic
	switch {
	case errors.Is(err, tts.ErrNotFound):
		style.Write(ctx, fasthttp.StatusNotFound, apierr.TypeNotFound, err.Error())
	case errors.Is(err, tts.ErrEmptyText),
		errors.Is(err, tts.ErrBadSplitting),
		errors.Is(err, tts.ErrChunkTooLarge),
		errors.Is(err, tts.ErrInputMismatch),
		errors.Is(err, tts.ErrIndexRange):
		style.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, err.Error())
	case errors.Is(err, tts.ErrInvalidState), errors.Is(err, tts.ErrExists):
		style.Write(ctx, fasthttp.StatusConflict, apierr.TypeInvalidRequest, err.Error())
	case errors.Is(err, tts.ErrUnavailable), errors.Is(err, tts.ErrConflictRetry):
		style.WriteUnavailable(ctx, err.Error(), 1)
	default:
		g.log.ErrorContext(ctx, "tts_job_error",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("error", err.Error()),
		)
		style.Write(ctx, fasthttp.StatusInternalServerError, apierr.TypeAPIError, "internal error")
	}
}

func (g *Gateway) writeAudioError(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, audiostore.ErrNotFound) {
		apierr.Anthropic.Write(ctx, fasthttp.StatusNotFound, apierr.TypeNotFound, "chunk audio expired or missing")
		return
	}
	g.log.ErrorContext(ctx, "tts_audio_error",
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("error", err.Error()),
	)
	apierr.Anthropic.WriteUnavailable(ctx, "audio storage unavailable", 1)
}
