package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/gemini-bridge/internal/audiostore"
	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

// RunnerConfig tunes background synthesis.
type RunnerConfig struct {
	Timeouts   TimeoutPolicy
	Workers    int
	Retries    int
	RetryDelay time.Duration
	AudioTTL   time.Duration
}

// Runner synthesizes jobs in the background. It is the only caller of the
// Machine that has no client waiting on it, so every run ends with a status
// write: a job the runner gives up on is marked failed rather than left in
// processing.
type Runner struct {
	machine *Machine
	synth   providers.SpeechSynthesizer
	audio   audiostore.Store

	timeouts   TimeoutPolicy
	audioTTL   time.Duration
	synthRetry retrypolicy.RetryPolicy[*providers.Speech]
	writeRetry retrypolicy.RetryPolicy[*Job]

	slots chan struct{}
	base  context.Context
	wg    sync.WaitGroup

	onChunk func(status ChunkStatus, took time.Duration)
	onJob   func(status Status)
}

type RunnerOption func(*Runner)

// WithChunkObserver is called once per settled chunk.
func WithChunkObserver(fn func(status ChunkStatus, took time.Duration)) RunnerOption {
	return func(r *Runner) { r.onChunk = fn }
}

// WithJobObserver is called once per finished run with the final job status.
func WithJobObserver(fn func(status Status)) RunnerOption {
	return func(r *Runner) { r.onJob = fn }
}

// NewRunner builds a runner whose background work lives as long as base.
func NewRunner(base context.Context, m *Machine, synth providers.SpeechSynthesizer, store audiostore.Store, cfg RunnerConfig, opts ...RunnerOption) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeouts == (TimeoutPolicy{}) {
		cfg.Timeouts = DefaultTimeoutPolicy()
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	r := &Runner{
		machine:  m,
		synth:    synth,
		audio:    store,
		timeouts: cfg.Timeouts,
		audioTTL: cfg.AudioTTL,
		synthRetry: retrypolicy.NewBuilder[*providers.Speech]().
			WithMaxRetries(cfg.Retries).
			WithDelay(cfg.RetryDelay).
			AbortIf(func(_ *providers.Speech, err error) bool { return !retryableSynth(err) }).
			ReturnLastFailure().
			Build(),
		writeRetry: retrypolicy.NewBuilder[*Job]().
			HandleIf(func(_ *Job, err error) bool {
				return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConflictRetry)
			}).
			WithMaxRetries(3).
			WithDelay(100 * time.Millisecond).
			ReturnLastFailure().
			Build(),
		slots:   make(chan struct{}, cfg.Workers),
		base:    base,
		onChunk: func(ChunkStatus, time.Duration) {},
		onJob:   func(Status) {},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// retryableSynth treats timeouts, throttling and upstream 5xx as transient.
// Other 4xx answers will not change on a second try.
func retryableSynth(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
	}
	return true
}

// Start runs the job in the background. Use Wait to let it settle before
// the process exits.
func (r *Runner) Start(jobID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.Run(r.base, jobID)
	}()
}

// Wait blocks until every started run has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run dispatches and synthesizes every remaining chunk of the job, at most
// Workers at a time across all jobs, then settles the job status.
func (r *Runner) Run(ctx context.Context, jobID string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tts: runner panic: %v", p)
		}
		r.finish(ctx, jobID, err)
	}()

	job, err := r.machine.Get(ctx, jobID)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for {
		if err := ctx.Err(); err != nil {
			_ = g.Wait()
			return err
		}
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		}

		var d Dispatch
		_, err := r.write(ctx, func() (*Job, error) {
			var err error
			d, err = r.machine.DispatchNext(ctx, jobID)
			return nil, err
		})
		if err != nil || d.Done {
			<-r.slots
			_ = g.Wait()
			return err
		}

		g.Go(func() error {
			defer func() { <-r.slots }()
			r.processChunk(ctx, job, d)
			return nil
		})
	}
}

func (r *Runner) processChunk(ctx context.Context, job *Job, d Dispatch) {
	start := time.Now()
	status := ChunkFailed
	defer func() {
		if p := recover(); p != nil {
			r.fail(ctx, job.ID, d.Index, fmt.Errorf("panic: %v", p))
		}
		r.onChunk(status, time.Since(start))
	}()

	speech, err := failsafe.With(r.synthRetry).WithContext(ctx).Get(func() (*providers.Speech, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.timeouts.For(utf8.RuneCountInString(d.Sentence)))
		defer cancel()
		return r.synth.Synthesize(callCtx, &providers.SpeechRequest{
			Text:        d.Sentence,
			Model:       job.Model,
			Voice:       job.Voice,
			SecondVoice: job.SecondVoice,
		})
	})
	if err != nil {
		r.fail(ctx, job.ID, d.Index, err)
		return
	}

	key := audiostore.ChunkKey(job.ID, d.Index)
	if err := r.audio.Put(ctx, key, speech.PCM, r.audioTTL); err != nil {
		r.fail(ctx, job.ID, d.Index, err)
		return
	}

	_, err = r.write(ctx, func() (*Job, error) {
		return r.machine.MarkProcessed(ctx, job.ID, d.Index, key, speech.MIMEType)
	})
	if err != nil {
		slog.ErrorContext(ctx, "tts_chunk_record_failed",
			slog.String("job_id", job.ID),
			slog.Int("index", d.Index),
			slog.String("error", err.Error()),
		)
		return
	}
	status = ChunkCompleted
}

func (r *Runner) fail(ctx context.Context, jobID string, index int, cause error) {
	slog.WarnContext(ctx, "tts_chunk_failed",
		slog.String("job_id", jobID),
		slog.Int("index", index),
		slog.String("error", cause.Error()),
	)
	_, err := r.write(ctx, func() (*Job, error) {
		return r.machine.MarkFailed(ctx, jobID, index, cause.Error())
	})
	if err != nil {
		slog.ErrorContext(ctx, "tts_chunk_record_failed",
			slog.String("job_id", jobID),
			slog.Int("index", index),
			slog.String("error", err.Error()),
		)
	}
}

// finish makes sure the job does not stay in processing after the run. It
// uses a detached context so a cancelled run still gets its final write.
func (r *Runner) finish(ctx context.Context, jobID string, runErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	job, err := r.machine.Get(ctx, jobID)
	if err != nil {
		slog.ErrorContext(ctx, "tts_job_finish_failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}

	if !job.Status.Terminal() {
		reason := fmt.Sprintf("%d of %d chunks settled", job.ProcessedCount, len(job.Chunks))
		if runErr != nil {
			reason = runErr.Error()
		}
		job, err = r.write(ctx, func() (*Job, error) {
			return r.machine.UpdateStatus(ctx, jobID, StatusFailed, reason)
		})
		if err != nil {
			slog.ErrorContext(ctx, "tts_job_finish_failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	slog.InfoContext(ctx, "tts_job_finished",
		slog.String("job_id", jobID),
		slog.String("status", string(job.Status)),
		slog.Int("chunks", len(job.Chunks)),
		slog.Int("processed", job.ProcessedCount),
	)
	r.onJob(job.Status)
}

func (r *Runner) write(ctx context.Context, fn func() (*Job, error)) (*Job, error) {
	return failsafe.With(r.writeRetry).WithContext(ctx).Get(fn)
}
