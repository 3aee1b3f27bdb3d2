package proxy

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
	"github.com/nulpointcorp/gemini-bridge/internal/transform"
)

// errNoUpstream is returned when every candidate was skipped.
var errNoUpstream = errors.New("no upstream available")

// upstreamStream is an opened stream whose first chunk has already arrived.
// Nothing has been written to the client at that point, so failing over to
// another upstream is still invisible to it.
type upstreamStream struct {
	upstream string
	first    *providers.Chunk
	next     func() (*providers.Chunk, error, bool)
	stop     func()
}

// generateWithFailover runs a non-streaming call against primary and, on
// retryable errors, the remaining upstreams in DefaultFallbackOrder until one
// succeeds or g.maxRetries attempts were made. Upstreams whose breaker is
// open are skipped. req.Model is the client's model; each candidate gets the
// model it should run.
func (g *Gateway) generateWithFailover(ctx context.Context, req *providers.ChatRequest, primary, route string) (*providers.Response, string, error) {
	var resp *providers.Response
	name, err := g.failover(ctx, req, primary, route, func(ctx context.Context, prov providers.Provider, r *providers.ChatRequest) error {
		callCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
		defer cancel()
		var err error
		resp, err = prov.Generate(callCtx, r)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return resp, name, nil
}

// openStreamWithFailover opens a stream and waits for its first chunk, moving
// on to the next upstream when that fails. The caller must call stop.
func (g *Gateway) openStreamWithFailover(ctx context.Context, req *providers.ChatRequest, primary, route string) (*upstreamStream, error) {
	var out *upstreamStream
	_, err := g.failover(ctx, req, primary, route, func(ctx context.Context, prov providers.Provider, r *providers.ChatRequest) error {
		next, stop := iter.Pull2(prov.Stream(ctx, r))
		first, err, ok := next()
		switch {
		case !ok:
			stop()
			return transform.ErrEmptyResponse
		case err != nil:
			stop()
			return err
		}
		out = &upstreamStream{upstream: prov.Name(), first: first, next: next, stop: stop}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gateway) failover(
	ctx context.Context,
	req *providers.ChatRequest,
	primary, route string,
	call func(ctx context.Context, prov providers.Provider, r *providers.ChatRequest) error,
) (string, error) {
	var lastErr error
	prev, prevReason := "", ""
	attempts := 0

	for _, name := range buildCandidateList(primary) {
		if attempts >= g.maxRetries {
			break
		}
		prov, ok := g.upstreams[name]
		if !ok {
			continue
		}

		if !g.cb.Allow(name) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", name),
			)
			g.metrics.ObserveUpstreamAttempt(name, route, "circuit_reject", 0)
			continue
		}

		if prev != "" {
			g.metrics.RecordFailover(primary, prev, name, prevReason)
		}

		r := *req
		r.Model = g.modelFor(name, req.Model)

		start := time.Now()
		err := call(ctx, prov, &r)
		dur := time.Since(start)
		attempts++

		if err == nil {
			g.metrics.ObserveUpstreamAttempt(name, route, "success", dur)
			g.cb.RecordSuccess(name)
			if name != primary {
				g.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", primary),
					slog.String("to", name),
					slog.Int64("latency_ms", dur.Milliseconds()),
				)
			}
			return name, nil
		}

		reason := classifyError(err)
		g.metrics.ObserveUpstreamAttempt(name, route, reason, dur)
		// A client that went away says nothing about upstream health.
		if !errors.Is(err, context.Canceled) {
			g.cb.RecordFailure(name)
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", name),
			slog.String("model", r.Model),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		lastErr = err
		prev, prevReason = name, reason

		// Other upstreams would reject the same request the same way.
		if !isRetryable(err) {
			return "", err
		}
	}

	if lastErr == nil {
		return "", errNoUpstream
	}
	return "", fmt.Errorf("failover: all upstreams failed after %d attempt(s): %w", attempts, lastErr)
}

// buildCandidateList returns an ordered slice starting with primary, followed
// by the remaining upstreams in DefaultFallbackOrder (deduped).
func buildCandidateList(primary string) []string {
	seen := map[string]bool{primary: true}
	out := []string{primary}
	for _, name := range providers.DefaultFallbackOrder {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// isRetryable returns true for errors that should trigger failover.
//
//   - 5xx and 429 upstream errors → retryable
//   - timeouts and unknown errors → retryable
//   - other 4xx, blocked prompts, client cancellation → not retryable
func isRetryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, transform.ErrPromptBlocked):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status == 429 || (status >= 500 && status < 600)
	}
	return true
}

// classifyError converts an error into a short category used in log fields
// and metrics labels.
func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, transform.ErrEmptyResponse):
		return "empty"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
