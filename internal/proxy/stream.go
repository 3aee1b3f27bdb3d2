package proxy

import (
	"bufio"
	"context"
	"io"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
	"github.com/nulpointcorp/gemini-bridge/internal/transform"
	"github.com/nulpointcorp/gemini-bridge/pkg/apierr"
)

// eventEncoder writes transformer events in the client's wire format.
type eventEncoder func(w io.Writer, events ...transform.Event) error

// streamCall describes one streamed completion.
type streamCall struct {
	route        string
	conversation string
	upstream     string
	req          *providers.ChatRequest
	opts         transform.Options
	encode       eventEncoder
	// done is called exactly once when the response is over.
	done func(status int)
}

// stream opens the upstream and, once it produced a first chunk, commits a
// 200 text/event-stream response and relays the rest. It reports whether the
// response was committed; when it was not, an error has been written and the
// caller still owns done.
func (g *Gateway) stream(ctx *fasthttp.RequestCtx, style apierr.Style, sc streamCall) bool {
	streamCtx, cancel := context.WithTimeout(g.baseCtx, g.streamTimeout)

	us, err := g.openStreamWithFailover(streamCtx, sc.req, sc.upstream, sc.route)
	if err != nil {
		cancel()
		g.log.WarnContext(ctx, "stream_open_failed",
			slog.String("request_id", sc.req.RequestID),
			slog.String("route", sc.route),
			slog.String("error", err.Error()),
		)
		g.writeError(ctx, style, err)
		return false
	}

	tr := transform.New(sc.opts)

	ctx.SetContentType("text/event-stream")
	h := &ctx.Response.Header
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer us.stop()
		defer sc.done(fasthttp.StatusOK)
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("stream_panic",
					slog.Any("panic", r),
					slog.String("request_id", sc.req.RequestID),
				)
			}
		}()

		outcome := g.relay(w, us, tr, sc)

		u := tr.Usage()
		g.metrics.AddTokens(us.upstream, sc.route, u.InputTokens, u.OutputTokens)
		g.recordToolCalls(g.baseCtx, sc.conversation, tr.ToolCalls())

		g.log.Info("stream_done",
			slog.String("request_id", sc.req.RequestID),
			slog.String("route", sc.route),
			slog.String("provider", us.upstream),
			slog.String("outcome", outcome),
			slog.Int("input_tokens", u.InputTokens),
			slog.Int("output_tokens", u.OutputTokens),
		)
	})
	return true
}

// relay pumps upstream chunks through tr until the transformer is done, the
// upstream ends or the client goes away. A write error stops the loop; the
// deferred stop then releases the upstream connection.
func (g *Gateway) relay(w *bufio.Writer, us *upstreamStream, tr *transform.Transformer, sc streamCall) string {
	write := func(events []transform.Event) bool {
		if len(events) == 0 {
			return true
		}
		for _, e := range events {
			g.metrics.RecordStreamEvent(sc.route, e.Type)
		}
		if err := sc.encode(w, events...); err != nil {
			return false
		}
		return w.Flush() == nil
	}

	if !write(tr.Transform(us.first)) {
		return "client_gone"
	}
	for !tr.Done() {
		c, err, more := us.next()
		if !more {
			break
		}
		if err != nil {
			g.log.Warn("stream_upstream_error",
				slog.String("request_id", sc.req.RequestID),
				slog.String("provider", us.upstream),
				slog.String("error", err.Error()),
			)
			if !write(tr.Fail(err)) {
				return "client_gone"
			}
			return "upstream_error"
		}
		if !write(tr.Transform(c)) {
			return "client_gone"
		}
	}
	if !write(tr.Finish()) {
		return "client_gone"
	}
	return "complete"
}
