package proxy

import (
	"encoding/json"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/gemini-bridge/internal/normalize"
	"github.com/nulpointcorp/gemini-bridge/internal/transform"
	"github.com/nulpointcorp/gemini-bridge/pkg/apierr"
)

// handleChatCompletions serves POST /v1/chat/completions. The request runs
// through the same transformer as /v1/messages and is re-encoded as OpenAI
// chunks on the way out.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	const route = "chat_completions"
	style := apierr.OpenAI
	done := g.begin(route)
	committed := false
	defer func() {
		if !committed {
			done(ctx.Response.StatusCode())
		}
	}()

	var in normalize.ChatCompletionRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		style.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}

	conv := conversationKey(ctx, in.User)
	if !g.allow(ctx, style, conv) {
		return
	}

	req, err := normalize.FromOpenAI(ctx, &in, g.resolver(conv))
	if err != nil {
		g.writeError(ctx, style, err)
		return
	}
	req.RequestID = requestIDOf(ctx)
	g.recordToolResults(ctx, conv, req)

	upstream := g.resolveUpstream(in.Model)
	model := g.echoModel(upstream, in.Model)
	opts := transform.Options{
		Model:       model,
		MessageID:   transform.NewMessageID(),
		InputTokens: normalize.EstimateInputTokens(req),
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", req.RequestID),
		slog.String("route", route),
		slog.String("model", in.Model),
		slog.String("upstream", upstream),
		slog.Bool("stream", in.Stream),
		slog.Int("tools", len(req.Tools)),
	)

	if in.Stream {
		enc := transform.NewOpenAIStream(opts.MessageID, model, in.WantsUsage())
		committed = g.stream(ctx, style, streamCall{
			route:        route,
			conversation: conv,
			upstream:     upstream,
			req:          req,
			opts:         opts,
			encode:       enc.Encode,
			done:         done,
		})
		return
	}

	msg, calls, served, err := g.complete(ctx, route, req, upstream, opts)
	if err != nil {
		g.writeError(ctx, style, err)
		return
	}
	g.recordToolCalls(ctx, conv, calls)
	g.metrics.AddTokens(served, route, msg.Usage.InputTokens, msg.Usage.OutputTokens)
	writeJSON(ctx, transform.ChatCompletionFromMessage(msg))
}
