package proxy

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/gemini-bridge/internal/normalize"
	"github.com/nulpointcorp/gemini-bridge/internal/providers"
	"github.com/nulpointcorp/gemini-bridge/internal/transform"
	"github.com/nulpointcorp/gemini-bridge/pkg/apierr"
)

// handleMessages serves POST /v1/messages.
func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	const route = "messages"
	style := apierr.Anthropic
	done := g.begin(route)
	committed := false
	defer func() {
		if !committed {
			done(ctx.Response.StatusCode())
		}
	}()

	var in normalize.MessagesRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		style.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}

	userID := ""
	if in.Metadata != nil {
		userID = in.Metadata.UserID
	}
	conv := conversationKey(ctx, userID)
	if !g.allow(ctx, style, conv) {
		return
	}

	req, err := normalize.FromAnthropic(ctx, &in, g.resolver(conv))
	if err != nil {
		g.writeError(ctx, style, err)
		return
	}
	req.RequestID = requestIDOf(ctx)
	g.recordToolResults(ctx, conv, req)

	upstream := g.resolveUpstream(in.Model)
	opts := transform.Options{
		Model:       g.echoModel(upstream, in.Model),
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
		committed = g.stream(ctx, style, streamCall{
			route:        route,
			conversation: conv,
			upstream:     upstream,
			req:          req,
			opts:         opts,
			encode:       transform.EncodeSSE,
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
	writeJSON(ctx, msg)
}

// handleCountTokens serves POST /v1/messages/count_tokens. The count is a
// local estimate; no upstream is called.
func (g *Gateway) handleCountTokens(ctx *fasthttp.RequestCtx) {
	const route = "count_tokens"
	style := apierr.Anthropic
	done := g.begin(route)
	defer func() { done(ctx.Response.StatusCode()) }()

	var in normalize.MessagesRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		style.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}
	n, err := normalize.CountTokens(ctx, &in)
	if err != nil {
		g.writeError(ctx, style, err)
		return
	}
	writeJSON(ctx, map[string]int{"input_tokens": n})
}

// complete runs a non-streaming call and maps the result to an Anthropic
// message. It also returns the upstream that served it.
func (g *Gateway) complete(
	ctx context.Context,
	route string,
	req *providers.ChatRequest,
	upstream string,
	opts transform.Options,
) (*transform.Message, []transform.ToolCall, string, error) {
	resp, served, err := g.generateWithFailover(ctx, req, upstream, route)
	if err != nil {
		return nil, nil, "", err
	}
	msg, calls, err := transform.MapResponse(resp, opts)
	if err != nil {
		return nil, nil, served, err
	}
	return msg, calls, served, nil
}

// echoModel is the model name reported back to the client: what it asked
// for, or the upstream model when it asked for nothing.
func (g *Gateway) echoModel(upstream, requested string) string {
	if requested != "" {
		return requested
	}
	return g.modelFor(upstream, requested)
}
