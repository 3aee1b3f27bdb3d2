package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

// resolveUpstream returns the upstream serving model. Upstream-native names
// go to their own upstream when it is configured; everything else, including
// Anthropic model ids, goes to the default upstream.
func (g *Gateway) resolveUpstream(model string) string {
	if name, ok := providers.ModelAliases[model]; ok {
		if _, configured := g.upstreams[name]; configured {
			return name
		}
	}
	return g.defaultUpstream
}

// modelFor returns the model the upstream should run when the client asked
// for requested.
func (g *Gateway) modelFor(upstream, requested string) string {
	if providers.ModelAliases[requested] == upstream {
		return requested
	}
	if m := g.defaultModels[upstream]; m != "" {
		return m
	}
	return requested
}

// conversationKey scopes tool-call correlation and rate limiting. In order:
// the X-Conversation-Id header, the Anthropic metadata.user_id, a hash of the
// client credential, then a shared bucket.
func conversationKey(ctx *fasthttp.RequestCtx, userID string) string {
	if v := strings.TrimSpace(string(ctx.Request.Header.Peek("X-Conversation-Id"))); v != "" {
		return v
	}
	if userID != "" {
		return "user:" + userID
	}
	if key := clientCredential(ctx); key != "" {
		sum := sha256.Sum256([]byte(key))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	return "global"
}

// clientCredential returns the x-api-key header or the bearer token.
func clientCredential(ctx *fasthttp.RequestCtx) string {
	if v := strings.TrimSpace(string(ctx.Request.Header.Peek("x-api-key"))); v != "" {
		return v
	}
	return parseBearerToken(strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))))
}

func parseBearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
