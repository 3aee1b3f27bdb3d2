package proxy

import (
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

func routingGateway(upstreams ...string) *Gateway {
	g := &Gateway{
		upstreams:       make(map[string]providers.Provider),
		defaultUpstream: "gemini",
		defaultModels:   map[string]string{"gemini": "gemini-2.5-flash", "openai": "gpt-4o-mini"},
	}
	for _, name := range upstreams {
		g.upstreams[name] = &fakeProvider{name: name}
	}
	return g
}

func TestResolveUpstream(t *testing.T) {
	tests := []struct {
		name      string
		upstreams []string
		model     string
		want      string
	}{
		{"gemini native", []string{"gemini", "openai"}, "gemini-2.5-pro", "gemini"},
		{"openai native", []string{"gemini", "openai"}, "gpt-4o", "openai"},
		{"claude id goes to default", []string{"gemini", "openai"}, "claude-sonnet-4-5", "gemini"},
		{"openai not configured", []string{"gemini"}, "gpt-4o", "gemini"},
		{"empty model", []string{"gemini"}, "", "gemini"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := routingGateway(tt.upstreams...)
			if got := g.resolveUpstream(tt.model); got != tt.want {
				t.Errorf("resolveUpstream(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}
}

func TestModelFor(t *testing.T) {
	g := routingGateway("gemini", "openai")

	tests := []struct {
		upstream, requested, want string
	}{
		{"gemini", "gemini-2.5-pro", "gemini-2.5-pro"},
		{"gemini", "claude-3-5-haiku-latest", "gemini-2.5-flash"},
		{"openai", "gemini-2.5-pro", "gpt-4o-mini"},
		{"openai", "gpt-4.1", "gpt-4.1"},
	}
	for _, tt := range tests {
		if got := g.modelFor(tt.upstream, tt.requested); got != tt.want {
			t.Errorf("modelFor(%q, %q) = %q, want %q", tt.upstream, tt.requested, got, tt.want)
		}
	}
}

func TestConversationKey(t *testing.T) {
	newCtx := func(headers map[string]string) *fasthttp.RequestCtx {
		var ctx fasthttp.RequestCtx
		for k, v := range headers {
			ctx.Request.Header.Set(k, v)
		}
		return &ctx
	}

	if got := conversationKey(newCtx(map[string]string{"X-Conversation-Id": "c1", "x-api-key": "k"}), "u1"); got != "c1" {
		t.Errorf("header must win, got %q", got)
	}
	if got := conversationKey(newCtx(map[string]string{"x-api-key": "k"}), "u1"); got != "user:u1" {
		t.Errorf("metadata user must beat credential, got %q", got)
	}

	a := conversationKey(newCtx(map[string]string{"x-api-key": "secret"}), "")
	b := conversationKey(newCtx(map[string]string{"Authorization": "Bearer secret"}), "")
	if a != b || a == "global" || len(a) != len("key:")+16 {
		t.Errorf("credential keys = %q / %q", a, b)
	}

	if got := conversationKey(newCtx(nil), ""); got != "global" {
		t.Errorf("fallback = %q", got)
	}
}

func TestParseBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"abc":          "",
		"":             "",
	}
	for in, want := range tests {
		if got := parseBearerToken(in); got != want {
			t.Errorf("parseBearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
