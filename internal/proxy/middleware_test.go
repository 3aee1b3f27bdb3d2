package proxy

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func okHandler(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusOK) }

// --- recovery ---------------------------------------------------------------

func TestRecovery_PanicReturnsEnvelope(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) { panic("boom") })

	tests := []struct {
		path     string
		wantType string
	}{
		{"/v1/messages", `"type":"error"`},
		{"/v1/chat/completions", `"code":"internal_error"`},
	}
	for _, tt := range tests {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.SetRequestURI(tt.path)
		handler(ctx)

		if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
			t.Fatalf("%s: status = %d", tt.path, ctx.Response.StatusCode())
		}
		if !json.Valid(ctx.Response.Body()) || !contains(ctx.Response.Body(), tt.wantType) {
			t.Errorf("%s: body = %s", tt.path, ctx.Response.Body())
		}
	}
}

// --- requestID --------------------------------------------------------------

func TestRequestID_GeneratesAndPreserves(t *testing.T) {
	var seen string
	handler := requestID(func(ctx *fasthttp.RequestCtx) { seen = requestIDOf(ctx) })

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	if seen == "" || string(ctx.Response.Header.Peek("X-Request-ID")) != seen {
		t.Fatalf("generated id %q not echoed", seen)
	}

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "custom-id-123")
	handler(ctx)
	if seen != "custom-id-123" {
		t.Errorf("expected preserved ID, got %s", seen)
	}
}

func TestTiming_SetsHeader(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	timing(okHandler)(ctx)
	if len(ctx.Response.Header.Peek("X-Response-Time")) == 0 {
		t.Error("X-Response-Time header should be set")
	}
}

func TestSecurityHeaders_AllSet(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	securityHeaders(okHandler)(ctx)

	for header, want := range map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'",
		"Referrer-Policy":         "no-referrer",
	} {
		if got := string(ctx.Response.Header.Peek(header)); got != want {
			t.Errorf("header %s: expected %q, got %q", header, want, got)
		}
	}
}

// --- corsHandler ------------------------------------------------------------

func TestCORS(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"open by default", nil, "https://x.example", "*"},
		{"explicit wildcard", []string{"*"}, "", "*"},
		{"listed origin echoed", []string{"https://a.example", "https://b.example"}, "https://b.example", "https://b.example"},
		{"unlisted origin", []string{"https://a.example"}, "https://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.Header.SetMethod(fasthttp.MethodGet)
			if tt.origin != "" {
				ctx.Request.Header.Set("Origin", tt.origin)
			}
			corsHandler(tt.origins)(okHandler)(ctx)
			if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != tt.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) { called = true })

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	handler(ctx)

	if called || ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("preflight: called=%v status=%d", called, ctx.Response.StatusCode())
	}
	if !contains(ctx.Response.Header.Peek("Access-Control-Allow-Headers"), "x-api-key") {
		t.Error("x-api-key must be an allowed header")
	}
}

// --- authHandler ------------------------------------------------------------

func TestAuth(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    int
	}{
		{"x-api-key", "/v1/messages", map[string]string{"x-api-key": "s3cret"}, 200},
		{"bearer", "/v1/chat/completions", map[string]string{"Authorization": "Bearer s3cret"}, 200},
		{"missing", "/v1/messages", nil, 401},
		{"wrong", "/v1/tts", map[string]string{"x-api-key": "nope"}, 401},
		{"health exempt", "/health", nil, 200},
		{"metrics exempt", "/metrics", nil, 200},
	}
	handler := authHandler("s3cret")(okHandler)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.SetRequestURI(tt.path)
			for k, v := range tt.headers {
				ctx.Request.Header.Set(k, v)
			}
			handler(ctx)
			if got := ctx.Response.StatusCode(); got != tt.want {
				t.Errorf("status = %d, want %d (body %s)", got, tt.want, ctx.Response.Body())
			}
		})
	}
}

func TestAuth_ErrorShapeFollowsRoute(t *testing.T) {
	handler := authHandler("s3cret")(okHandler)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/v1/messages")
	handler(ctx)
	var anth struct {
		Type  string `json:"type"`
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &anth); err != nil || anth.Type != "error" || anth.Error.Type != "authentication_error" {
		t.Errorf("anthropic body = %s", ctx.Response.Body())
	}

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/v1/chat/completions")
	handler(ctx)
	if !contains(ctx.Response.Body(), `"code":"invalid_api_key"`) {
		t.Errorf("openai body = %s", ctx.Response.Body())
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/v1/messages")
	authHandler("")(okHandler)(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
}

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}
	applyMiddleware(func(*fasthttp.RequestCtx) { order = append(order, "h") }, mw("a"), mw("b"))(&fasthttp.RequestCtx{})

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "h" {
		t.Errorf("order = %v", order)
	}
}
