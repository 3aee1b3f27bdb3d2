package proxy

import (
	"context"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Handler builds the routed, middleware-wrapped request handler.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/messages", g.handleMessages)
	r.POST("/v1/messages/count_tokens", g.handleCountTokens)
	r.POST("/v1/chat/completions", g.handleChatCompletions)

	r.POST("/v1/tts", g.handleSpeech)
	jobs := r.Group("/v1/tts/jobs/{id}")
	jobs.POST("/initialize", g.jobRoute("tts_initialize", g.handleJobInitialize))
	jobs.GET("/next-sentence", g.jobRoute("tts_next_sentence", g.handleJobNext))
	jobs.POST("/sentence-processed", g.jobRoute("tts_sentence_processed", g.handleJobProcessed))
	jobs.GET("/state", g.jobRoute("tts_state", g.handleJobState))
	jobs.GET("/chunk/{index}/metadata", g.jobRoute("tts_chunk_metadata", g.handleChunkMetadata))
	jobs.GET("/chunk/{index}/audio", g.jobRoute("tts_chunk_audio", g.handleChunkAudio))
	jobs.POST("/update-status", g.jobRoute("tts_update_status", g.handleJobUpdateStatus))
	jobs.POST("/start", g.jobRoute("tts_start", g.handleJobStart))
	jobs.GET("/result", g.jobRoute("tts_result", g.handleJobResult))
	jobs.GET("/audio", g.jobRoute("tts_audio", g.handleJobAudio))

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	r.GET("/metrics", g.metrics.Handler())

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
		authHandler(g.authToken),
	)
}

func (g *Gateway) newServer() *fasthttp.Server {
	srv := &fasthttp.Server{
		Handler:     g.Handler(),
		Name:        "gemini-bridge",
		ReadTimeout: 60 * time.Second,
		// Streams stay open for as long as the upstream keeps talking.
		WriteTimeout:       g.streamTimeout,
		MaxRequestBodySize: 32 << 20,
	}
	g.srvMu.Lock()
	g.srv = srv
	g.srvMu.Unlock()
	return srv
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string) error {
	return g.newServer().ListenAndServe(addr)
}

// Serve serves on an existing listener. Tests use it with an in-memory
// listener.
func (g *Gateway) Serve(ln net.Listener) error {
	return g.newServer().Serve(ln)
}

// Shutdown gracefully stops the server: no new connections, open requests
// and streams run to completion or until ctx expires.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.srvMu.Lock()
	srv := g.srv
	g.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.ShutdownWithContext(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSONStatus(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}
