package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

// fakeProvider is a scripted upstream.
type fakeProvider struct {
	name      string
	healthErr error

	// generate answers Generate; nil means a fixed text reply.
	generate func(ctx context.Context, req *providers.ChatRequest) (*providers.Response, error)

	// openErr fails the stream before its first chunk; chunks are then
	// yielded in order, followed by midErr when set.
	openErr error
	chunks  []*providers.Chunk
	midErr  error

	mu   sync.Mutex
	reqs []*providers.ChatRequest
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) HealthCheck(context.Context) error { return p.healthErr }

func (p *fakeProvider) Generate(ctx context.Context, req *providers.ChatRequest) (*providers.Response, error) {
	p.record(req)
	if p.generate != nil {
		return p.generate(ctx, req)
	}
	return textResponse("hello from "+p.name, 10, 5), nil
}

func (p *fakeProvider) Stream(_ context.Context, req *providers.ChatRequest) iter.Seq2[*providers.Chunk, error] {
	return func(yield func(*providers.Chunk, error) bool) {
		p.record(req)
		if p.openErr != nil {
			yield(nil, p.openErr)
			return
		}
		for _, c := range p.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if p.midErr != nil {
			yield(nil, p.midErr)
		}
	}
}

func (p *fakeProvider) record(req *providers.ChatRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func (p *fakeProvider) lastRequest() *providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.reqs) == 0 {
		return nil
	}
	return p.reqs[len(p.reqs)-1]
}

func textResponse(text string, in, out int) *providers.Response {
	return &providers.Response{
		Parts:        []providers.ChunkPart{{Text: text}},
		FinishReason: providers.FinishStop,
		Usage:        &providers.Usage{InputTokens: in, OutputTokens: out},
	}
}

func textChunk(s string) *providers.Chunk {
	return &providers.Chunk{Parts: []providers.ChunkPart{{Text: s}}}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway builds a gateway with a silent logger and closes it with
// the test.
func newTestGateway(t *testing.T, upstreams map[string]providers.Provider, opts Options) *Gateway {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	gw := NewGateway(context.Background(), upstreams, opts)
	t.Cleanup(gw.Close)
	return gw
}

// serveGateway starts the gateway's full handler on an in-memory listener
// and returns an HTTP client that routes to it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = gw.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

// doRequest sends a request through the in-memory client.
func doRequest(t *testing.T, client *http.Client, method, path, body string, headers ...string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://bridge"+path, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func doPost(t *testing.T, client *http.Client, path, body string, headers ...string) *http.Response {
	t.Helper()
	return doRequest(t, client, http.MethodPost, path, body, headers...)
}

func doGet(t *testing.T, client *http.Client, path string) *http.Response {
	t.Helper()
	return doRequest(t, client, http.MethodGet, path, "")
}

// readBody reads and closes the response body.
func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

type sseFrame struct {
	event string
	data  string
}

// parseSSE splits a response body into frames. Frames without an event line
// (OpenAI style) have an empty event.
func parseSSE(body []byte) []sseFrame {
	var (
		out []sseFrame
		cur sseFrame
	)
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur != (sseFrame{}) {
				out = append(out, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	if cur != (sseFrame{}) {
		out = append(out, cur)
	}
	return out
}

func eventNames(frames []sseFrame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.event
	}
	return out
}

func contains(b []byte, s string) bool {
	return bytes.Contains(b, []byte(s))
}
