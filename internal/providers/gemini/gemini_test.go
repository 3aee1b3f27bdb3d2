package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
	"google.golang.org/genai"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
	"github.com/nulpointcorp/gemini-bridge/internal/transform"
)

// --- helpers ---

func newTestProvider(t *testing.T, srv *httptest.Server, opts ...Option) *Provider {
	t.Helper()
	// The base URL carries the API version segment so the SDK builds
	// /v1beta/models/... paths against the test server.
	opts = append([]Option{WithBaseURL(srv.URL + "/v1beta")}, opts...)
	p, err := New(context.Background(), "mock-api-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func userText(s string) providers.Message {
	return providers.Message{Role: providers.RoleUser, Parts: []providers.Part{{Type: providers.PartText, Text: s}}}
}

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:     "gemini-2.5-flash",
		Messages:  []providers.Message{userText("Hello")},
		MaxTokens: 256,
		RequestID: "req-mock-1",
	}
}

const textResponse = `{
  "candidates": [{"content": {"role": "model", "parts": [{"text": "Hello, world!"}]}, "finishReason": "STOP"}],
  "usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "thoughtsTokenCount": 2},
  "modelVersion": "gemini-2.5-flash-001",
  "responseId": "resp-1"
}`

// captureServer records the last request body and replies with body.
func captureServer(t *testing.T, status int, body string, captured *[]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			*captured, _ = io.ReadAll(r.Body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// --- tests ---

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestProvider_Name(t *testing.T) {
	srv := captureServer(t, 200, textResponse, nil)
	if got := newTestProvider(t, srv).Name(); got != "gemini" {
		t.Fatalf("expected 'gemini', got %q", got)
	}
}

func TestProvider_Generate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotKey := r.URL.Query().Get("key")
		if gotKey == "" {
			gotKey = r.Header.Get("X-Goog-Api-Key")
		}
		if gotKey != "mock-api-key" {
			t.Errorf("api key = %q", gotKey)
		}
		if !strings.HasSuffix(r.URL.Path, "/v1beta/models/gemini-2.5-flash:generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, textResponse)
	}))
	defer srv.Close()

	resp, err := newTestProvider(t, srv).Generate(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.Parts) != 1 || resp.Parts[0].Text != "Hello, world!" {
		t.Errorf("parts = %+v", resp.Parts)
	}
	if resp.FinishReason != providers.FinishStop {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Model != "gemini-2.5-flash-001" || resp.ID != "resp-1" {
		t.Errorf("model/id = %q/%q", resp.Model, resp.ID)
	}
}

func TestProvider_Generate_RequestShape(t *testing.T) {
	var body []byte
	srv := captureServer(t, 200, textResponse, &body)

	temp := 0.3
	req := &providers.ChatRequest{
		Model:  "gemini-2.5-flash",
		System: "You are terse.",
		Messages: []providers.Message{
			userText("What's the weather in Paris?"),
			{Role: providers.RoleAssistant, Parts: []providers.Part{
				{Type: providers.PartText, Text: "Checking."},
				{Type: providers.PartToolUse, ToolUseID: "toolu_1", ToolName: "get_weather", Input: json.RawMessage(`{"city":"Paris"}`)},
			}},
			{Role: providers.RoleUser, Parts: []providers.Part{
				{Type: providers.PartToolResult, ToolUseID: "toolu_1", ToolName: "get_weather", Result: `{"temp":21}`},
			}},
		},
		MaxTokens:     128,
		Temperature:   &temp,
		StopSequences: []string{"END"},
		Tools: []providers.Tool{{
			Name:        "get_weather",
			Description: "Look up weather",
			Schema:      json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
		}},
		ToolChoice: &providers.ToolChoice{Mode: "tool", Name: "get_weather"},
	}

	if _, err := newTestProvider(t, srv).Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	j := gjson.ParseBytes(body)
	checks := map[string]string{
		"systemInstruction.parts.0.text":                              "You are terse.",
		"contents.0.role":                                             "user",
		"contents.1.role":                                             "model",
		"contents.1.parts.0.text":                                     "Checking.",
		"contents.1.parts.1.functionCall.name":                        "get_weather",
		"contents.1.parts.1.functionCall.args.city":                   "Paris",
		"contents.2.parts.0.functionResponse.name":                    "get_weather",
		"contents.2.parts.0.functionResponse.response.output.temp":    "21",
		"generationConfig.maxOutputTokens":                            "128",
		"generationConfig.stopSequences.0":                            "END",
		"tools.0.functionDeclarations.0.name":                         "get_weather",
		"tools.0.functionDeclarations.0.parametersJsonSchema.type":    "object",
		"toolConfig.functionCallingConfig.mode":                       "ANY",
		"toolConfig.functionCallingConfig.allowedFunctionNames.0":     "get_weather",
	}
	for path, want := range checks {
		if got := j.Get(path).String(); got != want {
			t.Errorf("%s = %q, want %q\nbody: %s", path, got, want, body)
		}
	}
	if got := j.Get("generationConfig.temperature").Float(); got < 0.29 || got > 0.31 {
		t.Errorf("temperature = %v", got)
	}
	if j.Get("contents.1.parts.1.functionCall.id").Exists() {
		t.Error("function call ids must not be replayed upstream")
	}
}

func TestProvider_Generate_ErrorResult(t *testing.T) {
	var body []byte
	srv := captureServer(t, 200, textResponse, &body)

	req := baseRequest()
	req.Messages = append(req.Messages, providers.Message{Role: providers.RoleUser, Parts: []providers.Part{
		{Type: providers.PartToolResult, ToolUseID: "toolu_9", ToolName: "lookup", Result: "not found", IsError: true},
	}})
	if _, err := newTestProvider(t, srv).Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := gjson.GetBytes(body, "contents.1.parts.0.functionResponse.response.error").String(); got != "not found" {
		t.Fatalf("error result = %q\nbody: %s", got, body)
	}
}

func TestProvider_Generate_FunctionCall(t *testing.T) {
	srv := captureServer(t, 200, `{
  "candidates": [{"content": {"role": "model", "parts": [
     {"text": "thinking", "thought": true},
     {"functionCall": {"name": "get_weather", "args": {"city": "Paris"}}}
  ]}, "finishReason": "STOP"}]
}`, nil)

	resp, err := newTestProvider(t, srv).Generate(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(resp.Parts) != 1 || resp.Parts[0].Call == nil {
		t.Fatalf("parts = %+v", resp.Parts)
	}
	call := resp.Parts[0].Call
	if call.Name != "get_weather" || call.Args != `{"city":"Paris"}` || !call.Complete {
		t.Fatalf("call = %+v", call)
	}
}

func TestProvider_Generate_PromptBlocked(t *testing.T) {
	srv := captureServer(t, 200, `{"promptFeedback": {"blockReason": "SAFETY"}}`, nil)

	resp, err := newTestProvider(t, srv).Generate(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.BlockReason != "SAFETY" || len(resp.Parts) != 0 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestProvider_Generate_UpstreamErrors(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusBadRequest, "INVALID_ARGUMENT"},
		{http.StatusTooManyRequests, "RESOURCE_EXHAUSTED"},
		{http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			body := fmt.Sprintf(`{"error":{"code":%d,"message":"boom","status":%q}}`, tt.status, tt.code)
			srv := captureServer(t, tt.status, body, nil)

			_, err := newTestProvider(t, srv).Generate(context.Background(), baseRequest())
			var ue *providers.UpstreamError
			if !errors.As(err, &ue) {
				t.Fatalf("expected UpstreamError, got %T: %v", err, err)
			}
			if ue.StatusCode != tt.status || ue.Status != tt.code || ue.Message != "boom" || ue.Provider != "gemini" {
				t.Fatalf("unexpected error %+v", ue)
			}
		})
	}
}

func TestProvider_Stream(t *testing.T) {
	events := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"f","args":{"a":1}}}]},"finishReason":"STOP"}],` +
			`"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("expected alt=sse, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\r\n\r\n", e)
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	var (
		text   strings.Builder
		calls  []*providers.CallFragment
		finish providers.FinishReason
		usage  *providers.Usage
	)
	for c, err := range newTestProvider(t, srv).Stream(context.Background(), baseRequest()) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		for _, p := range c.Parts {
			if p.Call != nil {
				calls = append(calls, p.Call)
			}
			text.WriteString(p.Text)
		}
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
		if c.Usage != nil {
			usage = c.Usage
		}
	}

	if text.String() != "Hello" {
		t.Errorf("text = %q", text.String())
	}
	if len(calls) != 1 || calls[0].Name != "f" || calls[0].Args != `{"a":1}` {
		t.Errorf("calls = %+v", calls)
	}
	if finish != providers.FinishStop {
		t.Errorf("finish = %q", finish)
	}
	if usage == nil || usage.InputTokens != 4 || usage.OutputTokens != 6 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestProvider_Stream_UpstreamError(t *testing.T) {
	srv := captureServer(t, http.StatusTooManyRequests, `{"error":{"code":429,"message":"slow down","status":"RESOURCE_EXHAUSTED"}}`, nil)

	var got error
	for _, err := range newTestProvider(t, srv).Stream(context.Background(), baseRequest()) {
		if err != nil {
			got = err
			break
		}
	}
	var ue *providers.UpstreamError
	if !errors.As(got, &ue) || ue.HTTPStatus() != http.StatusTooManyRequests {
		t.Fatalf("expected 429 UpstreamError, got %v", got)
	}
}

func TestProvider_Synthesize(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	var body []byte
	srv := captureServer(t, 200, fmt.Sprintf(`{
  "candidates": [{"content": {"role": "model", "parts": [
    {"inlineData": {"mimeType": "audio/L16;codec=pcm;rate=24000", "data": %q}},
    {"inlineData": {"mimeType": "audio/L16;codec=pcm;rate=24000", "data": %q}}
  ]}, "finishReason": "STOP"}]
}`, base64.StdEncoding.EncodeToString(pcm[:4]), base64.StdEncoding.EncodeToString(pcm[4:])), &body)

	p := newTestProvider(t, srv, WithVoice("Puck"))
	speech, err := p.Synthesize(context.Background(), &providers.SpeechRequest{Text: "Say hi"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(speech.PCM) != string(pcm) {
		t.Errorf("pcm = %v", speech.PCM)
	}
	if speech.SampleRate != 24000 {
		t.Errorf("sample rate = %d", speech.SampleRate)
	}

	j := gjson.ParseBytes(body)
	if got := j.Get("generationConfig.responseModalities.0").String(); got != "AUDIO" {
		t.Errorf("responseModalities = %q", got)
	}
	if got := j.Get("generationConfig.speechConfig.voiceConfig.prebuiltVoiceConfig.voiceName").String(); got != "Puck" {
		t.Errorf("voice = %q\nbody: %s", got, body)
	}
}

func TestProvider_Synthesize_TwoSpeakers(t *testing.T) {
	var body []byte
	srv := captureServer(t, 200, `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"audio/L16;rate=24000","data":"AQA="}}]}}]}`, &body)

	_, err := newTestProvider(t, srv).Synthesize(context.Background(), &providers.SpeechRequest{
		Text:        "Speaker 1: hi\nSpeaker 2: hello",
		Voice:       "Kore",
		SecondVoice: "Puck",
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	speakers := gjson.GetBytes(body, "generationConfig.speechConfig.multiSpeakerVoiceConfig.speakerVoiceConfigs")
	if n := len(speakers.Array()); n != 2 {
		t.Fatalf("speaker configs = %d\nbody: %s", n, body)
	}
	if speakers.Get("1.speaker").String() != SpeakerTwo || speakers.Get("1.voiceConfig.prebuiltVoiceConfig.voiceName").String() != "Puck" {
		t.Fatalf("second speaker = %s", speakers.Get("1").Raw)
	}
}

func TestProvider_Synthesize_NoAudio(t *testing.T) {
	srv := captureServer(t, 200, `{"candidates":[{"content":{"parts":[{"text":"sorry"}]}}]}`, nil)

	_, err := newTestProvider(t, srv).Synthesize(context.Background(), &providers.SpeechRequest{Text: "x"})
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	tests := []struct {
		in, base, ver string
	}{
		{"https://generativelanguage.googleapis.com/v1beta", "https://generativelanguage.googleapis.com/", "v1beta"},
		{"http://127.0.0.1:8080", "http://127.0.0.1:8080/", ""},
		{"http://proxy.local/gemini/v1", "http://proxy.local/gemini/", "v1"},
		{"http://proxy.local/gemini", "http://proxy.local/gemini/", ""},
	}
	for _, tt := range tests {
		base, ver := splitBaseURLAndVersion(tt.in)
		if base != tt.base || ver != tt.ver {
			t.Errorf("splitBaseURLAndVersion(%q) = %q, %q; want %q, %q", tt.in, base, ver, tt.base, tt.ver)
		}
	}
}

func callEvent(fc *genai.FunctionCall, finish genai.FinishReason) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content:      &genai.Content{Role: "model", Parts: []*genai.Part{{FunctionCall: fc}}},
		FinishReason: finish,
	}}}
}

func TestChunkFrom_NameThenArgs(t *testing.T) {
	stream := []*genai.GenerateContentResponse{
		callEvent(&genai.FunctionCall{Name: "f"}, ""),
		callEvent(&genai.FunctionCall{Args: map[string]any{"a": 1}}, ""),
		{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonStop}}},
	}

	tr := transform.New(transform.Options{Model: "claude-sonnet-4-5"})
	var (
		events []transform.Event
		deltas []string
	)
	for _, resp := range stream {
		c := chunkFrom(resp)
		if c == nil {
			continue
		}
		for _, e := range tr.Transform(c) {
			events = append(events, e)
			if e.Delta != nil && e.Delta.Type == transform.DeltaInputJSON {
				deltas = append(deltas, e.Delta.PartialJSON)
			}
		}
	}

	if got := strings.Join(deltas, ""); got != `{"a":1}` {
		t.Fatalf("input_json_delta payloads = %q, joined %q", deltas, got)
	}
	msg := transform.Accumulate(events)
	if len(msg.Content) != 1 || msg.Content[0].Name != "f" || string(msg.Content[0].Input) != `{"a":1}` {
		t.Errorf("content = %+v", msg.Content)
	}
	if msg.StopReason != transform.StopToolUse {
		t.Errorf("stop = %q", msg.StopReason)
	}
}

func TestPartsFrom_NoArgs(t *testing.T) {
	cand := callEvent(&genai.FunctionCall{Name: "ping"}, genai.FinishReasonStop).Candidates[0]

	if c := chunkFrom(callEvent(&genai.FunctionCall{Name: "ping"}, "")); c.Parts[0].Call.Args != "" {
		t.Errorf("stream args = %q, want none", c.Parts[0].Call.Args)
	}
	if parts := partsFrom(cand, "{}"); parts[0].Call.Args != "{}" {
		t.Errorf("response args = %q, want {}", parts[0].Call.Args)
	}
}
