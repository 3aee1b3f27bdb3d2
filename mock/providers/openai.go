package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

type openaiRequest struct {
	Model         string `json:"model"`
	Stream        bool   `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	Tools []struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools"`
}

// toolToCall returns the first declared function unless the conversation
// already ends with a tool result.
func (r openaiRequest) toolToCall() string {
	if len(r.Tools) == 0 {
		return ""
	}
	if n := len(r.Messages); n > 0 && r.Messages[n-1].Role == "tool" {
		return ""
	}
	return r.Tools[0].Function.Name
}

// newOpenAIHandler returns an http.Handler that simulates the OpenAI chat
// completions API, the bridge's fallback upstream.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusServiceUnavailable, "mock: upstream overloaded", "server_error")
			return
		}

		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}
		if req.Model == "" {
			req.Model = "gpt-4o-mini"
		}

		c := completion{
			id:    fmt.Sprintf("chatcmpl-mock%x", rand.Int64()),
			model: req.Model,
			text:  fakeSentence(cfg.StreamWords),
			tool:  req.toolToCall(),
			usage: map[string]int{
				"prompt_tokens":     10,
				"completion_tokens": cfg.StreamWords,
				"total_tokens":      10 + cfg.StreamWords,
			},
		}
		if req.Stream {
			c.stream(w, req.StreamOptions.IncludeUsage)
			return
		}
		writeJSON(w, http.StatusOK, c.full())
	})

	// Listed by the health check.
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "created": 1710000000, "owned_by": "openai"},
				{"id": "gpt-4o-mini", "object": "model", "created": 1710000000, "owned_by": "openai"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

type completion struct {
	id, model string
	text      string
	tool      string
	usage     map[string]int
}

func (c completion) envelope(object string, choices any) map[string]any {
	return map[string]any{
		"id":      c.id,
		"object":  object,
		"created": time.Now().Unix(),
		"model":   c.model,
		"choices": choices,
	}
}

func (c completion) toolCall(args string) map[string]any {
	return map[string]any{
		"index":    0,
		"id":       "call_" + c.id[len(c.id)-8:],
		"type":     "function",
		"function": map[string]string{"name": c.tool, "arguments": args},
	}
}

func (c completion) full() map[string]any {
	msg := map[string]any{"role": "assistant", "content": c.text}
	finish := "stop"
	if c.tool != "" {
		msg["content"] = nil
		msg["tool_calls"] = []any{c.toolCall(`{"query":"` + fakeSentence(2) + `"}`)}
		finish = "tool_calls"
	}
	out := c.envelope("chat.completion", []any{map[string]any{
		"index": 0, "message": msg, "finish_reason": finish,
	}})
	out["usage"] = c.usage
	return out
}

// stream writes the completion as chunks: one per word, or the tool call with
// its arguments split in two, then the finish chunk and [DONE].
func (c completion) stream(w http.ResponseWriter, includeUsage bool) {
	write := sseStream(w)
	delta := func(d map[string]any, finish any) {
		write(c.envelope("chat.completion.chunk", []any{map[string]any{
			"index": 0, "delta": d, "finish_reason": finish,
		}}))
	}

	finish := "stop"
	if c.tool != "" {
		first := c.toolCall(`{"query":`)
		delta(map[string]any{"role": "assistant", "tool_calls": []any{first}}, nil)
		delta(map[string]any{"tool_calls": []any{map[string]any{
			"index":    0,
			"function": map[string]string{"arguments": `"mock"}`},
		}}}, nil)
		finish = "tool_calls"
	} else {
		for i, word := range strings.Fields(c.text) {
			if i > 0 {
				word = " " + word
			}
			delta(map[string]any{"content": word}, nil)
		}
	}
	delta(map[string]any{}, finish)

	if includeUsage {
		out := c.envelope("chat.completion.chunk", []any{})
		out["usage"] = c.usage
		write(out)
	}
	write("[DONE]")
}
