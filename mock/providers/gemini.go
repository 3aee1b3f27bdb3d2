package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler simulating the Gemini API as the
// genai SDK calls it:
//
//	POST {base}/models/{model}:generateContent
//	POST {base}/models/{model}:streamGenerateContent?alt=sse
//	GET  {base}/models           (list models, used by the health check)
//
// Requests that declare tools get a functionCall for the first tool unless
// the last turn already carries a functionResponse. Requests asking for the
// AUDIO modality get silent 24 kHz PCM sized to the input text.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		model := extractModel(path)

		stream := strings.HasSuffix(path, ":streamGenerateContent")
		if !stream && !strings.HasSuffix(path, ":generateContent") {
			writeGeminiError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("mock: unknown path %s", path))
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeGeminiError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "mock: model overloaded")
			return
		}

		var req geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeGeminiError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "mock: invalid request body")
			return
		}

		switch {
		case req.wantsAudio():
			writeJSON(w, http.StatusOK, geminiAudioResponse(req.lastText(), model))
		case stream:
			serveGeminiStream(w, req, cfg, model)
		default:
			writeJSON(w, http.StatusOK, geminiResponse(geminiParts(req, cfg), "STOP", cfg.StreamWords, model))
		}
	})

	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-2.5-flash", "displayName": "Gemini 2.5 Flash"},
				{"name": "models/gemini-2.5-pro", "displayName": "Gemini 2.5 Pro"},
				{"name": "models/gemini-2.5-flash-preview-tts", "displayName": "Gemini 2.5 Flash TTS"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

type geminiPart struct {
	Text             string         `json:"text,omitempty"`
	FunctionCall     map[string]any `json:"functionCall,omitempty"`
	FunctionResponse map[string]any `json:"functionResponse,omitempty"`
}

type geminiRequest struct {
	Contents []struct {
		Role  string       `json:"role"`
		Parts []geminiPart `json:"parts"`
	} `json:"contents"`
	Tools []struct {
		FunctionDeclarations []struct {
			Name string `json:"name"`
		} `json:"functionDeclarations"`
	} `json:"tools"`
	GenerationConfig struct {
		ResponseModalities []string `json:"responseModalities"`
	} `json:"generationConfig"`
}

func (r geminiRequest) wantsAudio() bool {
	for _, m := range r.GenerationConfig.ResponseModalities {
		if strings.EqualFold(m, "AUDIO") {
			return true
		}
	}
	return false
}

func (r geminiRequest) lastText() string {
	if len(r.Contents) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Contents[len(r.Contents)-1].Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// toolToCall returns the function the mock should call, or "".
func (r geminiRequest) toolToCall() string {
	if len(r.Contents) > 0 {
		for _, p := range r.Contents[len(r.Contents)-1].Parts {
			if p.FunctionResponse != nil {
				return ""
			}
		}
	}
	for _, t := range r.Tools {
		if len(t.FunctionDeclarations) > 0 {
			return t.FunctionDeclarations[0].Name
		}
	}
	return ""
}

func geminiParts(req geminiRequest, cfg Config) []geminiPart {
	if name := req.toolToCall(); name != "" {
		return []geminiPart{{FunctionCall: map[string]any{
			"name": name,
			"args": map[string]any{"query": fakeSentence(3)},
		}}}
	}
	return []geminiPart{{Text: fakeSentence(cfg.StreamWords)}}
}

func geminiResponse(parts []geminiPart, finish string, outTokens int, model string) map[string]any {
	candidate := map[string]any{
		"content": map[string]any{"role": "model", "parts": parts},
		"index":   0,
	}
	if finish != "" {
		candidate["finishReason"] = finish
	}
	return map[string]any{
		"candidates": []any{candidate},
		"usageMetadata": map[string]int{
			"promptTokenCount":     10,
			"candidatesTokenCount": outTokens,
			"totalTokenCount":      10 + outTokens,
		},
		"responseId":   fmt.Sprintf("gemini-%x", rand.Int64()),
		"modelVersion": model,
	}
}

// serveGeminiStream writes one SSE frame per word; the last one carries the
// finish reason. A function call arrives whole in a single frame.
func serveGeminiStream(w http.ResponseWriter, req geminiRequest, cfg Config, model string) {
	write := sseStream(w)
	parts := geminiParts(req, cfg)
	if parts[0].FunctionCall != nil {
		write(geminiResponse(parts, "STOP", 5, model))
		return
	}

	words := strings.Fields(parts[0].Text)
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		finish := ""
		if i == len(words)-1 {
			finish = "STOP"
		}
		write(geminiResponse([]geminiPart{{Text: word}}, finish, i+1, model))
	}
}

func geminiAudioResponse(text, model string) map[string]any {
	// 24 kHz, 16-bit mono: 60 ms of silence per character.
	pcm := make([]byte, 2880*max(len(text), 1))
	return map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{
				"role": "model",
				"parts": []map[string]any{{
					"inlineData": map[string]string{
						"mimeType": "audio/L16;codec=pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString(pcm),
					},
				}},
			},
			"finishReason": "STOP",
			"index":        0,
		}},
		"modelVersion": model,
	}
}

func writeGeminiError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  code,
		},
	})
}

// extractModel pulls the model name out of a path like
// /v1beta/models/gemini-2.5-flash:generateContent
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.5-flash"
}
