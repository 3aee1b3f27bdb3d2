// Package providers defines the canonical request, chunk and response types
// shared by the upstream adapters (Gemini, OpenAI-compatible) and the
// protocol translators that sit in front of them.
//
// Each upstream lives in its own sub-package and implements Provider. The
// Gemini adapter additionally implements SpeechSynthesizer.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PartType tags the content carried by a Part.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// FinishReason is the upstream stop signal normalized across providers.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishSafety    FinishReason = "safety"
	FinishToolCalls FinishReason = "tool_calls"
	FinishOther     FinishReason = "other"
)

type (
	// Part is one piece of message content.
	Part struct {
		Type PartType

		Text string

		// Image
		MediaType string
		Data      string // base64

		// Tool use / tool result
		ToolUseID string
		ToolName  string
		Input     json.RawMessage
		Result    string
		IsError   bool
	}

	// Message is a single turn in a conversation.
	Message struct {
		Role  string
		Parts []Part
	}

	// Tool is a function the model may call. Schema is a JSON Schema object
	// already cleaned for the upstream.
	Tool struct {
		Name        string
		Description string
		Schema      json.RawMessage
	}

	// ToolChoice restricts tool use. Mode is one of auto, any, none, tool;
	// Name is set only for tool.
	ToolChoice struct {
		Mode string
		Name string
	}

	// ChatRequest is the normalized client request.
	ChatRequest struct {
		Model         string
		System        string
		Messages      []Message
		MaxTokens     int
		Temperature   *float64
		TopP          *float64
		TopK          *int
		StopSequences []string
		Stream        bool
		Tools         []Tool
		ToolChoice    *ToolChoice
		RequestID     string
	}

	// Usage is token accounting reported by the upstream.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// CallFragment is a whole or partial function call. Upstreams that
	// stream arguments send the name first and argument text afterwards;
	// Complete is set when the fragment carries the entire call.
	CallFragment struct {
		ID       string
		Name     string
		Args     string
		Complete bool
	}

	// ChunkPart is either text or a call fragment.
	ChunkPart struct {
		Text string
		Call *CallFragment
	}

	// Chunk is one upstream stream event.
	Chunk struct {
		Parts        []ChunkPart
		FinishReason FinishReason
		Usage        *Usage
	}

	// Response is a complete, non-streamed upstream result. BlockReason is
	// set when the upstream refused the prompt and produced no candidates.
	Response struct {
		ID           string
		Model        string
		Parts        []ChunkPart
		FinishReason FinishReason
		Usage        *Usage
		BlockReason  string
	}

	// SpeechRequest asks for one synthesis call. SecondVoice switches the
	// upstream to two-speaker mode.
	SpeechRequest struct {
		Text        string
		Model       string
		Voice       string
		SecondVoice string
	}

	// Speech is raw PCM returned by the upstream.
	Speech struct {
		PCM        []byte
		MIMEType   string
		SampleRate int
	}
)

// Provider is an upstream chat backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *ChatRequest) (*Response, error)
	// Stream yields chunks in arrival order. Breaking out of the loop
	// releases the upstream connection.
	Stream(ctx context.Context, req *ChatRequest) iter.Seq2[*Chunk, error]
	HealthCheck(ctx context.Context) error
}

// SpeechSynthesizer is implemented by upstreams with a speech model.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req *SpeechRequest) (*Speech, error)
}

// ModelAliases maps upstream-native model names to the upstream serving them.
// Any other model name (including Anthropic model ids sent by Claude clients)
// is served by the default upstream with its default model.
var ModelAliases = map[string]string{
	// ─── Google AI Studio ─────────────────────────────────────────────────────
	"gemini-2.0-flash":      "gemini",
	"gemini-2.0-flash-lite": "gemini",
	"gemini-2.5-pro":        "gemini",
	"gemini-2.5-flash":      "gemini",
	"gemini-2.5-flash-lite": "gemini",
	"gemini-3-pro-preview":  "gemini",
	"gemini-flash-latest":   "gemini",
	"gemini-pro-latest":     "gemini",

	// ─── OpenAI-compatible ────────────────────────────────────────────────────
	"gpt-4o":       "openai",
	"gpt-4o-mini":  "openai",
	"gpt-4.1":      "openai",
	"gpt-4.1-mini": "openai",
	"o3-mini":      "openai",
	"o4-mini":      "openai",
}

// DefaultModels is what each upstream runs when the requested model is not
// one of its own (e.g. a claude-* id, or a failover from another upstream).
var DefaultModels = map[string]string{
	"gemini": "gemini-2.5-flash",
	"openai": "gpt-4o-mini",
}

// DefaultFallbackOrder is the upstream failover sequence.
var DefaultFallbackOrder = []string{
	"gemini",
	"openai",
}

// Default circuit breaker and failover constants.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
	MaxRetries        = 2
	ProviderTimeout   = 120 * time.Second
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// UpstreamError is a structured error returned by an upstream API.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Status     string // upstream status string, e.g. RESOURCE_EXHAUSTED
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Status)
}

// HTTPStatus implements StatusCoder.
func (e *UpstreamError) HTTPStatus() int { return e.StatusCode }
