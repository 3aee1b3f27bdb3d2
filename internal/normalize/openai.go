package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model               string          `json:"model"`
	Messages            []ChatMessage   `json:"messages"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *StreamOptions  `json:"stream_options,omitempty"`
	Tools               []ChatTool      `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	User                string          `json:"user,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// WantsUsage reports whether the client asked for a trailing usage chunk.
func (r *ChatCompletionRequest) WantsUsage() bool {
	return r.StreamOptions != nil && r.StreamOptions.IncludeUsage
}

type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ChatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type ChatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

type ChatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ChatTool struct {
	Type     string          `json:"type"`
	Function ChatFunctionDef `json:"function"`
}

type ChatFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// FromOpenAI validates req and converts it. System and developer messages
// become the system prompt; consecutive tool messages are merged into one
// user turn of tool results.
func FromOpenAI(ctx context.Context, req *ChatCompletionRequest, resolve ToolNameResolver) (*providers.ChatRequest, error) {
	if len(req.Messages) == 0 {
		return nil, invalid("messages", "at least one message is required")
	}

	out := &providers.ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	switch {
	case req.MaxCompletionTokens != nil:
		out.MaxTokens = *req.MaxCompletionTokens
	case req.MaxTokens != nil:
		out.MaxTokens = *req.MaxTokens
	}
	if out.MaxTokens < 0 {
		return nil, invalid("max_tokens", "must not be negative")
	}

	stop, err := parseStop(req.Stop)
	if err != nil {
		return nil, err
	}
	out.StopSequences = stop

	var system []string
	names := newToolNames(ctx, resolve)
	for i, m := range req.Messages {
		field := fmt.Sprintf("messages[%d]", i)
		switch m.Role {
		case "system", "developer":
			parts, err := chatContent(m.Content, field+".content")
			if err != nil {
				return nil, err
			}
			for _, p := range parts {
				if p.Type == providers.PartText {
					system = append(system, p.Text)
				}
			}

		case "user":
			parts, err := chatContent(m.Content, field+".content")
			if err != nil {
				return nil, err
			}
			if len(parts) == 0 {
				return nil, invalid(field+".content", "must not be empty")
			}
			out.Messages = append(out.Messages, providers.Message{Role: providers.RoleUser, Parts: parts})

		case "assistant":
			parts, err := chatContent(m.Content, field+".content")
			if err != nil {
				return nil, err
			}
			for j, tc := range m.ToolCalls {
				tcField := fmt.Sprintf("%s.tool_calls[%d]", field, j)
				if tc.ID == "" || tc.Function.Name == "" {
					return nil, invalid(tcField, "id and function.name are required")
				}
				args := strings.TrimSpace(tc.Function.Arguments)
				if args == "" {
					args = "{}"
				}
				if !json.Valid([]byte(args)) {
					return nil, invalid(tcField+".function.arguments", "must be a JSON object")
				}
				names.remember(tc.ID, tc.Function.Name)
				parts = append(parts, providers.Part{
					Type:      providers.PartToolUse,
					ToolUseID: tc.ID,
					ToolName:  tc.Function.Name,
					Input:     json.RawMessage(args),
				})
			}
			if len(parts) == 0 {
				continue
			}
			out.Messages = append(out.Messages, providers.Message{Role: providers.RoleAssistant, Parts: parts})

		case "tool":
			if m.ToolCallID == "" {
				return nil, invalid(field+".tool_call_id", "is required")
			}
			parts, err := chatContent(m.Content, field+".content")
			if err != nil {
				return nil, err
			}
			var text []string
			for _, p := range parts {
				text = append(text, p.Text)
			}
			result := providers.Part{
				Type:      providers.PartToolResult,
				ToolUseID: m.ToolCallID,
				ToolName:  names.lookup(m.ToolCallID),
				Result:    strings.Join(text, "\n"),
			}
			if n := len(out.Messages); n > 0 && isToolResultTurn(out.Messages[n-1]) {
				out.Messages[n-1].Parts = append(out.Messages[n-1].Parts, result)
				continue
			}
			out.Messages = append(out.Messages, providers.Message{Role: providers.RoleUser, Parts: []providers.Part{result}})

		default:
			return nil, invalid(field+".role", "unsupported role %q", m.Role)
		}
	}
	out.System = strings.Join(system, "\n")
	if len(out.Messages) == 0 {
		return nil, invalid("messages", "at least one user or assistant message is required")
	}

	for i, t := range req.Tools {
		field := fmt.Sprintf("tools[%d]", i)
		if t.Type != "" && t.Type != "function" {
			return nil, invalid(field+".type", "only function tools are supported")
		}
		if t.Function.Name == "" {
			return nil, invalid(field+".function.name", "is required")
		}
		schema, err := CleanSchema(t.Function.Parameters)
		if err != nil {
			return nil, invalid(field+".function.parameters", "%v", err)
		}
		out.Tools = append(out.Tools, providers.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Schema:      schema,
		})
	}

	tc, err := parseChatToolChoice(req.ToolChoice)
	if err != nil {
		return nil, err
	}
	out.ToolChoice = tc

	return out, nil
}

func isToolResultTurn(m providers.Message) bool {
	if m.Role != providers.RoleUser || len(m.Parts) == 0 {
		return false
	}
	for _, p := range m.Parts {
		if p.Type != providers.PartToolResult {
			return false
		}
	}
	return true
}

// chatContent decodes a string or an array of text/image_url parts.
func chatContent(raw json.RawMessage, field string) ([]providers.Part, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, invalid(field, "invalid string: %v", err)
		}
		if s == "" {
			return nil, nil
		}
		return []providers.Part{{Type: providers.PartText, Text: s}}, nil
	}

	var items []chatContentPart
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, invalid(field, "must be a string or an array of content parts")
	}
	parts := make([]providers.Part, 0, len(items))
	for j, it := range items {
		switch it.Type {
		case "text":
			if it.Text != "" {
				parts = append(parts, providers.Part{Type: providers.PartText, Text: it.Text})
			}
		case "image_url":
			if it.ImageURL == nil {
				return nil, invalid(fmt.Sprintf("%s[%d].image_url", field, j), "is required")
			}
			mediaType, data, ok := parseDataURL(it.ImageURL.URL)
			if !ok {
				return nil, invalid(fmt.Sprintf("%s[%d].image_url.url", field, j), "only base64 data URLs are supported")
			}
			parts = append(parts, providers.Part{Type: providers.PartImage, MediaType: mediaType, Data: data})
		default:
			return nil, invalid(fmt.Sprintf("%s[%d].type", field, j), "unsupported content part type %q", it.Type)
		}
	}
	return parts, nil
}

// parseDataURL splits "data:image/png;base64,AAAA".
func parseDataURL(u string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found || data == "" {
		return "", "", false
	}
	mediaType, found = strings.CutSuffix(meta, ";base64")
	if !found || mediaType == "" {
		return "", "", false
	}
	return mediaType, data, true
}

func parseStop(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, invalid("stop", "invalid string")
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, invalid("stop", "must be a string or an array of strings")
	}
	return list, nil
}

func parseChatToolChoice(raw json.RawMessage) (*providers.ToolChoice, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		_ = json.Unmarshal(raw, &s)
		switch s {
		case "auto", "none":
			return &providers.ToolChoice{Mode: s}, nil
		case "required":
			return &providers.ToolChoice{Mode: "any"}, nil
		default:
			return nil, invalid("tool_choice", "unsupported value %q", s)
		}
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || named.Function.Name == "" {
		return nil, invalid("tool_choice.function.name", "is required")
	}
	return &providers.ToolChoice{Mode: "tool", Name: named.Function.Name}, nil
}
