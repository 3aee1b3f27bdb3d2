package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

// MessagesRequest is the body of POST /v1/messages.
type MessagesRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []InputMessage  `json:"messages"`
	System        Content         `json:"system,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []ToolDef       `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Metadata      *RequestMeta    `json:"metadata,omitempty"`
	Thinking      json.RawMessage `json:"thinking,omitempty"`
}

type RequestMeta struct {
	UserID string `json:"user_id,omitempty"`
}

type InputMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content is either a bare string or a list of content blocks on the wire.
type Content []ContentBlock

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{{Type: "text", Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// Text joins the text blocks.
func (c Content) Text() string {
	var parts []string
	for _, b := range c {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   Content         `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// FromAnthropic validates req and converts it. Tool results whose tool_use
// is not part of this request get their name from resolve.
func FromAnthropic(ctx context.Context, req *MessagesRequest, resolve ToolNameResolver) (*providers.ChatRequest, error) {
	if req.MaxTokens <= 0 {
		return nil, invalid("max_tokens", "must be a positive integer")
	}
	return fromAnthropic(ctx, req, resolve)
}

// CountTokens estimates the input tokens of req without requiring
// max_tokens, for /v1/messages/count_tokens.
func CountTokens(ctx context.Context, req *MessagesRequest) (int, error) {
	out, err := fromAnthropic(ctx, req, nil)
	if err != nil {
		return 0, err
	}
	return EstimateInputTokens(out), nil
}

func fromAnthropic(ctx context.Context, req *MessagesRequest, resolve ToolNameResolver) (*providers.ChatRequest, error) {
	if len(req.Messages) == 0 {
		return nil, invalid("messages", "at least one message is required")
	}

	out := &providers.ChatRequest{
		Model:         req.Model,
		System:        req.System.Text(),
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
	}

	names := newToolNames(ctx, resolve)
	for i, m := range req.Messages {
		field := fmt.Sprintf("messages[%d]", i)
		var role string
		switch m.Role {
		case "user":
			role = providers.RoleUser
		case "assistant":
			role = providers.RoleAssistant
		default:
			return nil, invalid(field+".role", "must be \"user\" or \"assistant\", got %q", m.Role)
		}
		if len(m.Content) == 0 {
			return nil, invalid(field+".content", "must not be empty")
		}

		msg := providers.Message{Role: role}
		for j, b := range m.Content {
			part, ok, err := anthropicPart(b, fmt.Sprintf("%s.content[%d]", field, j), names)
			if err != nil {
				return nil, err
			}
			if ok {
				msg.Parts = append(msg.Parts, part)
			}
		}
		out.Messages = append(out.Messages, msg)
	}

	tools, err := anthropicTools(req.Tools)
	if err != nil {
		return nil, err
	}
	out.Tools = tools

	if tc := req.ToolChoice; tc != nil {
		switch tc.Type {
		case "auto", "any", "none":
			out.ToolChoice = &providers.ToolChoice{Mode: tc.Type}
		case "tool":
			if tc.Name == "" {
				return nil, invalid("tool_choice.name", "is required when type is \"tool\"")
			}
			out.ToolChoice = &providers.ToolChoice{Mode: "tool", Name: tc.Name}
		default:
			return nil, invalid("tool_choice.type", "unsupported value %q", tc.Type)
		}
	}

	return out, nil
}

func anthropicPart(b ContentBlock, field string, names *toolNames) (providers.Part, bool, error) {
	switch b.Type {
	case "text":
		if b.Text == "" {
			return providers.Part{}, false, nil
		}
		return providers.Part{Type: providers.PartText, Text: b.Text}, true, nil

	case "image":
		if b.Source == nil || b.Source.Type != "base64" {
			return providers.Part{}, false, invalid(field+".source", "only base64 image sources are supported")
		}
		if b.Source.MediaType == "" || b.Source.Data == "" {
			return providers.Part{}, false, invalid(field+".source", "media_type and data are required")
		}
		return providers.Part{Type: providers.PartImage, MediaType: b.Source.MediaType, Data: b.Source.Data}, true, nil

	case "tool_use":
		if b.ID == "" {
			return providers.Part{}, false, invalid(field+".id", "is required")
		}
		if b.Name == "" {
			return providers.Part{}, false, invalid(field+".name", "is required")
		}
		input := b.Input
		if len(bytes.TrimSpace(input)) == 0 {
			input = json.RawMessage("{}")
		}
		names.remember(b.ID, b.Name)
		return providers.Part{Type: providers.PartToolUse, ToolUseID: b.ID, ToolName: b.Name, Input: input}, true, nil

	case "tool_result":
		if b.ToolUseID == "" {
			return providers.Part{}, false, invalid(field+".tool_use_id", "is required")
		}
		return providers.Part{
			Type:      providers.PartToolResult,
			ToolUseID: b.ToolUseID,
			ToolName:  names.lookup(b.ToolUseID),
			Result:    b.Content.Text(),
			IsError:   b.IsError,
		}, true, nil

	case "thinking", "redacted_thinking":
		return providers.Part{}, false, nil

	default:
		return providers.Part{}, false, invalid(field+".type", "unsupported content block type %q", b.Type)
	}
}

func anthropicTools(defs []ToolDef) ([]providers.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]providers.Tool, 0, len(defs))
	for i, d := range defs {
		if d.Name == "" {
			return nil, invalid(fmt.Sprintf("tools[%d].name", i), "is required")
		}
		schema, err := CleanSchema(d.InputSchema)
		if err != nil {
			return nil, invalid(fmt.Sprintf("tools[%d].input_schema", i), "%v", err)
		}
		tools = append(tools, providers.Tool{Name: d.Name, Description: d.Description, Schema: schema})
	}
	return tools, nil
}
