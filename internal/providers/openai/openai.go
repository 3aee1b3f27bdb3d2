// Package openai adapts any OpenAI-compatible chat completions endpoint to
// the provider interface.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	client     openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient replaces the HTTP client used by the SDK.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}

	for _, o := range opts {
		o(p)
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{}
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(p.httpClient),
		// Retries and failover are handled by the proxy.
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Generate(ctx context.Context, req *providers.ChatRequest) (*providers.Response, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &providers.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: &providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out, nil
	}

	c := resp.Choices[0]
	if c.Message.Content != "" {
		out.Parts = append(out.Parts, providers.ChunkPart{Text: c.Message.Content})
	}
	for _, tc := range c.Message.ToolCalls {
		if tc.Type != "function" {
			continue
		}
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out.Parts = append(out.Parts, providers.ChunkPart{Call: &providers.CallFragment{
			ID:       tc.ID,
			Name:     tc.Function.Name,
			Args:     args,
			Complete: true,
		}})
	}
	out.FinishReason = mapFinishReason(c.FinishReason)
	return out, nil
}

// Stream yields text and tool-call deltas as they arrive. The finish reason
// is held back until the trailing usage chunk so both land in one chunk.
func (p *Provider) Stream(ctx context.Context, req *providers.ChatRequest) iter.Seq2[*providers.Chunk, error] {
	return func(yield func(*providers.Chunk, error) bool) {
		params, err := buildParams(req)
		if err != nil {
			yield(nil, fmt.Errorf("openai: %w", err))
			return
		}
		params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
			IncludeUsage: openaiSDK.Bool(true),
		}

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		var (
			finish providers.FinishReason
			usage  *providers.Usage
		)
		for stream.Next() {
			chunk := stream.Current()
			if chunk.JSON.Usage.Valid() && chunk.Usage.TotalTokens > 0 {
				usage = &providers.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finish = mapFinishReason(choice.FinishReason)
			}

			out := &providers.Chunk{}
			if choice.Delta.Content != "" {
				out.Parts = append(out.Parts, providers.ChunkPart{Text: choice.Delta.Content})
			}
			for _, tc := range choice.Delta.ToolCalls {
				out.Parts = append(out.Parts, providers.ChunkPart{Call: &providers.CallFragment{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: tc.Function.Arguments,
				}})
			}
			if len(out.Parts) == 0 {
				continue
			}
			if !yield(out, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(nil, toProviderError(err))
			return
		}

		if finish == "" && usage == nil {
			return
		}
		if finish == "" {
			finish = providers.FinishStop
		}
		yield(&providers.Chunk{FinishReason: finish, Usage: usage}, nil)
	}
}

func buildParams(req *providers.ChatRequest) (openaiSDK.ChatCompletionNewParams, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.System))
	}
	for i, m := range req.Messages {
		converted, err := convertMessage(m)
		if err != nil {
			return openaiSDK.ChatCompletionNewParams{}, fmt.Errorf("messages[%d]: %w", i, err)
		}
		msgs = append(msgs, converted...)
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: req.StopSequences}
	}

	if len(req.Tools) > 0 {
		tools := make([]openaiSDK.ChatCompletionToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			def := openaiSDK.FunctionDefinitionParam{Name: t.Name}
			if t.Description != "" {
				def.Description = openaiSDK.String(t.Description)
			}
			if len(t.Schema) > 0 {
				var schema openaiSDK.FunctionParameters
				if err := json.Unmarshal(t.Schema, &schema); err != nil {
					return openaiSDK.ChatCompletionNewParams{}, fmt.Errorf("tool %s schema: %w", t.Name, err)
				}
				def.Parameters = schema
			}
			tools = append(tools, openaiSDK.ChatCompletionFunctionTool(def))
		}
		params.Tools = tools
		if tc := toolChoice(req.ToolChoice); tc != nil {
			params.ToolChoice = *tc
		}
	}

	return params, nil
}

// convertMessage may return several messages: tool results become one tool
// message each.
func convertMessage(m providers.Message) ([]openaiSDK.ChatCompletionMessageParamUnion, error) {
	if m.Role == providers.RoleAssistant {
		var (
			text  string
			calls []openaiSDK.ChatCompletionMessageToolCallUnionParam
		)
		for _, p := range m.Parts {
			switch p.Type {
			case providers.PartText:
				text += p.Text
			case providers.PartToolUse:
				args := string(p.Input)
				if args == "" {
					args = "{}"
				}
				calls = append(calls, openaiSDK.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openaiSDK.ChatCompletionMessageFunctionToolCallParam{
						ID: p.ToolUseID,
						Function: openaiSDK.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      p.ToolName,
							Arguments: args,
						},
					},
				})
			}
		}
		var msg openaiSDK.ChatCompletionAssistantMessageParam
		if text != "" {
			msg.Content.OfString = openaiSDK.String(text)
		}
		msg.ToolCalls = calls
		return []openaiSDK.ChatCompletionMessageParamUnion{{OfAssistant: &msg}}, nil
	}

	var (
		out     []openaiSDK.ChatCompletionMessageParamUnion
		content []openaiSDK.ChatCompletionContentPartUnionParam
	)
	for _, p := range m.Parts {
		switch p.Type {
		case providers.PartText:
			content = append(content, openaiSDK.TextContentPart(p.Text))
		case providers.PartImage:
			if _, err := base64.StdEncoding.DecodeString(p.Data); err != nil {
				return nil, fmt.Errorf("image data: %w", err)
			}
			content = append(content, openaiSDK.ImageContentPart(openaiSDK.ChatCompletionContentPartImageImageURLParam{
				URL: "data:" + p.MediaType + ";base64," + p.Data,
			}))
		case providers.PartToolResult:
			result := p.Result
			if p.IsError && result == "" {
				result = "error"
			}
			out = append(out, openaiSDK.ToolMessage(result, p.ToolUseID))
		}
	}
	if len(content) > 0 {
		out = append(out, openaiSDK.UserMessage(content))
	}
	return out, nil
}

func toolChoice(tc *providers.ToolChoice) *openaiSDK.ChatCompletionToolChoiceOptionUnionParam {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case "any":
		return &openaiSDK.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openaiSDK.String("required")}
	case "none":
		return &openaiSDK.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openaiSDK.String("none")}
	case "tool":
		v := openaiSDK.ToolChoiceOptionFunctionToolChoice(openaiSDK.ChatCompletionNamedToolChoiceFunctionParam{Name: tc.Name})
		return &v
	default:
		return &openaiSDK.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openaiSDK.String("auto")}
	}
}

func mapFinishReason(r string) providers.FinishReason {
	switch r {
	case "":
		return ""
	case "stop":
		return providers.FinishStop
	case "length":
		return providers.FinishLength
	case "tool_calls", "function_call":
		return providers.FinishToolCalls
	case "content_filter":
		return providers.FinishSafety
	default:
		return providers.FinishOther
	}
}

func toProviderError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return &providers.UpstreamError{
			Provider:   providerName,
			StatusCode: apiErr.StatusCode,
			Status:     apiErr.Type,
			Message:    msg,
		}
	}
	return err
}
