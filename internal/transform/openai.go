package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// OpenAI chat completion shapes, used when the client speaks the OpenAI
// protocol. Only the fields the bridge fills are declared.
type (
	ChatCompletion struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []ChatChoice `json:"choices"`
		Usage   *ChatUsage   `json:"usage,omitempty"`
	}

	ChatChoice struct {
		Index        int          `json:"index"`
		Message      *ChatMessage `json:"message,omitempty"`
		Delta        *ChatMessage `json:"delta,omitempty"`
		FinishReason *string      `json:"finish_reason"`
	}

	ChatMessage struct {
		Role      string         `json:"role,omitempty"`
		Content   *string        `json:"content,omitempty"`
		ToolCalls []ChatToolCall `json:"tool_calls,omitempty"`
	}

	ChatToolCall struct {
		Index    *int             `json:"index,omitempty"`
		ID       string           `json:"id,omitempty"`
		Type     string           `json:"type,omitempty"`
		Function ChatFunctionCall `json:"function"`
	}

	ChatFunctionCall struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"`
	}

	ChatUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
)

// OpenAIFinishReason maps an Anthropic stop reason back to OpenAI's.
func OpenAIFinishReason(s StopReason) string {
	switch s {
	case StopMaxTokens:
		return "length"
	case StopToolUse:
		return "tool_calls"
	case StopRefusal:
		return "content_filter"
	default:
		return "stop"
	}
}

// ChatCompletionFromMessage renders a complete message as chat.completion.
func ChatCompletionFromMessage(msg *Message) *ChatCompletion {
	out := &ChatMessage{Role: "assistant"}

	var text strings.Builder
	hasText := false
	for _, b := range msg.Content {
		switch b.Type {
		case BlockText:
			text.WriteString(b.Text)
			hasText = true
		case BlockToolUse:
			args := string(b.Input)
			if args == "" {
				args = b.Partial
			}
			out.ToolCalls = append(out.ToolCalls, ChatToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: ChatFunctionCall{Name: b.Name, Arguments: args},
			})
		}
	}
	if hasText || len(out.ToolCalls) == 0 {
		s := text.String()
		out.Content = &s
	}

	finish := OpenAIFinishReason(msg.StopReason)
	return &ChatCompletion{
		ID:      chatID(msg.ID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   msg.Model,
		Choices: []ChatChoice{{Message: out, FinishReason: &finish}},
		Usage:   chatUsage(msg.Usage),
	}
}

// OpenAIStream re-encodes Anthropic events as chat.completion.chunk frames.
type OpenAIStream struct {
	id           string
	model        string
	created      int64
	includeUsage bool

	toolIndex map[int]int
	usage     Usage
}

// NewOpenAIStream returns an encoder for one response. includeUsage mirrors
// stream_options.include_usage.
func NewOpenAIStream(messageID, model string, includeUsage bool) *OpenAIStream {
	return &OpenAIStream{
		id:           chatID(messageID),
		model:        model,
		created:      time.Now().Unix(),
		includeUsage: includeUsage,
		toolIndex:    make(map[int]int),
	}
}

// Encode writes the frames for events. message_stop becomes [DONE].
func (s *OpenAIStream) Encode(w io.Writer, events ...Event) error {
	for _, e := range events {
		if err := s.encode(w, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *OpenAIStream) encode(w io.Writer, e Event) error {
	switch e.Type {
	case EventMessageStart:
		if e.Message != nil {
			s.usage = e.Message.Usage
		}
		empty := ""
		return s.write(w, &ChatMessage{Role: "assistant", Content: &empty}, nil)

	case EventContentBlockStart:
		if e.Block == nil || e.Block.Type != BlockToolUse {
			return nil
		}
		n := len(s.toolIndex)
		s.toolIndex[e.Index] = n
		return s.write(w, &ChatMessage{ToolCalls: []ChatToolCall{{
			Index:    &n,
			ID:       e.Block.ID,
			Type:     "function",
			Function: ChatFunctionCall{Name: e.Block.Name},
		}}}, nil)

	case EventContentBlockDelta:
		if e.Delta == nil {
			return nil
		}
		if e.Delta.Type == DeltaText {
			text := e.Delta.Text
			return s.write(w, &ChatMessage{Content: &text}, nil)
		}
		n, ok := s.toolIndex[e.Index]
		if !ok {
			return nil
		}
		return s.write(w, &ChatMessage{ToolCalls: []ChatToolCall{{
			Index:    &n,
			Function: ChatFunctionCall{Arguments: e.Delta.PartialJSON},
		}}}, nil)

	case EventMessageDelta:
		if e.Usage != nil {
			s.usage.OutputTokens = e.Usage.OutputTokens
			if e.Usage.InputTokens > 0 {
				s.usage.InputTokens = e.Usage.InputTokens
			}
		}
		finish := OpenAIFinishReason(e.StopReason)
		if err := s.write(w, &ChatMessage{}, &finish); err != nil {
			return err
		}
		if !s.includeUsage {
			return nil
		}
		return writeData(w, ChatCompletion{
			ID:      s.id,
			Object:  "chat.completion.chunk",
			Created: s.created,
			Model:   s.model,
			Choices: []ChatChoice{},
			Usage:   chatUsage(s.usage),
		})

	case EventMessageStop:
		_, err := io.WriteString(w, "data: [DONE]\n\n")
		return err

	case EventError:
		if e.Error == nil {
			return nil
		}
		body := map[string]any{"error": map[string]string{
			"message": e.Error.Message,
			"type":    e.Error.Type,
		}}
		if err := writeData(w, body); err != nil {
			return err
		}
		_, err := io.WriteString(w, "data: [DONE]\n\n")
		return err
	}
	return nil
}

func (s *OpenAIStream) write(w io.Writer, delta *ChatMessage, finish *string) error {
	return writeData(w, ChatCompletion{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChatChoice{{Delta: delta, FinishReason: finish}},
	})
}

func writeData(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transform: encode chunk: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func chatID(messageID string) string {
	return "chatcmpl-" + strings.TrimPrefix(messageID, "msg_")
}

func chatUsage(u Usage) *ChatUsage {
	return &ChatUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}
