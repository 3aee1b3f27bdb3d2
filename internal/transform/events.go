package transform

import (
	"encoding/json"
)

// Event names of the Anthropic Messages streaming protocol.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Content block and delta types.
const (
	BlockText    = "text"
	BlockToolUse = "tool_use"

	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
)

// StopReason is the outgoing stop_reason vocabulary. The zero value encodes
// as JSON null.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopToolUse   StopReason = "tool_use"
	StopRefusal   StopReason = "refusal"
)

func (s StopReason) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

func (s *StopReason) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = ""
		return nil
	}
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*s = StopReason(v)
	return nil
}

type (
	// Usage is Anthropic token accounting.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// ContentBlock is a text or tool_use block. Input holds the tool
	// arguments; Partial keeps argument text that never became valid JSON.
	ContentBlock struct {
		Type    string
		Text    string
		ID      string
		Name    string
		Input   json.RawMessage
		Partial string
	}

	// Message is the Anthropic message envelope, used both for message_start
	// and for complete non-streamed responses.
	Message struct {
		ID           string         `json:"id"`
		Type         string         `json:"type"`
		Role         string         `json:"role"`
		Model        string         `json:"model"`
		Content      []ContentBlock `json:"content"`
		StopReason   StopReason     `json:"stop_reason"`
		StopSequence *string        `json:"stop_sequence"`
		Usage        Usage          `json:"usage"`
	}

	// Delta is the payload of a content_block_delta event.
	Delta struct {
		Type        string
		Text        string
		PartialJSON string
	}

	// ErrorDetail is the payload of an error event.
	ErrorDetail struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}

	// Event is one outgoing SSE frame before encoding.
	Event struct {
		Type string

		Message *Message      // message_start
		Index   int           // content_block_*
		Block   *ContentBlock // content_block_start
		Delta   *Delta        // content_block_delta

		StopReason StopReason // message_delta
		Usage      *Usage     // message_delta

		Error *ErrorDetail // error
	}
)

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockToolUse:
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return json.Marshal(struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	}
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = ContentBlock{Type: raw.Type, Text: raw.Text, ID: raw.ID, Name: raw.Name, Input: raw.Input}
	return nil
}

func (d Delta) MarshalJSON() ([]byte, error) {
	if d.Type == DeltaInputJSON {
		return json.Marshal(struct {
			Type        string `json:"type"`
			PartialJSON string `json:"partial_json"`
		}{d.Type, d.PartialJSON})
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{d.Type, d.Text})
}

// MarshalJSON renders the data line of the frame.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventMessageStart:
		return json.Marshal(struct {
			Type    string   `json:"type"`
			Message *Message `json:"message"`
		}{e.Type, e.Message})

	case EventContentBlockStart:
		return json.Marshal(struct {
			Type         string        `json:"type"`
			Index        int           `json:"index"`
			ContentBlock *ContentBlock `json:"content_block"`
		}{e.Type, e.Index, e.Block})

	case EventContentBlockDelta:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
			Delta *Delta `json:"delta"`
		}{e.Type, e.Index, e.Delta})

	case EventContentBlockStop:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
		}{e.Type, e.Index})

	case EventMessageDelta:
		type delta struct {
			StopReason   StopReason `json:"stop_reason"`
			StopSequence *string    `json:"stop_sequence"`
		}
		return json.Marshal(struct {
			Type  string `json:"type"`
			Delta delta  `json:"delta"`
			Usage *Usage `json:"usage"`
		}{e.Type, delta{StopReason: e.StopReason}, e.Usage})

	case EventError:
		return json.Marshal(struct {
			Type  string       `json:"type"`
			Error *ErrorDetail `json:"error"`
		}{e.Type, e.Error})

	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{e.Type})
	}
}
