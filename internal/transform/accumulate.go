package transform

import (
	"encoding/json"
	"strings"
)

// Accumulate rebuilds the final message from a stream of events. Events for
// unknown block indices are ignored.
func Accumulate(events []Event) *Message {
	msg := &Message{Type: "message", Content: []ContentBlock{}}
	pos := make(map[int]int)
	args := make(map[int]*strings.Builder)

	for _, e := range events {
		switch e.Type {
		case EventMessageStart:
			if e.Message != nil {
				msg.ID = e.Message.ID
				msg.Role = e.Message.Role
				msg.Model = e.Message.Model
				msg.Usage = e.Message.Usage
			}

		case EventContentBlockStart:
			if e.Block == nil {
				continue
			}
			pos[e.Index] = len(msg.Content)
			msg.Content = append(msg.Content, *e.Block)
			if e.Block.Type == BlockToolUse {
				args[e.Index] = &strings.Builder{}
			}

		case EventContentBlockDelta:
			i, ok := pos[e.Index]
			if !ok || e.Delta == nil {
				continue
			}
			switch e.Delta.Type {
			case DeltaText:
				msg.Content[i].Text += e.Delta.Text
			case DeltaInputJSON:
				if b := args[e.Index]; b != nil {
					b.WriteString(e.Delta.PartialJSON)
				}
			}

		case EventContentBlockStop:
			i, ok := pos[e.Index]
			if !ok {
				continue
			}
			if b := args[e.Index]; b != nil {
				setInput(&msg.Content[i], b.String())
			}

		case EventMessageDelta:
			msg.StopReason = e.StopReason
			if e.Usage != nil {
				msg.Usage.OutputTokens = e.Usage.OutputTokens
				if e.Usage.InputTokens > 0 {
					msg.Usage.InputTokens = e.Usage.InputTokens
				}
			}
		}
	}
	return msg
}

// setInput stores accumulated argument text. Empty arguments become {};
// truncated JSON is kept in Partial and encodes as {}.
func setInput(b *ContentBlock, raw string) {
	switch {
	case strings.TrimSpace(raw) == "":
		b.Input = json.RawMessage("{}")
	case json.Valid([]byte(raw)):
		b.Input = json.RawMessage(raw)
	default:
		b.Input = nil
		b.Partial = raw
	}
}
