// Package transform converts upstream chunks into the Anthropic Messages
// protocol, both incrementally (Transformer) and in one shot (MapResponse).
package transform

import (
	"strings"

	"github.com/google/uuid"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

// Options configure a Transformer.
type Options struct {
	// Model is echoed in message_start.
	Model string
	// MessageID is the outgoing message id; generated when empty.
	MessageID string
	// InputTokens is the estimate reported in message_start until the
	// upstream supplies exact usage.
	InputTokens int
	// NewToolID generates tool_use ids. Defaults to NewToolUseID.
	NewToolID func() string
}

// ToolCall is a tool_use block opened during a stream. Args is the argument
// text received so far.
type ToolCall struct {
	ID    string
	Name  string
	Index int
	Args  string
}

type toolBlock struct {
	ToolCall
	upstreamID string
	args       strings.Builder
	complete   bool
}

// Transformer turns one upstream stream into Anthropic events. It is owned by
// a single request and must not be used concurrently.
type Transformer struct {
	opts Options

	started bool
	done    bool

	nextIndex int
	textIndex int // -1 when no text block is open
	tool      *toolBlock
	calls     []*toolBlock

	outChars    int
	exactOutput bool
	usage       Usage
}

// New returns a Transformer ready for its first chunk.
func New(opts Options) *Transformer {
	if opts.MessageID == "" {
		opts.MessageID = NewMessageID()
	}
	if opts.NewToolID == nil {
		opts.NewToolID = NewToolUseID
	}
	return &Transformer{
		opts:      opts,
		textIndex: -1,
		usage:     Usage{InputTokens: opts.InputTokens},
	}
}

// NewMessageID returns an Anthropic-style message id.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// NewToolUseID returns an Anthropic-style tool_use id.
func NewToolUseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Done reports whether the terminal frames have been emitted.
func (t *Transformer) Done() bool { return t.done }

// ToolCalls returns the tool_use blocks opened so far, in index order.
func (t *Transformer) ToolCalls() []ToolCall {
	out := make([]ToolCall, len(t.calls))
	for i, b := range t.calls {
		out[i] = b.ToolCall
		out[i].Args = b.args.String()
	}
	return out
}

// Usage returns the current token accounting.
func (t *Transformer) Usage() Usage {
	u := t.usage
	if !t.exactOutput {
		u.OutputTokens = t.outChars / 4
	}
	return u
}

// Transform consumes one upstream chunk and returns the frames it produces.
// Calls after the terminal frame return nil.
func (t *Transformer) Transform(c *providers.Chunk) []Event {
	if t.done || c == nil {
		return nil
	}

	var out []Event
	if c.Usage != nil {
		t.applyUsage(c.Usage)
	}
	out = t.start(out)

	for _, p := range c.Parts {
		switch {
		case p.Call != nil:
			out = t.call(out, p.Call)
		case p.Text != "":
			out = t.text(out, p.Text)
		}
	}

	if c.FinishReason != "" {
		out = t.finish(out, c.FinishReason)
	}
	return out
}

// Finish terminates a stream whose upstream ended without a finish reason.
func (t *Transformer) Finish() []Event {
	if t.done {
		return nil
	}
	out := t.start(nil)
	return t.finish(out, "")
}

// Fail terminates the stream with an error frame. Open blocks are left
// unclosed, matching how the Anthropic API aborts a stream.
func (t *Transformer) Fail(err error) []Event {
	if t.done {
		return nil
	}
	t.done = true
	info := ClassifyError(err)
	return []Event{{
		Type:  EventError,
		Error: &ErrorDetail{Type: info.Type, Message: info.Message},
	}}
}

func (t *Transformer) start(out []Event) []Event {
	if t.started {
		return out
	}
	t.started = true
	return append(out, Event{
		Type: EventMessageStart,
		Message: &Message{
			ID:      t.opts.MessageID,
			Type:    "message",
			Role:    providers.RoleAssistant,
			Model:   t.opts.Model,
			Content: []ContentBlock{},
			Usage:   Usage{InputTokens: t.usage.InputTokens},
		},
	})
}

func (t *Transformer) applyUsage(u *providers.Usage) {
	if u.InputTokens > 0 {
		t.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		t.usage.OutputTokens = u.OutputTokens
		t.exactOutput = true
	}
}

func (t *Transformer) text(out []Event, s string) []Event {
	if t.tool != nil {
		out = t.closeTool(out)
	}
	if t.textIndex < 0 {
		t.textIndex = t.nextIndex
		t.nextIndex++
		out = append(out, Event{
			Type:  EventContentBlockStart,
			Index: t.textIndex,
			Block: &ContentBlock{Type: BlockText},
		})
	}
	t.outChars += len(s)
	return append(out, Event{
		Type:  EventContentBlockDelta,
		Index: t.textIndex,
		Delta: &Delta{Type: DeltaText, Text: s},
	})
}

func (t *Transformer) call(out []Event, f *providers.CallFragment) []Event {
	if f.Name != "" && !t.continues(f) {
		out = t.closeText(out)
		if t.tool != nil {
			out = t.closeTool(out)
		}
		out = t.openTool(out, f)
	}

	if t.tool == nil {
		// Arguments with no block to receive them.
		return out
	}

	if f.Args != "" {
		t.tool.args.WriteString(f.Args)
		t.outChars += len(f.Args)
		out = append(out, Event{
			Type:  EventContentBlockDelta,
			Index: t.tool.Index,
			Delta: &Delta{Type: DeltaInputJSON, PartialJSON: f.Args},
		})
	}
	if f.Complete {
		t.tool.complete = true
	}
	return out
}

// continues reports whether a named fragment belongs to the open tool block.
func (t *Transformer) continues(f *providers.CallFragment) bool {
	b := t.tool
	if b == nil || b.complete || b.Name != f.Name {
		return false
	}
	return f.ID == "" || b.upstreamID == "" || f.ID == b.upstreamID
}

func (t *Transformer) openTool(out []Event, f *providers.CallFragment) []Event {
	b := &toolBlock{
		ToolCall: ToolCall{
			ID:    t.opts.NewToolID(),
			Name:  f.Name,
			Index: t.nextIndex,
		},
		upstreamID: f.ID,
	}
	t.nextIndex++
	t.tool = b
	t.calls = append(t.calls, b)

	return append(out, Event{
		Type:  EventContentBlockStart,
		Index: b.Index,
		Block: &ContentBlock{Type: BlockToolUse, ID: b.ID, Name: b.Name},
	})
}

func (t *Transformer) closeText(out []Event) []Event {
	if t.textIndex < 0 {
		return out
	}
	out = append(out, Event{Type: EventContentBlockStop, Index: t.textIndex})
	t.textIndex = -1
	return out
}

func (t *Transformer) closeTool(out []Event) []Event {
	out = append(out, Event{Type: EventContentBlockStop, Index: t.tool.Index})
	t.tool = nil
	return out
}

func (t *Transformer) finish(out []Event, reason providers.FinishReason) []Event {
	out = t.closeText(out)
	if t.tool != nil {
		out = t.closeTool(out)
	}

	usage := t.Usage()
	t.done = true
	return append(out,
		Event{
			Type:       EventMessageDelta,
			StopReason: StopReasonFor(reason, len(t.calls) > 0),
			Usage:      &usage,
		},
		Event{Type: EventMessageStop},
	)
}

// StopReasonFor maps a normalized finish reason to the outgoing vocabulary.
// A length limit wins over an open tool call, and a refusal wins over both
// tool use and a normal stop.
func StopReasonFor(reason providers.FinishReason, toolUsed bool) StopReason {
	switch {
	case reason == providers.FinishLength:
		return StopMaxTokens
	case reason == providers.FinishSafety:
		return StopRefusal
	case reason == providers.FinishToolCalls, toolUsed:
		return StopToolUse
	default:
		return StopEndTurn
	}
}
