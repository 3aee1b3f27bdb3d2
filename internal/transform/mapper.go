package transform

import (
	"fmt"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

// MapResponse converts a complete upstream response into an Anthropic
// message. It runs the response through a Transformer as a single chunk, so
// block order, tool ids and stop_reason match what a stream of the same
// content would produce.
func MapResponse(resp *providers.Response, opts Options) (*Message, []ToolCall, error) {
	if resp == nil {
		return nil, nil, ErrEmptyResponse
	}
	if resp.BlockReason != "" && len(resp.Parts) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrPromptBlocked, resp.BlockReason)
	}
	if len(resp.Parts) == 0 && resp.FinishReason == "" {
		return nil, nil, ErrEmptyResponse
	}

	if opts.Model == "" {
		opts.Model = resp.Model
	}
	t := New(opts)
	events := t.Transform(&providers.Chunk{
		Parts:        resp.Parts,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
	})
	events = append(events, t.Finish()...)

	return Accumulate(events), t.ToolCalls(), nil
}
