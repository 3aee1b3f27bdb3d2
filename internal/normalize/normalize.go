// Package normalize converts inbound Anthropic Messages and OpenAI Chat
// Completions requests into the provider-neutral providers.ChatRequest.
package normalize

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

// UnknownToolName stands in for a tool name that could not be recovered.
const UnknownToolName = "unknown_tool"

// ValidationError reports a malformed request. Field uses the inbound JSON
// path, e.g. "messages[2].content".
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ToolNameResolver recovers the tool name for a tool_use id that does not
// appear in the request's own history. It returns "" when the id is unknown.
type ToolNameResolver func(ctx context.Context, toolUseID string) string

// toolNames maps tool_use ids seen in the request to their names and falls
// back to the resolver for ids from earlier turns.
type toolNames struct {
	ctx     context.Context
	known   map[string]string
	resolve ToolNameResolver
}

func newToolNames(ctx context.Context, resolve ToolNameResolver) *toolNames {
	return &toolNames{ctx: ctx, known: make(map[string]string), resolve: resolve}
}

func (n *toolNames) remember(id, name string) {
	if id != "" && name != "" {
		n.known[id] = name
	}
}

func (n *toolNames) lookup(id string) string {
	if name, ok := n.known[id]; ok {
		return name
	}
	if n.resolve != nil {
		if name := n.resolve(n.ctx, id); name != "" {
			return name
		}
	}
	return UnknownToolName
}

// EstimateInputTokens approximates the prompt size at four characters per
// token over the system prompt, message content and tool definitions.
func EstimateInputTokens(req *providers.ChatRequest) int {
	if req == nil {
		return 0
	}
	chars := len(req.System)
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			chars += len(p.Text) + len(p.Input) + len(p.Result) + len(p.ToolName)
		}
	}
	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description) + len(t.Schema)
	}
	if chars == 0 {
		return 0
	}
	return max(1, chars/4)
}
