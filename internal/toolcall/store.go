// Package toolcall remembers which tool a tool_use id referred to, so that a
// later tool_result (which only carries the id) can be sent upstream with
// the function name Gemini requires.
//
// Two backends are available:
//   - RedisStore  shared across replicas.
//   - MemoryStore in-process TTL map for single-instance runs and tests.
package toolcall

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the id, or it expired.
var ErrNotFound = errors.New("toolcall: record not found")

// DefaultTTL bounds how long a tool call can stay unanswered.
const DefaultTTL = 24 * time.Hour

// Record is one tool invocation requested by the model. Args is the argument
// JSON the model sent; IsError and Payload hold the last result the client
// submitted for it.
type Record struct {
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name"`
	Args      string `json:"args,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

// Store persists records keyed by (conversation, tool_use id). Put is an
// upsert.
type Store interface {
	Put(ctx context.Context, conversation string, rec Record, ttl time.Duration) error
	Get(ctx context.Context, conversation, toolUseID string) (Record, error)
}

func storeKey(conversation, toolUseID string) string {
	return "toolcall:" + conversation + ":" + toolUseID
}
