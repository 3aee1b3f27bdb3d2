package transform

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

func TestMapResponse_Blocks(t *testing.T) {
	resp := &providers.Response{
		Model: "gemini-2.5-flash",
		Parts: []providers.ChunkPart{
			textPart("Checking "),
			textPart("both."),
			callPart("", "read", `{"p":"a"}`, true),
			callPart("", "read", `{"p":"b"}`, true),
		},
		FinishReason: providers.FinishStop,
		Usage:        &providers.Usage{InputTokens: 12, OutputTokens: 9},
	}

	msg, calls, err := MapResponse(resp, Options{MessageID: "msg_1", NewToolID: seqIDs()})
	if err != nil {
		t.Fatalf("MapResponse: %v", err)
	}

	want := &Message{
		ID: "msg_1", Type: "message", Role: "assistant", Model: "gemini-2.5-flash",
		Content: []ContentBlock{
			{Type: BlockText, Text: "Checking both."},
			{Type: BlockToolUse, ID: "toolu_1", Name: "read", Input: []byte(`{"p":"a"}`)},
			{Type: BlockToolUse, ID: "toolu_2", Name: "read", Input: []byte(`{"p":"b"}`)},
		},
		StopReason: StopToolUse,
		Usage:      Usage{InputTokens: 12, OutputTokens: 9},
	}
	if diff := cmp.Diff(want, msg); diff != "" {
		t.Fatalf("message mismatch (-want +got):\n%s", diff)
	}
	if len(calls) != 2 || calls[0].Name != "read" || calls[1].ID != "toolu_2" {
		t.Fatalf("unexpected tool calls %+v", calls)
	}
}

func TestMapResponse_Errors(t *testing.T) {
	_, _, err := MapResponse(&providers.Response{BlockReason: "SAFETY"}, Options{})
	if !errors.Is(err, ErrPromptBlocked) {
		t.Fatalf("expected ErrPromptBlocked, got %v", err)
	}
	if info := ClassifyError(err); info.Status != 400 || info.Type != "invalid_request_error" {
		t.Fatalf("blocked prompt classified as %+v", info)
	}

	_, _, err = MapResponse(&providers.Response{}, Options{})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
	if info := ClassifyError(err); info.Status != 502 || info.Type != "api_error" {
		t.Fatalf("empty response classified as %+v", info)
	}

	msg, _, err := MapResponse(&providers.Response{FinishReason: providers.FinishLength}, Options{})
	if err != nil {
		t.Fatalf("finish without content should map, got %v", err)
	}
	if msg.StopReason != StopMaxTokens || len(msg.Content) != 0 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

// A response delivered whole and the same content streamed in arbitrary
// pieces produce the same blocks and stop reason.
func TestMapResponse_StreamEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	type item struct {
		text string
		name string
		args string
	}
	contents := [][]item{
		{{text: "hello world"}},
		{{name: "f", args: `{"a":1}`}},
		{{text: "let me look"}, {name: "search", args: `{"q":"go iter"}`}, {text: "found it"}},
		{{name: "read", args: `{"p":"x"}`}, {name: "read", args: `{"p":"y"}`}},
		{{text: "a"}, {text: "b"}, {name: "w", args: `{}`}},
	}
	reasons := []providers.FinishReason{providers.FinishStop, providers.FinishLength, providers.FinishToolCalls}

	for ci, items := range contents {
		for _, reason := range reasons {
			var whole []providers.ChunkPart
			for _, it := range items {
				if it.name == "" {
					whole = append(whole, textPart(it.text))
				} else {
					whole = append(whole, callPart("", it.name, it.args, true))
				}
			}
			usage := &providers.Usage{InputTokens: 5, OutputTokens: 6}

			mapped, _, err := MapResponse(&providers.Response{Parts: whole, FinishReason: reason, Usage: usage},
				Options{Model: "m", MessageID: "msg_eq", NewToolID: seqIDs()})
			if err != nil {
				t.Fatalf("case %d: MapResponse: %v", ci, err)
			}

			var pieces []providers.ChunkPart
			for i, it := range items {
				if it.name == "" {
					for rest := it.text; rest != ""; {
						k := 1 + rng.Intn(len(rest))
						pieces = append(pieces, textPart(rest[:k]))
						rest = rest[k:]
					}
					continue
				}
				id := string(rune('a' + i))
				pieces = append(pieces, callPart(id, it.name, "", false))
				for rest := it.args; rest != ""; {
					k := 1 + rng.Intn(len(rest))
					pieces = append(pieces, callPart("", "", rest[:k], false))
					rest = rest[k:]
				}
			}

			tr := New(Options{Model: "m", MessageID: "msg_eq", NewToolID: seqIDs()})
			var events []Event
			for len(pieces) > 0 {
				k := 1 + rng.Intn(len(pieces))
				events = append(events, tr.Transform(&providers.Chunk{Parts: pieces[:k]})...)
				pieces = pieces[k:]
			}
			events = append(events, tr.Transform(&providers.Chunk{FinishReason: reason, Usage: usage})...)
			streamed := Accumulate(events)

			if diff := cmp.Diff(mapped, streamed, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("case %d reason %s: stream/non-stream mismatch (-mapped +streamed):\n%s", ci, reason, diff)
			}
		}
	}
}
