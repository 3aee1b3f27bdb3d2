package normalize

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCleanSchema(t *testing.T) {
	in := `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "default":  {"type": "string", "default": "x"},
    "when":     {"type": "string", "format": "date-time"},
    "email":    {"type": "string", "format": "email", "examples": ["a@b.c"]},
    "tags":     {"type": "array", "items": {"type": "object", "additionalProperties": {"type": "string"}, "properties": {"k.v": {"type": "string", "default": ""}}}},
    "choice":   {"anyOf": [{"type": "string", "format": "uri"}, {"type": "integer", "default": 1}]}
  },
  "$defs": {"node": {"type": "object", "additionalProperties": true}},
  "required": ["default"]
}`

	got, err := CleanSchema(json.RawMessage(in))
	if err != nil {
		t.Fatalf("CleanSchema: %v", err)
	}

	want := `{
  "type": "object",
  "properties": {
    "default":  {"type": "string"},
    "when":     {"type": "string", "format": "date-time"},
    "email":    {"type": "string"},
    "tags":     {"type": "array", "items": {"type": "object", "properties": {"k.v": {"type": "string"}}}},
    "choice":   {"anyOf": [{"type": "string"}, {"type": "integer"}]}
  },
  "$defs": {"node": {"type": "object"}},
  "required": ["default"]
}`

	var gotV, wantV any
	if err := json.Unmarshal(got, &gotV); err != nil {
		t.Fatalf("result is not JSON: %v\n%s", err, got)
	}
	if err := json.Unmarshal([]byte(want), &wantV); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(wantV, gotV); diff != "" {
		t.Fatalf("CleanSchema mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanSchema_Passthrough(t *testing.T) {
	in := json.RawMessage(`{"type":"object","properties":{"a":{"type":"string","enum":["x","y"]}}}`)
	got, err := CleanSchema(in)
	if err != nil {
		t.Fatalf("CleanSchema: %v", err)
	}
	if string(got) != string(in) {
		t.Fatalf("schema changed: %s", got)
	}

	if got, err := CleanSchema(nil); err != nil || got != nil {
		t.Fatalf("empty schema = %s, %v", got, err)
	}
	if _, err := CleanSchema(json.RawMessage(`{"type":`)); !errors.Is(err, ErrInvalidSchema) {
		t.Fatalf("expected ErrInvalidSchema, got %v", err)
	}
}
