package transform

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeSSE writes events as named server-sent events:
//
//	event: <name>
//	data: <json>
//
// The writer is not flushed.
func EncodeSSE(w io.Writer, events ...Event) error {
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("transform: encode %s: %w", e.Type, err)
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
			return err
		}
	}
	return nil
}
