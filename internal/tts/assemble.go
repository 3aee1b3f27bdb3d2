package tts

import (
	"bytes"
	"context"
	"fmt"

	"github.com/nulpointcorp/gemini-bridge/internal/audio"
	"github.com/nulpointcorp/gemini-bridge/internal/audiostore"
)

// Assemble joins the audio of every completed chunk, in chunk order, into
// one WAV file. Failed chunks are skipped. The PCM format is taken from the
// first completed chunk.
func Assemble(ctx context.Context, store audiostore.Store, job *Job) ([]byte, error) {
	var (
		pcm    bytes.Buffer
		format audio.Format
		found  bool
	)
	for i, c := range job.Chunks {
		if c.Status != ChunkCompleted {
			continue
		}
		data, err := store.Get(ctx, c.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("tts: chunk %d audio: %w", i, err)
		}
		if !found {
			format = audio.FormatFromMIME(c.MIMEType)
			found = true
		}
		pcm.Write(data)
	}
	if !found {
		return nil, fmt.Errorf("tts: job %s has no completed chunks", job.ID)
	}
	return audio.WrapPCM(pcm.Bytes(), format), nil
}
