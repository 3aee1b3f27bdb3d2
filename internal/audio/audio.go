// Package audio holds the PCM and WAV helpers used by the speech endpoints.
//
// Upstream speech models return raw little-endian PCM. Clients get either a
// base64 string of that PCM or a WAV file built by prepending a canonical
// 44-byte RIFF header.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// HeaderSize is the length of the canonical PCM WAV header.
const HeaderSize = 44

// Defaults for Gemini speech output.
const (
	DefaultSampleRate    = 24000
	DefaultChannels      = 1
	DefaultBitsPerSample = 16
)

const pcmFormat = 1

// ErrInvalidHeader is returned by ParseWAVHeader for anything that is not a
// canonical PCM WAV header.
var ErrInvalidHeader = errors.New("audio: invalid wav header")

// Format describes a PCM stream.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is 24 kHz, mono, 16-bit.
func DefaultFormat() Format {
	return Format{
		SampleRate:    DefaultSampleRate,
		Channels:      DefaultChannels,
		BitsPerSample: DefaultBitsPerSample,
	}
}

// Header describes the fields read back from a WAV header.
type Header struct {
	Format
	DataLen int
}

// DecodePCM decodes a base64 PCM payload. Standard and raw (unpadded)
// encodings are both accepted.
func DecodePCM(b64 string) ([]byte, error) {
	s := strings.TrimSpace(b64)
	if s == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	data, rawErr := base64.RawStdEncoding.DecodeString(s)
	if rawErr != nil {
		return nil, fmt.Errorf("audio: decode pcm: %w", err)
	}
	return data, nil
}

// EncodePCM returns the standard base64 encoding of pcm.
func EncodePCM(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// WAVHeader builds the 44-byte RIFF/WAVE header for dataLen bytes of PCM.
// All multi-byte fields are little-endian.
func WAVHeader(dataLen, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	h := make([]byte, HeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], pcmFormat)
	binary.LittleEndian.PutUint16(h[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], uint16(bitsPerSample))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}

// ParseWAVHeader reads the format fields back out of a canonical header.
func ParseWAVHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" ||
		string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return Header{}, fmt.Errorf("%w: bad chunk ids", ErrInvalidHeader)
	}
	if binary.LittleEndian.Uint16(b[20:22]) != pcmFormat {
		return Header{}, fmt.Errorf("%w: not pcm", ErrInvalidHeader)
	}
	return Header{
		Format: Format{
			Channels:      int(binary.LittleEndian.Uint16(b[22:24])),
			SampleRate:    int(binary.LittleEndian.Uint32(b[24:28])),
			BitsPerSample: int(binary.LittleEndian.Uint16(b[34:36])),
		},
		DataLen: int(binary.LittleEndian.Uint32(b[40:44])),
	}, nil
}

// WrapPCM returns a complete WAV file for pcm in format f.
func WrapPCM(pcm []byte, f Format) []byte {
	out := make([]byte, 0, HeaderSize+len(pcm))
	out = append(out, WAVHeader(len(pcm), f.SampleRate, f.Channels, f.BitsPerSample)...)
	return append(out, pcm...)
}

// FormatFromMIME reads the sample rate out of MIME types such as
// "audio/L16;codec=pcm;rate=24000". Missing or malformed parameters fall back
// to DefaultFormat.
func FormatFromMIME(mime string) Format {
	f := DefaultFormat()
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "rate":
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				f.SampleRate = n
			}
		case "channels":
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				f.Channels = n
			}
		}
	}
	if strings.HasPrefix(strings.ToLower(mime), "audio/l8") {
		f.BitsPerSample = 8
	}
	return f
}
