package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/nulpointcorp/gemini-bridge/internal/audio"
	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

// Speaker labels used in two-voice mode. The text must prefix each line with
// one of them, e.g. "Speaker 1: Hello".
const (
	SpeakerOne = "Speaker 1"
	SpeakerTwo = "Speaker 2"
)

// ErrNoAudio is returned when a speech response carries no inline audio.
var ErrNoAudio = errors.New("gemini: response contained no audio")

// Synthesize implements providers.SpeechSynthesizer.
func (p *Provider) Synthesize(ctx context.Context, req *providers.SpeechRequest) (*providers.Speech, error) {
	model := req.Model
	if model == "" {
		model = p.speechModel
	}
	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig:       speechConfig(voice, req.SecondVoice),
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Text, genai.RoleUser)}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: synthesize: %w", toProviderError(err))
	}

	out := &providers.Speech{}
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0] != nil && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if out.MIMEType == "" {
				out.MIMEType = part.InlineData.MIMEType
			}
			out.PCM = append(out.PCM, part.InlineData.Data...)
		}
	}
	if len(out.PCM) == 0 {
		return nil, ErrNoAudio
	}
	out.SampleRate = audio.FormatFromMIME(out.MIMEType).SampleRate
	return out, nil
}

func speechConfig(voice, second string) *genai.SpeechConfig {
	prebuilt := func(name string) *genai.VoiceConfig {
		return &genai.VoiceConfig{PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: name}}
	}
	if second == "" {
		return &genai.SpeechConfig{VoiceConfig: prebuilt(voice)}
	}
	return &genai.SpeechConfig{
		MultiSpeakerVoiceConfig: &genai.MultiSpeakerVoiceConfig{
			SpeakerVoiceConfigs: []*genai.SpeakerVoiceConfig{
				{Speaker: SpeakerOne, VoiceConfig: prebuilt(voice)},
				{Speaker: SpeakerTwo, VoiceConfig: prebuilt(second)},
			},
		},
	}
}
