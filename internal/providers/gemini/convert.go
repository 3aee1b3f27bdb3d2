package gemini

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

func buildRequest(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for i, m := range req.Messages {
		parts, err := convertParts(m.Parts)
		if err != nil {
			return nil, nil, fmt.Errorf("gemini: messages[%d]: %w", i, err)
		}
		if len(parts) == 0 {
			continue
		}
		role := genai.RoleUser
		if m.Role == providers.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.Role(role)))
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.TopK != nil {
		cfg.TopK = genai.Ptr(float32(*req.TopK))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.StopSequences) > 0 {
		cfg.StopSequences = req.StopSequences
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			d := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if len(t.Schema) > 0 {
				d.ParametersJsonSchema = t.Schema
			}
			decls = append(decls, d)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		cfg.ToolConfig = toolConfig(req.ToolChoice)
	}

	return contents, cfg, nil
}

func convertParts(in []providers.Part) ([]*genai.Part, error) {
	out := make([]*genai.Part, 0, len(in))
	for _, p := range in {
		switch p.Type {
		case providers.PartText:
			if p.Text != "" {
				out = append(out, genai.NewPartFromText(p.Text))
			}

		case providers.PartImage:
			data, err := base64.StdEncoding.DecodeString(p.Data)
			if err != nil {
				return nil, fmt.Errorf("image data: %w", err)
			}
			out = append(out, genai.NewPartFromBytes(data, p.MediaType))

		case providers.PartToolUse:
			args := map[string]any{}
			if len(p.Input) > 0 {
				if err := json.Unmarshal(p.Input, &args); err != nil {
					return nil, fmt.Errorf("tool_use %s input: %w", p.ToolUseID, err)
				}
			}
			out = append(out, genai.NewPartFromFunctionCall(p.ToolName, args))

		case providers.PartToolResult:
			key := "output"
			if p.IsError {
				key = "error"
			}
			out = append(out, genai.NewPartFromFunctionResponse(p.ToolName, map[string]any{
				key: resultValue(p.Result),
			}))
		}
	}
	return out, nil
}

// resultValue keeps structured tool output structured.
func resultValue(s string) any {
	var v any
	if len(s) > 0 && (s[0] == '{' || s[0] == '[') && json.Unmarshal([]byte(s), &v) == nil {
		return v
	}
	return s
}

func toolConfig(tc *providers.ToolChoice) *genai.ToolConfig {
	if tc == nil {
		return nil
	}
	fc := &genai.FunctionCallingConfig{}
	switch tc.Mode {
	case "any":
		fc.Mode = genai.FunctionCallingConfigModeAny
	case "none":
		fc.Mode = genai.FunctionCallingConfigModeNone
	case "tool":
		fc.Mode = genai.FunctionCallingConfigModeAny
		fc.AllowedFunctionNames = []string{tc.Name}
	default:
		fc.Mode = genai.FunctionCallingConfigModeAuto
	}
	return &genai.ToolConfig{FunctionCallingConfig: fc}
}

func responseFrom(resp *genai.GenerateContentResponse, model string) *providers.Response {
	out := &providers.Response{Model: model}
	if resp == nil {
		return out
	}
	out.ID = resp.ResponseID
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	out.Usage = usageFrom(resp.UsageMetadata)

	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
			out.BlockReason = string(pf.BlockReason)
		}
		return out
	}

	c := resp.Candidates[0]
	out.Parts = partsFrom(c, "{}")
	out.FinishReason = mapFinishReason(c.FinishReason)
	return out
}

// chunkFrom converts one stream event. Nil means the event carried nothing.
func chunkFrom(resp *genai.GenerateContentResponse) *providers.Chunk {
	if resp == nil {
		return nil
	}
	c := &providers.Chunk{Usage: usageFrom(resp.UsageMetadata)}

	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
			c.FinishReason = providers.FinishSafety
			return c
		}
		if c.Usage == nil {
			return nil
		}
		return c
	}

	cand := resp.Candidates[0]
	c.Parts = partsFrom(cand, "")
	c.FinishReason = mapFinishReason(cand.FinishReason)
	return c
}

// partsFrom converts candidate parts. noArgs is the argument text used for a
// function call that carries no args: "{}" for a complete response, empty for
// a stream so a later args-only part is not appended to a bogus "{}".
func partsFrom(c *genai.Candidate, noArgs string) []providers.ChunkPart {
	if c == nil || c.Content == nil {
		return nil
	}
	out := make([]providers.ChunkPart, 0, len(c.Content.Parts))
	for _, p := range c.Content.Parts {
		switch {
		case p == nil || p.Thought:
			continue
		case p.FunctionCall != nil:
			args := noArgs
			if len(p.FunctionCall.Args) > 0 {
				if b, err := json.Marshal(p.FunctionCall.Args); err == nil {
					args = string(b)
				}
			}
			out = append(out, providers.ChunkPart{Call: &providers.CallFragment{
				ID:       p.FunctionCall.ID,
				Name:     p.FunctionCall.Name,
				Args:     args,
				Complete: true,
			}})
		case p.Text != "":
			out = append(out, providers.ChunkPart{Text: p.Text})
		}
	}
	return out
}

func usageFrom(u *genai.GenerateContentResponseUsageMetadata) *providers.Usage {
	if u == nil {
		return nil
	}
	return &providers.Usage{
		InputTokens:  int(u.PromptTokenCount),
		OutputTokens: int(u.CandidatesTokenCount + u.ThoughtsTokenCount),
	}
}

func mapFinishReason(r genai.FinishReason) providers.FinishReason {
	switch r {
	case "", genai.FinishReasonUnspecified:
		return ""
	case genai.FinishReasonStop:
		return providers.FinishStop
	case genai.FinishReasonMaxTokens:
		return providers.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII, genai.FinishReasonImageSafety:
		return providers.FinishSafety
	default:
		return providers.FinishOther
	}
}
