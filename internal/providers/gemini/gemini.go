package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

const (
	defaultBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
	defaultSpeechModel = "gemini-2.5-flash-preview-tts"
	defaultVoice       = "Kore"
	providerName       = "gemini"
)

// Provider implements providers.Provider and providers.SpeechSynthesizer for
// Google Gemini through the official GenAI SDK.
type Provider struct {
	apiKey      string
	baseURL     string
	speechModel string
	voice       string
	client      *genai.Client
	httpClient  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing). A trailing
// version segment such as /v1beta is honoured.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient replaces the HTTP client used by the SDK.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithSpeechModel sets the model used when a speech request names none.
func WithSpeechModel(model string) Option {
	return func(p *Provider) { p.speechModel = model }
}

// WithVoice sets the prebuilt voice used when a speech request names none.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// New creates a new Gemini Provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	p := &Provider{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		speechModel: defaultSpeechModel,
		voice:       defaultVoice,
	}
	for _, o := range opts {
		o(p)
	}
	if p.httpClient == nil {
		// Per-call deadlines come from the caller's context.
		p.httpClient = &http.Client{}
	}

	base, ver := splitBaseURLAndVersion(p.baseURL)
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	p.client = client

	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

// Generate performs a single generateContent call.
func (p *Provider) Generate(ctx context.Context, req *providers.ChatRequest) (*providers.Response, error) {
	contents, cfg, err := buildRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}
	return responseFrom(resp, req.Model), nil
}

// Stream performs a streamGenerateContent call and yields one chunk per
// upstream event.
func (p *Provider) Stream(ctx context.Context, req *providers.ChatRequest) iter.Seq2[*providers.Chunk, error] {
	return func(yield func(*providers.Chunk, error) bool) {
		contents, cfg, err := buildRequest(req)
		if err != nil {
			yield(nil, err)
			return
		}

		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				yield(nil, toProviderError(err))
				return
			}
			c := chunkFrom(resp)
			if c == nil {
				continue
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.UpstreamError{
			Provider:   providerName,
			StatusCode: apiErr.Code,
			Status:     apiErr.Status,
			Message:    apiErr.Message,
		}
	}
	return err
}
