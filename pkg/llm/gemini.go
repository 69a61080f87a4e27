package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

func init() {
	RegisterFactory("gemini", func(ctx context.Context, cfg Config) (Provider, error) {
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("GEMINI_API_KEY")
		}
		if cfg.APIKey == "" {
			return nil, errors.New("GEMINI_API_KEY not set")
		}
		return NewGeminiProvider(ctx, cfg)
	})
}

// GeminiProvider implements Provider with the Google Gen AI SDK against the
// Gemini API. Images and PDFs are sent inline.
type GeminiProvider struct {
	client *genai.Client
	model  string
	retry  RetryPolicy
}

// NewGeminiProvider creates a Gemini API client.
func NewGeminiProvider(ctx context.Context, cfg Config) (*GeminiProvider, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	return &GeminiProvider{
		client: client,
		model:  model,
		retry:  DefaultRetryPolicy,
	}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Generate calls GenerateContent with retries on transient failures.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	contents := buildGeminiContents(req.Messages, req.Parts)

	var resp *genai.GenerateContentResponse
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = p.client.Models.GenerateContent(ctx, model, contents, config)
		if callErr != nil {
			return wrapGeminiError(callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return parseGeminiResponse(resp, model)
}

func buildGeminiContents(messages []Message, parts []Part) []*genai.Content {
	attachAt := lastUserIndex(messages)
	contents := make([]*genai.Content, 0, len(messages)+1)

	for i, m := range messages {
		if m.Role == RoleSystem {
			continue
		}
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}

		content := &genai.Content{Role: string(role)}
		if i == attachAt {
			content.Parts = append(content.Parts, inlineParts(parts)...)
		}
		if m.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}
		contents = append(contents, content)
	}

	if attachAt < 0 && len(parts) > 0 {
		contents = append(contents, &genai.Content{
			Role:  string(genai.RoleUser),
			Parts: inlineParts(parts),
		})
	}
	return contents
}

func inlineParts(parts []Part) []*genai.Part {
	out := make([]*genai.Part, 0, len(parts))
	for _, part := range parts {
		out = append(out, &genai.Part{
			InlineData: &genai.Blob{Data: part.Data, MIMEType: part.MIMEType},
		})
	}
	return out
}

func parseGeminiResponse(resp *genai.GenerateContentResponse, model string) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, NewProviderError("gemini", ErrorCodeUnknown, "no candidates in response", ErrEmptyResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return nil, NewProviderError("gemini", ErrorCodeContentFiltered, "response blocked by safety filters", nil)
	}

	var sb strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			sb.WriteString(part.Text)
		}
	}

	out := &Response{
		Content:      sb.String(),
		FinishReason: strings.ToLower(string(candidate.FinishReason)),
		Model:        model,
	}
	if resp.UsageMetadata != nil {
		out.Usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.Usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// wrapGeminiError classifies SDK errors by message, since the SDK reports
// HTTP failures as formatted strings.
func wrapGeminiError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	code := ErrorCodeUnknown
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "api key") || strings.Contains(msg, "403") || strings.Contains(msg, "401"):
		code = ErrorCodeAuthentication
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "quota"):
		code = ErrorCodeRateLimit
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		code = ErrorCodeModelNotFound
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid"):
		code = ErrorCodeInvalidRequest
	case strings.Contains(msg, "deadline") || strings.Contains(msg, "timeout"):
		code = ErrorCodeTimeout
	case strings.Contains(msg, "500") || strings.Contains(msg, "503") || strings.Contains(msg, "unavailable"):
		code = ErrorCodeServerError
	}

	return NewProviderError("gemini", code, err.Error(), err)
}
