package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

func init() {
	RegisterFactory("openai", func(ctx context.Context, cfg Config) (Provider, error) {
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if cfg.APIKey == "" {
			return nil, errors.New("OPENAI_API_KEY not set")
		}
		return NewOpenAIProvider(cfg), nil
	})
}

// ChatCompleter is the subset of the OpenAI client used by OpenAIProvider.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider implements Provider using the OpenAI chat completions API.
// Images are sent as data URLs; PDFs are not supported by this API.
type OpenAIProvider struct {
	client ChatCompleter
	model  string
	retry  RetryPolicy
}

// NewOpenAIProvider creates a provider with its own client.
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewOpenAIProviderWithClient(openai.NewClientWithConfig(clientCfg), cfg.Model)
}

// NewOpenAIProviderWithClient wraps an existing client.
func NewOpenAIProviderWithClient(client ChatCompleter, model string) *OpenAIProvider {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		client: client,
		model:  model,
		retry:  DefaultRetryPolicy,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Generate creates a chat completion.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages, err := buildOpenAIMessages(req)
	if err != nil {
		return nil, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}

	var resp openai.ChatCompletionResponse
	err = p.retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, chatReq)
		if callErr != nil {
			return wrapOpenAIError(callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, NewProviderError("openai", ErrorCodeUnknown, "no choices in response", ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, NewProviderError("openai", ErrorCodeContentFiltered, "response blocked by content filter", nil)
	}

	return &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Model:        resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func buildOpenAIMessages(req Request) ([]openai.ChatCompletionMessage, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	attachAt := lastUserIndex(req.Messages)
	for i, m := range req.Messages {
		msg := openai.ChatCompletionMessage{Role: string(m.Role)}
		if i != attachAt || len(req.Parts) == 0 {
			msg.Content = m.Content
			messages = append(messages, msg)
			continue
		}

		multi := make([]openai.ChatMessagePart, 0, len(req.Parts)+1)
		for _, part := range req.Parts {
			if !part.IsImage() {
				return nil, NewProviderError("openai", ErrorCodeUnsupported,
					fmt.Sprintf("attachments of type %s are not supported", part.MIMEType), nil)
			}
			multi = append(multi, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + part.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(part.Data),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
		if m.Content != "" {
			multi = append(multi, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: m.Content})
		}
		msg.MultiContent = multi
		messages = append(messages, msg)
	}
	return messages, nil
}

func wrapOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := NewProviderError("openai", codeForStatus(apiErr.HTTPStatusCode), apiErr.Message, err)
		pe.StatusCode = apiErr.HTTPStatusCode
		return pe
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		pe := NewProviderError("openai", codeForStatus(reqErr.HTTPStatusCode), reqErr.Error(), err)
		pe.StatusCode = reqErr.HTTPStatusCode
		return pe
	}

	code := ErrorCodeUnknown
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(strings.ToLower(err.Error()), "timeout") {
		code = ErrorCodeTimeout
	}
	return NewProviderError("openai", code, err.Error(), err)
}
