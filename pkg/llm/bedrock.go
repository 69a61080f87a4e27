package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const defaultBedrockModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

func init() {
	RegisterFactory("bedrock", func(ctx context.Context, cfg Config) (Provider, error) {
		return NewBedrockProvider(ctx, cfg)
	})
}

// ConverseAPI is the subset of the Bedrock runtime client used by BedrockProvider.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider implements Provider with the Bedrock Converse API.
// Images and PDFs are passed as content blocks.
type BedrockProvider struct {
	client ConverseAPI
	model  string
	retry  RetryPolicy
}

// NewBedrockProvider creates a provider from the default AWS credential chain.
func NewBedrockProvider(ctx context.Context, cfg Config) (*BedrockProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if cfg.BaseURL != "" {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		}
	})
	return NewBedrockProviderWithClient(client, cfg.Model), nil
}

// NewBedrockProviderWithClient wraps an existing runtime client.
func NewBedrockProviderWithClient(client ConverseAPI, model string) *BedrockProvider {
	if model == "" {
		model = defaultBedrockModel
	}
	return &BedrockProvider{
		client: client,
		model:  model,
		retry:  DefaultRetryPolicy,
	}
}

// Name returns the provider name
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// Generate calls Converse.
func (p *BedrockProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages, err := buildBedrockMessages(req.Messages, req.Parts)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		input.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	var out *bedrockruntime.ConverseOutput
	err = p.retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = p.client.Converse(ctx, input)
		if callErr != nil {
			return wrapBedrockError(callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, NewProviderError("bedrock", ErrorCodeUnknown, "unexpected converse output", ErrEmptyResponse)
	}
	if out.StopReason == types.StopReasonContentFiltered || out.StopReason == types.StopReasonGuardrailIntervened {
		return nil, NewProviderError("bedrock", ErrorCodeContentFiltered, "response blocked by content filter", nil)
	}

	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}

	resp := &Response{
		Content:      sb.String(),
		FinishReason: string(out.StopReason),
		Model:        model,
	}
	if out.Usage != nil {
		resp.Usage.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.Usage.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return resp, nil
}

func buildBedrockMessages(messages []Message, parts []Part) ([]types.Message, error) {
	attachAt := lastUserIndex(messages)
	out := make([]types.Message, 0, len(messages))

	for i, m := range messages {
		if m.Role == RoleSystem {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}

		var blocks []types.ContentBlock
		if i == attachAt {
			for n, part := range parts {
				block, err := bedrockBlock(part, n)
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, block)
			}
		}
		if m.Content != "" {
			blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}
	return out, nil
}

func bedrockBlock(part Part, n int) (types.ContentBlock, error) {
	switch {
	case part.IsPDF():
		return &types.ContentBlockMemberDocument{Value: types.DocumentBlock{
			Format: types.DocumentFormatPdf,
			Name:   aws.String(fmt.Sprintf("document%d", n+1)),
			Source: &types.DocumentSourceMemberBytes{Value: part.Data},
		}}, nil
	case part.IsImage():
		format, ok := bedrockImageFormat(part.MIMEType)
		if !ok {
			break
		}
		return &types.ContentBlockMemberImage{Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: part.Data},
		}}, nil
	}
	return nil, NewProviderError("bedrock", ErrorCodeUnsupported,
		fmt.Sprintf("attachments of type %s are not supported", part.MIMEType), nil)
}

func bedrockImageFormat(mimeType string) (types.ImageFormat, bool) {
	switch mimeType {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	default:
		return "", false
	}
}

func wrapBedrockError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var (
		throttled   *types.ThrottlingException
		invalid     *types.ValidationException
		denied      *types.AccessDeniedException
		notFound    *types.ResourceNotFoundException
		timeout     *types.ModelTimeoutException
		unavailable *types.ServiceUnavailableException
		internal    *types.InternalServerException
	)

	code := ErrorCodeUnknown
	switch {
	case errors.As(err, &throttled):
		code = ErrorCodeRateLimit
	case errors.As(err, &invalid):
		code = ErrorCodeInvalidRequest
	case errors.As(err, &denied):
		code = ErrorCodeAuthentication
	case errors.As(err, &notFound):
		code = ErrorCodeModelNotFound
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		code = ErrorCodeTimeout
	case errors.As(err, &unavailable), errors.As(err, &internal):
		code = ErrorCodeServerError
	}
	return NewProviderError("bedrock", code, err.Error(), err)
}
