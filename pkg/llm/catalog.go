package llm

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
)

// ModelInfo describes a model available to a provider.
type ModelInfo struct {
	ID            string
	Name          string
	Vendor        string
	AcceptsImages bool
}

// FoundationModelLister is the subset of the Bedrock control-plane client used by BedrockCatalog.
type FoundationModelLister interface {
	ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

// BedrockCatalog lists Bedrock foundation models that produce text.
type BedrockCatalog struct {
	client FoundationModelLister
}

// NewBedrockCatalog creates a catalog from the default AWS credential chain.
func NewBedrockCatalog(ctx context.Context, region string) (*BedrockCatalog, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewBedrockCatalogWithClient(bedrock.NewFromConfig(awsCfg)), nil
}

// NewBedrockCatalogWithClient wraps an existing client.
func NewBedrockCatalogWithClient(client FoundationModelLister) *BedrockCatalog {
	return &BedrockCatalog{client: client}
}

// ListModels returns on-demand text models, sorted by ID. When imageInput is
// set only models that accept images are returned.
func (c *BedrockCatalog) ListModels(ctx context.Context, imageInput bool) ([]ModelInfo, error) {
	input := &bedrock.ListFoundationModelsInput{
		ByOutputModality: bedrocktypes.ModelModalityText,
		ByInferenceType:  bedrocktypes.InferenceTypeOnDemand,
	}

	out, err := c.client.ListFoundationModels(ctx, input)
	if err != nil {
		return nil, wrapBedrockError(err)
	}

	models := make([]ModelInfo, 0, len(out.ModelSummaries))
	for _, m := range out.ModelSummaries {
		info := ModelInfo{
			ID:     aws.ToString(m.ModelId),
			Name:   aws.ToString(m.ModelName),
			Vendor: aws.ToString(m.ProviderName),
		}
		for _, modality := range m.InputModalities {
			if modality == bedrocktypes.ModelModalityImage {
				info.AcceptsImages = true
			}
		}
		if imageInput && !info.AcceptsImages {
			continue
		}
		models = append(models, info)
	}

	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}
