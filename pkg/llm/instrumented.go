package llm

import (
	"context"
	"time"

	"github.com/reportlens/reportlens/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
)

// InstrumentedProvider wraps a Provider with tracing and metrics.
type InstrumentedProvider struct {
	provider Provider
}

// NewInstrumentedProvider wraps provider.
func NewInstrumentedProvider(provider Provider) *InstrumentedProvider {
	return &InstrumentedProvider{provider: provider}
}

// Name returns the wrapped provider's name.
func (p *InstrumentedProvider) Name() string {
	return p.provider.Name()
}

// Generate calls the wrapped provider inside a span and records the outcome.
func (p *InstrumentedProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	ctx, span := observability.StartSpan(ctx, "llm."+p.provider.Name()+".generate",
		attribute.String("llm.provider", p.provider.Name()),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages_count", len(req.Messages)),
		attribute.Int("llm.parts_count", len(req.Parts)),
	)

	start := time.Now()
	resp, err := p.provider.Generate(ctx, req)
	duration := time.Since(start)

	model := req.Model
	if resp != nil && resp.Model != "" {
		model = resp.Model
	}
	observability.RecordLLMCall(p.provider.Name(), model, err, duration)

	if resp != nil {
		observability.RecordLLMTokens(p.provider.Name(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
		span.SetAttributes(
			attribute.Int("llm.usage.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.usage.output_tokens", resp.Usage.OutputTokens),
			attribute.String("llm.finish_reason", resp.FinishReason),
		)
	}
	observability.EndSpan(span, err)

	return resp, err
}
