package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	prev := tracer
	tracer = tp.Tracer("test")
	t.Cleanup(func() {
		tracer = prev
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestStartSpanAndEndSpan(t *testing.T) {
	rec := withRecorder(t)

	_, ok := StartSpan(context.Background(), "session.create", attribute.String("user.id", "u1"))
	EndSpan(ok, nil)

	_, failed := StartSpan(context.Background(), "session.get_history")
	EndSpan(failed, errors.New("redis down"))

	spans := rec.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "session.create", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("user.id", "u1"))

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "redis down", spans[1].Status().Description)
	require.Len(t, spans[1].Events(), 1)
}

func TestStartSpan_NestsUnderParent(t *testing.T) {
	rec := withRecorder(t)

	ctx, parent := StartSpan(context.Background(), "http.ask")
	_, child := StartSpan(ctx, "llm.generate")
	EndSpan(child, nil)
	EndSpan(parent, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
}

func TestInitTracing(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, InitTracing(ctx, TracingConfig{Exporter: "none"}))
	assert.Error(t, InitTracing(ctx, TracingConfig{Exporter: "zipkin"}))

	require.NoError(t, InitTracing(ctx, TracingConfig{Exporter: "stdout"}))
	assert.NoError(t, ShutdownTracing(ctx))
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(storeOpsTotal.WithLabelValues("get_history", "error"))
	RecordStoreOp("get_history", errors.New("boom"), time.Millisecond)
	after := testutil.ToFloat64(storeOpsTotal.WithLabelValues("get_history", "error"))
	assert.Equal(t, before+1, after)

	RecordLLMTokens("gemini", 10, 4)
	assert.GreaterOrEqual(t, testutil.ToFloat64(llmTokensTotal.WithLabelValues("gemini", "output")), 4.0)

	SetConversationsCached(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(conversationsCached))

	RecordUpload("pdf", 2048)
	assert.GreaterOrEqual(t, testutil.ToFloat64(uploadBytesTotal.WithLabelValues("pdf")), 2048.0)
}
