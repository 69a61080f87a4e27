package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportlens_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportlens_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Store metrics
	storeOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportlens_store_operations_total",
			Help: "Total number of session store operations",
		},
		[]string{"op", "status"},
	)

	storeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportlens_store_operation_duration_seconds",
			Help:    "Session store operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op"},
	)

	indexEntriesPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reportlens_index_entries_pruned_total",
			Help: "Expired session index entries removed by the sweeper",
		},
	)

	// LLM metrics
	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportlens_llm_calls_total",
			Help: "Total number of model calls",
		},
		[]string{"provider", "model", "status"},
	)

	llmCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportlens_llm_call_duration_seconds",
			Help:    "Model call duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"provider", "model"},
	)

	llmTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportlens_llm_tokens_total",
			Help: "Tokens consumed by model calls",
		},
		[]string{"provider", "direction"},
	)

	// Upload metrics
	uploadBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportlens_upload_bytes_total",
			Help: "Bytes uploaded to object storage",
		},
		[]string{"kind"},
	)

	// Conversation memory
	conversationsCached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reportlens_conversations_cached",
			Help: "Number of conversations held in memory",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			storeOpsTotal,
			storeOpDuration,
			indexEntriesPruned,
			llmCallsTotal,
			llmCallDuration,
			llmTokensTotal,
			uploadBytesTotal,
			conversationsCached,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordStoreOp records a session store operation
func RecordStoreOp(op string, err error, duration time.Duration) {
	storeOpsTotal.WithLabelValues(op, statusLabel(err)).Inc()
	storeOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordIndexPruned counts index entries removed by the sweeper
func RecordIndexPruned(n int) {
	indexEntriesPruned.Add(float64(n))
}

// RecordLLMCall records a model call
func RecordLLMCall(provider, model string, err error, duration time.Duration) {
	llmCallsTotal.WithLabelValues(provider, model, statusLabel(err)).Inc()
	llmCallDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordLLMTokens adds prompt and completion token counts
func RecordLLMTokens(provider string, input, output int) {
	llmTokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	llmTokensTotal.WithLabelValues(provider, "output").Add(float64(output))
}

// RecordUpload records bytes written to object storage
func RecordUpload(kind string, bytes int64) {
	uploadBytesTotal.WithLabelValues(kind).Add(float64(bytes))
}

// SetConversationsCached sets the in-memory conversation gauge
func SetConversationsCached(count int) {
	conversationsCached.Set(float64(count))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
