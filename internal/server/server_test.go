package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reportlens/reportlens/internal/assistant"
	"github.com/reportlens/reportlens/internal/auth"
	"github.com/reportlens/reportlens/internal/policy"
	"github.com/reportlens/reportlens/pkg/llm"
	"github.com/reportlens/reportlens/pkg/memory"
	"github.com/reportlens/reportlens/pkg/observability"
	"github.com/reportlens/reportlens/pkg/security"
	"github.com/reportlens/reportlens/pkg/session"
	"github.com/reportlens/reportlens/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStore) Put(_ context.Context, key, contentType string, body []byte) (storage.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = body
	return storage.Object{Bucket: "test", Key: key, ContentType: contentType, Size: int64(len(body))}, nil
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.objects[key]; ok {
		return b, nil
	}
	return nil, storage.ErrNotFound
}

func (s *memStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://files.example/" + key, nil
}

type testServer struct {
	server   *Server
	tokens   *auth.TokenProvider
	provider *llm.MockProvider
	manager  *session.Manager
}

func newTestServer(t *testing.T, limiter *security.RateLimiter) *testServer {
	t.Helper()
	return newTestServerWith(t, limiter, Options{
		AllowedOrigins:     []string{"http://localhost:5173"},
		MaxUploadBytes:     1 << 20,
		RequestTimeout:     5 * time.Second,
		ServeObservability: true,
		ServeMetrics:       true,
	})
}

func newTestServerWith(t *testing.T, limiter *security.RateLimiter, opts Options) *testServer {
	t.Helper()
	ctx := context.Background()
	observability.InitMetrics()

	backend, err := session.NewFileBackend(t.TempDir(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	manager := session.NewManager(backend)

	mem := memory.New(memory.Config{MaxSessions: 10, MaxTurns: 20, IdleTTL: time.Hour})
	t.Cleanup(mem.Close)

	provider := llm.NewMockProvider("mock")
	provider.Respond = func(req llm.Request) (*llm.Response, error) {
		if len(req.Parts) > 0 {
			return &llm.Response{Content: "extracted report text"}, nil
		}
		return &llm.Response{Content: "fever, fatigue"}, nil
	}

	tokens, err := auth.NewTokenProvider("server-test-secret-123", "reportlens", time.Hour)
	require.NoError(t, err)

	engine, err := policy.NewEngine(ctx, "")
	require.NoError(t, err)

	checker := observability.NewHealthChecker("test")
	checker.RegisterCheck(observability.StoreCheck(backend.Ping))

	store := &memStore{objects: make(map[string][]byte)}
	srv := New(Deps{
		Assistant: assistant.New(provider, manager, mem, store, assistant.DefaultConfig(), nil),
		Manager:   manager,
		Auth:      auth.NewAuthenticator(tokens, ""),
		Policy:    engine,
		Limiter:   limiter,
		Health:    checker,
	}, opts)

	return &testServer{server: srv, tokens: tokens, provider: provider, manager: manager}
}

func (ts *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := ts.tokens.Issue(auth.User{ID: userID, Name: "Test " + userID})
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, userID))
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) upload(t *testing.T, path, userID, field, fileName, contentType string, data []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, fileName))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+ts.token(t, userID))
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHello(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/hello", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello, World!", rec.Body.String())
}

func TestAuthStatus(t *testing.T) {
	ts := newTestServer(t, nil)

	var anon map[string]any
	rec := ts.do(t, http.MethodGet, "/auth/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &anon)
	assert.Equal(t, false, anon["isLoggedIn"])
	assert.NotContains(t, anon, "user")

	var status struct {
		IsLoggedIn bool      `json:"isLoggedIn"`
		User       auth.User `json:"user"`
	}
	rec = ts.do(t, http.MethodGet, "/auth/status", "u1", nil)
	decode(t, rec, &status)
	assert.True(t, status.IsLoggedIn)
	assert.Equal(t, "u1", status.User.ID)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/create-session", "/ask-llm", "/upload-pdf", "/api/auth/logout"} {
		rec := ts.do(t, http.MethodPost, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Contains(t, rec.Body.String(), `"message"`, path)
	}
	rec := ts.do(t, http.MethodGet, "/c/history", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/create-session", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var created map[string]string
	decode(t, rec, &created)
	sessionID := created["sessionId"]
	require.NotEmpty(t, sessionID)

	rec = ts.do(t, http.MethodGet, "/chat-history/"+sessionID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/chat-history/"+sessionID, "u2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/chat-history/does-not-exist", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadPDFAndHistory(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.upload(t, "/upload-pdf", "u1", "pdf", "cbc.pdf", "application/pdf", []byte("%PDF-1.4 test"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res assistant.PDFResult
	decode(t, rec, &res)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "cbc.pdf", res.PDFName)
	assert.Equal(t, []string{"fever", "fatigue"}, res.Symptoms.Symptoms)

	rec = ts.do(t, http.MethodGet, "/c/history", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []struct {
		SessionID string `json:"sessionId"`
		Messages  []struct {
			Role    string          `json:"role"`
			Type    string          `json:"type"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	decode(t, rec, &history)
	require.Len(t, history, 1)
	assert.Equal(t, res.SessionID, history[0].SessionID)
	require.Len(t, history[0].Messages, 2)
	assert.Equal(t, "pdf_upload", history[0].Messages[0].Type)
	assert.Equal(t, "pdf_summary", history[0].Messages[1].Type)

	rec = ts.do(t, http.MethodGet, "/c/history", "u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestUploadPDF_MissingFile(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.upload(t, "/upload-pdf", "u1", "other", "x.pdf", "application/pdf", []byte("%PDF"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "No PDF file provided")
}

func TestUploadImage(t *testing.T) {
	ts := newTestServer(t, nil)
	png := []byte("\x89PNG\r\n\x1a\nfake")

	rec := ts.upload(t, "/upload-image", "u1", "image", "scan.png", "image/png", png, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Session ID is required")

	sessionID, err := ts.manager.CreateNewSession(context.Background(), "u1")
	require.NoError(t, err)

	rec = ts.upload(t, "/upload-image", "u2", "image", "scan.png", "image/png", png, map[string]string{"sessionId": sessionID})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.upload(t, "/upload-image", "u1", "image", "scan.png", "image/png", png, map[string]string{"sessionId": sessionID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res assistant.ImageResult
	decode(t, rec, &res)
	assert.Equal(t, sessionID, res.SessionID)
	assert.Equal(t, "scan.png", res.ImageName)
}

func TestAskLLM(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/ask-llm", "u1", askRequest{Question: "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Session ID is required"}`, rec.Body.String())

	sessionID, err := ts.manager.CreateNewSession(context.Background(), "u1")
	require.NoError(t, err)

	rec = ts.do(t, http.MethodPost, "/ask-llm", "u1", askRequest{Question: "  ", SessionID: sessionID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "question is required")

	rec = ts.do(t, http.MethodPost, "/ask-llm", "u1", askRequest{Question: "What is MCV?", SessionID: sessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	var ans assistant.Answer
	decode(t, rec, &ans)
	assert.Equal(t, "What is MCV?", ans.YourQuestion)
	assert.NotEmpty(t, ans.Content)
}

func TestAskLLM_UpstreamFailure(t *testing.T) {
	ts := newTestServer(t, nil)
	sessionID, err := ts.manager.CreateNewSession(context.Background(), "u1")
	require.NoError(t, err)

	ts.provider.Respond = func(llm.Request) (*llm.Response, error) {
		return nil, errors.New("model overloaded")
	}
	rec := ts.do(t, http.MethodPost, "/ask-llm", "u1", askRequest{Question: "hi", SessionID: sessionID})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body errorBody
	decode(t, rec, &body)
	assert.Equal(t, "Error processing question", body.Error)
	assert.Contains(t, body.Details, "model overloaded")
}

func TestAnalyzeRecommendRecover(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/analyze-symptoms", "u1", map[string]any{"selectedSymptoms": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/analyze-symptoms", "u1", map[string]any{"selectedSymptoms": []string{"fever"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Symptoms analyzed successfully")

	rec = ts.do(t, http.MethodPost, "/recommendation", "u1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/recommendation", "u1", map[string]any{"reportSummary": "low iron"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"analysis"`)

	rec = ts.do(t, http.MethodPost, "/recovery-plan", "u1", map[string]any{
		"conditions": []string{"anemia", "vitamin D deficiency"},
		"symptoms":   []string{"fatigue"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"recoveryPlan"`)
	calls := ts.provider.Calls()
	assert.Contains(t, calls[len(calls)-1].Messages[0].Content, "anemia, vitamin D deficiency")

	rec = ts.do(t, http.MethodPost, "/recovery-plan", "u1", map[string]any{"conditions": "anemia"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, security.NewRateLimiter(0.001, 1))

	rec := ts.do(t, http.MethodPost, "/create-session", "u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/create-session", "u1", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = ts.do(t, http.MethodPost, "/create-session", "u2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodGet, "/hello", "", nil)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health observability.HealthResponse
	decode(t, rec, &health)
	assert.Equal(t, observability.HealthStatusHealthy, health.Status)

	rec = ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reportlens_http_requests_total")
}

func TestMetricsDisabled(t *testing.T) {
	ts := newTestServerWith(t, nil, Options{
		AllowedOrigins:     []string{"http://localhost:5173"},
		ServeObservability: true,
	})

	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogout(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/api/auth/logout", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), auth.DefaultCookieName+"=;")
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/create-session", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ValidationError("op", "bad"), http.StatusBadRequest},
		{&session.Error{Kind: session.ErrNotFound, Op: "op"}, http.StatusNotFound},
		{session.PersistenceError("op", errors.New("disk")), http.StatusInternalServerError},
		{session.UpstreamError("op", errors.New("503")), http.StatusBadGateway},
		{fmt.Errorf("wrap: %w", policy.ErrForbidden), http.StatusForbidden},
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestTextOrList(t *testing.T) {
	var v struct {
		C textOrList `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"c":"a"}`), &v))
	assert.Equal(t, textOrList("a"), v.C)
	require.NoError(t, json.Unmarshal([]byte(`{"c":["a","b"]}`), &v))
	assert.Equal(t, textOrList("a, b"), v.C)
	assert.Error(t, json.Unmarshal([]byte(`{"c":3}`), &v))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "21M", formatBytes(21<<20))
	assert.Equal(t, "2K", formatBytes(1500))
	assert.True(t, strings.HasSuffix(formatBytes(1<<20+1), "K"))
}
