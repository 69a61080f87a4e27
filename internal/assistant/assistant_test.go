package assistant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reportlens/reportlens/pkg/llm"
	"github.com/reportlens/reportlens/pkg/memory"
	"github.com/reportlens/reportlens/pkg/security"
	"github.com/reportlens/reportlens/pkg/session"
	"github.com/reportlens/reportlens/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Put(_ context.Context, key, contentType string, body []byte) (storage.Object, error) {
	if s.putErr != nil {
		return storage.Object{}, s.putErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), body...)
	return storage.Object{Bucket: "test", Key: key, ContentType: contentType, Size: int64(len(body))}, nil
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b, nil
}

func (s *memStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://files.example/" + key + "?sig=abc", nil
}

// scripted answers by prompt kind.
func scripted(req llm.Request) (*llm.Response, error) {
	switch {
	case len(req.Parts) > 0 && req.Parts[0].IsPDF():
		return &llm.Response{Content: "Hemoglobin 10.1 g/dL (13.0-17.0)"}, nil
	case len(req.Parts) > 0 && req.Parts[0].IsImage():
		return &llm.Response{Content: "A chest X-ray with mild opacity."}, nil
	case req.System == symptomsSystem:
		return &llm.Response{Content: "fatigue, , pale skin ,dizziness\n"}, nil
	case req.System == explainerSystem:
		last := req.Messages[len(req.Messages)-1].Content
		return &llm.Response{Content: "Explained: " + last}, nil
	default:
		return &llm.Response{Content: "analysis"}, nil
	}
}

type fixture struct {
	assistant *Assistant
	provider  *llm.MockProvider
	manager   *session.Manager
	memory    *memory.ConversationMemory
	store     *memStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend, err := session.NewFileBackend(t.TempDir(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	provider := llm.NewMockProvider("mock")
	provider.Respond = scripted

	mem := memory.New(memory.Config{MaxSessions: 10, MaxTurns: 20, IdleTTL: time.Hour})
	t.Cleanup(mem.Close)

	manager := session.NewManager(backend)
	store := newMemStore()
	return &fixture{
		assistant: New(provider, manager, mem, store, DefaultConfig(), nil),
		provider:  provider,
		manager:   manager,
		memory:    mem,
		store:     store,
	}
}

func pdfUpload() Upload {
	return Upload{FileName: "blood-report.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4 fake")}
}

func TestProcessPDF(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.assistant.ProcessPDF(ctx, "u1", pdfUpload())
	require.NoError(t, err)

	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "PDF processed successfully", res.Message)
	assert.Equal(t, "blood-report.pdf", res.PDFName)
	assert.Contains(t, res.PDFURL, "-blood-report.pdf")
	assert.Equal(t, "Explained: Hemoglobin 10.1 g/dL (13.0-17.0)", res.Summary)
	assert.True(t, res.Symptoms.Success)
	assert.Equal(t, []string{"fatigue", "pale skin", "dizziness"}, res.Symptoms.Symptoms)
	assert.Len(t, f.store.objects, 1)

	msgs, err := f.manager.GetSessionHistory(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, session.TypePDFUpload, msgs[0].Type)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, session.TypePDFSummary, msgs[1].Type)
	summary, ok := msgs[1].Content.(session.FileSummary)
	require.True(t, ok)
	assert.Equal(t, res.Summary, summary.Content)
	assert.Equal(t, res.PDFURL, summary.FileURL)
}

func TestProcessPDF_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.assistant.ProcessPDF(ctx, "u1", Upload{FileName: "x.pdf"})
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = f.assistant.ProcessPDF(ctx, "u1", Upload{FileName: "x.png", ContentType: "image/png", Data: []byte{1}})
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = f.assistant.ProcessPDF(ctx, "", pdfUpload())
	assert.ErrorIs(t, err, session.ErrValidation)
	assert.Empty(t, f.provider.Calls())
}

func TestProcessPDF_StorageFailure(t *testing.T) {
	f := newFixture(t)
	f.store.putErr = errors.New("bucket unreachable")

	_, err := f.assistant.ProcessPDF(context.Background(), "u1", pdfUpload())
	assert.ErrorIs(t, err, session.ErrPersistence)
	assert.Empty(t, f.provider.Calls())
}

func TestProcessPDF_SymptomFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.Respond = func(req llm.Request) (*llm.Response, error) {
		if req.System == symptomsSystem {
			return nil, llm.NewProviderError("mock", llm.ErrorCodeServerError, "overloaded", nil)
		}
		return scripted(req)
	}

	_, err := f.assistant.ProcessPDF(context.Background(), "u1", pdfUpload())
	assert.ErrorIs(t, err, session.ErrUpstream)
	assert.Contains(t, err.Error(), "failed to extract symptoms")
}

func TestAsk_UsesConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.assistant.ProcessPDF(ctx, "u1", pdfUpload())
	require.NoError(t, err)

	ans, err := f.assistant.Ask(ctx, "u1", res.SessionID, "Is my hemoglobin low?")
	require.NoError(t, err)
	assert.Equal(t, "Is my hemoglobin low?", ans.YourQuestion)
	assert.Equal(t, "Explained: Is my hemoglobin low?", ans.Content)

	calls := f.provider.Calls()
	last := calls[len(calls)-1]
	var contents []string
	for _, m := range last.Messages {
		contents = append(contents, m.Content)
	}
	assert.Contains(t, contents, res.Summary)
	assert.Equal(t, explainerSystem, last.System)

	msgs, err := f.manager.GetSessionHistory(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, session.PlainText("Is my hemoglobin low?"), msgs[2].Content)
	assert.Equal(t, session.RoleAssistant, msgs[3].Role)
}

func TestAsk_RebuildsContextFromHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.assistant.ProcessPDF(ctx, "u1", pdfUpload())
	require.NoError(t, err)

	f.memory.Clear()
	_, err = f.assistant.Ask(ctx, "u1", res.SessionID, "What next?")
	require.NoError(t, err)

	calls := f.provider.Calls()
	last := calls[len(calls)-1]
	require.GreaterOrEqual(t, len(last.Messages), 3)
	assert.True(t, strings.HasPrefix(last.Messages[0].Content, "Uploaded file blood-report.pdf"))
	assert.Equal(t, res.Summary, last.Messages[1].Content)
	assert.Equal(t, "What next?", last.Messages[len(last.Messages)-1].Content)
}

func TestAsk_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.assistant.Ask(ctx, "u1", "", "hi")
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = f.assistant.Ask(ctx, "u1", "s1", "  ")
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = f.assistant.Ask(ctx, "u1", "missing", "hi")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestProcessImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sessionID, err := f.manager.CreateNewSession(ctx, "u1")
	require.NoError(t, err)

	res, err := f.assistant.ProcessImage(ctx, "u1", sessionID, Upload{
		FileName:    "xray.png",
		ContentType: "image/png",
		Data:        []byte{0x89, 'P', 'N', 'G'},
	})
	require.NoError(t, err)
	assert.Equal(t, sessionID, res.SessionID)
	assert.Equal(t, "A chest X-ray with mild opacity.", res.Summary)
	assert.Equal(t, "xray.png", res.ImageName)
	assert.True(t, res.Symptoms.Success)

	msgs, err := f.manager.GetSessionHistory(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, session.PlainText(imagePrompt), msgs[0].Content)
	assert.Equal(t, session.PlainText(res.Summary), msgs[1].Content)
}

func TestProcessImage_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := Upload{FileName: "a.png", ContentType: "image/png", Data: []byte{1}}

	_, err := f.assistant.ProcessImage(ctx, "u1", "", img)
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = f.assistant.ProcessImage(ctx, "u1", "s1", Upload{FileName: "a.png"})
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = f.assistant.ProcessImage(ctx, "u1", "s1", Upload{FileName: "a.txt", ContentType: "text/plain", Data: []byte{1}})
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = f.assistant.ProcessImage(ctx, "u1", "missing", img)
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Empty(t, f.store.objects)
}

func TestExtractSymptoms_NoThrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.assistant.ExtractSymptoms(ctx, "   ")
	assert.False(t, res.Success)
	assert.Equal(t, "No report content provided", res.Error)
	assert.NotNil(t, res.Symptoms)

	f.provider.Respond = func(llm.Request) (*llm.Response, error) {
		return nil, errors.New("boom")
	}
	res = f.assistant.ExtractSymptoms(ctx, "fever noted")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "boom")
	assert.Empty(t, res.Symptoms)
}

func TestSplitSymptoms(t *testing.T) {
	assert.Equal(t, []string{"fever", "headache"}, SplitSymptoms(" fever ,, headache ,"))
	assert.Equal(t, []string{}, SplitSymptoms(""))
}

func TestAnalyzeSymptoms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.assistant.AnalyzeSymptoms(ctx, []string{" ", ""})
	assert.ErrorIs(t, err, session.ErrValidation)

	out, err := f.assistant.AnalyzeSymptoms(ctx, []string{"fever", "cough"})
	require.NoError(t, err)
	assert.Equal(t, "analysis", out)

	calls := f.provider.Calls()
	req := calls[len(calls)-1]
	assert.Equal(t, analysisSystem, req.System)
	assert.Contains(t, req.Messages[0].Content, "fever, cough")
}

func TestHealthRecommendations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.assistant.HealthRecommendations(ctx, "", nil)
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = f.assistant.HealthRecommendations(ctx, "Low iron", nil)
	require.NoError(t, err)
	calls := f.provider.Calls()
	prompt := calls[len(calls)-1].Messages[0].Content
	assert.Contains(t, prompt, "Low iron")
	assert.Contains(t, prompt, "None reported")
}

func TestRecoveryPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.assistant.RecoveryPlan(ctx, "anemia", nil)
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = f.assistant.RecoveryPlan(ctx, "anemia", []string{"fatigue"})
	require.NoError(t, err)
	calls := f.provider.Calls()
	prompt := calls[len(calls)-1].Messages[0].Content
	assert.Contains(t, prompt, "anemia")
	assert.Contains(t, prompt, "7-day recovery plan")
}

func TestGenerate_BreakerOpens(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.BreakerFailures = 2
	a := New(f.provider, f.manager, f.memory, f.store, cfg, nil)

	f.provider.Respond = func(llm.Request) (*llm.Response, error) {
		return nil, llm.NewProviderError("mock", llm.ErrorCodeServerError, "unavailable", nil)
	}

	for i := 0; i < 2; i++ {
		_, err := a.AnalyzeSymptoms(context.Background(), []string{"fever"})
		assert.ErrorIs(t, err, session.ErrUpstream)
	}
	_, err := a.AnalyzeSymptoms(context.Background(), []string{"fever"})
	assert.ErrorIs(t, err, security.ErrCircuitOpen)
	assert.ErrorIs(t, err, session.ErrUpstream)
	assert.Len(t, f.provider.Calls(), 2)
}

func TestGenerate_ClientErrorsDoNotTrip(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.BreakerFailures = 1
	a := New(f.provider, f.manager, f.memory, f.store, cfg, nil)

	f.provider.Respond = func(llm.Request) (*llm.Response, error) {
		return nil, llm.NewProviderError("mock", llm.ErrorCodeInvalidRequest, "bad", nil)
	}
	_, _ = a.AnalyzeSymptoms(context.Background(), []string{"fever"})
	assert.Equal(t, security.CircuitClosed, a.Breaker().State())
}

func TestGenerate_EmptyResponse(t *testing.T) {
	f := newFixture(t)
	f.provider.Respond = func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: "  "}, nil
	}
	_, err := f.assistant.AnalyzeSymptoms(context.Background(), []string{"fever"})
	assert.ErrorIs(t, err, llm.ErrEmptyResponse)
}

func TestExplainStoredPDF(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.assistant.ProcessPDF(ctx, "u1", pdfUpload())
	require.NoError(t, err)
	require.Len(t, f.store.objects, 1)
	var key string
	for k := range f.store.objects {
		key = k
	}

	res, err := f.assistant.ExplainStoredPDF(ctx, "u2", key)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, res.SessionID)
	assert.Equal(t, "blood-report.pdf", res.PDFName)
	assert.Contains(t, res.PDFURL, key)
	assert.Equal(t, "Explained: Hemoglobin 10.1 g/dL (13.0-17.0)", res.Summary)
	assert.Len(t, f.store.objects, 1, "stored report must not be uploaded again")

	sess, err := f.manager.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "u2", sess.UserID)
	msgs, err := f.manager.GetSessionHistory(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, session.TypePDFUpload, msgs[0].Type)
	assert.Equal(t, session.TypePDFSummary, msgs[1].Type)
}

func TestExplainStoredPDF_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.assistant.ExplainStoredPDF(ctx, "u1", " ")
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = f.assistant.ExplainStoredPDF(ctx, "u1", "1700000000123-missing.pdf")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessionID, err := f.manager.CreateNewSession(ctx, "u1")
	require.NoError(t, err)

	// Unknown roles are rejected by the store.
	f.assistant.save(ctx, sessionID, "u1", session.Role("system"), session.Text("x"))

	msgs, err := f.manager.GetSessionHistory(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
