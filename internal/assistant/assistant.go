// Package assistant implements the medical report workflows: reading uploaded
// images and PDFs with a model, explaining them, and answering follow-up
// questions with the conversation as context.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/reportlens/reportlens/pkg/llm"
	"github.com/reportlens/reportlens/pkg/memory"
	"github.com/reportlens/reportlens/pkg/observability"
	"github.com/reportlens/reportlens/pkg/security"
	"github.com/reportlens/reportlens/pkg/session"
	"github.com/reportlens/reportlens/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
)

// Upload is a file received from a client.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// SymptomsResult is the outcome of symptom extraction. It never carries a Go
// error; failures are reported through Success and Error.
type SymptomsResult struct {
	Success  bool     `json:"success"`
	Symptoms []string `json:"symptoms"`
	Error    string   `json:"error,omitempty"`
}

// ImageResult is returned by ProcessImage.
type ImageResult struct {
	Message   string         `json:"message"`
	SessionID string         `json:"sessionId"`
	Summary   string         `json:"summary"`
	Symptoms  SymptomsResult `json:"symptoms"`
	ImageName string         `json:"imageName"`
	ImageURL  string         `json:"imageUrl"`
}

// PDFResult is returned by ProcessPDF.
type PDFResult struct {
	Message   string         `json:"message"`
	SessionID string         `json:"sessionId"`
	Summary   string         `json:"summary"`
	PDFName   string         `json:"pdfName"`
	PDFURL    string         `json:"pdfUrl"`
	Symptoms  SymptomsResult `json:"symptoms"`
}

// Answer is returned by Ask.
type Answer struct {
	Content      string `json:"content"`
	YourQuestion string `json:"yourQuestion"`
}

// Config tunes model usage.
type Config struct {
	// Model overrides the provider default for text prompts.
	Model string
	// VisionModel is used for image and PDF inputs; empty uses Model.
	VisionModel string
	// Temperature for every call.
	Temperature float64
	// PresignTTL is the lifetime of returned file links.
	PresignTTL time.Duration
	// BreakerFailures consecutive upstream failures open the breaker.
	BreakerFailures int
	// BreakerCooldown is how long an open breaker rejects calls.
	BreakerCooldown time.Duration
}

// DefaultConfig returns defaults matching the hosted deployment.
func DefaultConfig() Config {
	return Config{
		PresignTTL:      storage.DefaultPresignTTL,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Assistant composes a model provider, the session manager, the conversation
// cache and object storage.
type Assistant struct {
	provider llm.Provider
	manager  *session.Manager
	memory   *memory.ConversationMemory
	store    storage.Store
	breaker  *security.CircuitBreaker
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Assistant.
func New(provider llm.Provider, manager *session.Manager, mem *memory.ConversationMemory, store storage.Store, cfg Config, logger *slog.Logger) *Assistant {
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = DefaultConfig().BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultConfig().BreakerCooldown
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assistant{
		provider: provider,
		manager:  manager,
		memory:   mem,
		store:    store,
		breaker:  security.NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
		cfg:      cfg,
		logger:   logger.With("component", "assistant"),
		now:      time.Now,
	}
}

// Breaker exposes the upstream circuit breaker state for health reporting.
func (a *Assistant) Breaker() *security.CircuitBreaker {
	return a.breaker
}

// ProcessImage stores an image in an existing session, describes it with the
// vision model and extracts likely symptoms from the description.
func (a *Assistant) ProcessImage(ctx context.Context, userID, sessionID string, up Upload) (*ImageResult, error) {
	const op = "process image"

	ctx, span := observability.StartSpan(ctx, "assistant.process_image",
		attribute.String("session.id", sessionID),
	)
	res, err := a.processImage(ctx, op, userID, sessionID, up)
	observability.EndSpan(span, err)
	return res, err
}

func (a *Assistant) processImage(ctx context.Context, op, userID, sessionID string, up Upload) (*ImageResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, session.ValidationError(op, "Session ID is required")
	}
	if len(up.Data) == 0 {
		return nil, session.ValidationError(op, "No image file provided")
	}
	if up.ContentType == "" {
		up.ContentType = "image/png"
	}
	if !strings.HasPrefix(up.ContentType, "image/") {
		return nil, session.ValidationError(op, "file is not an image")
	}

	history, err := a.conversation(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	url, err := a.put(ctx, op, "image", up)
	if err != nil {
		return nil, err
	}

	turns := append(history, llm.Message{Role: llm.RoleUser, Content: imagePrompt})
	analysis, err := a.generate(ctx, op, llm.Request{
		Model:    a.cfg.VisionModel,
		Messages: turns,
		Parts:    []llm.Part{{MIMEType: up.ContentType, Data: up.Data}},
	})
	if err != nil {
		return nil, err
	}

	a.memory.Append(sessionID,
		llm.Message{Role: llm.RoleUser, Content: imagePrompt},
		llm.Message{Role: llm.RoleAssistant, Content: analysis},
	)
	a.save(ctx, sessionID, userID, session.RoleUser, session.Text(imagePrompt))
	a.save(ctx, sessionID, userID, session.RoleAssistant, session.Text(analysis))

	symptoms := a.ExtractSymptoms(ctx, analysis)

	return &ImageResult{
		Message:   "Image processed successfully",
		SessionID: sessionID,
		Summary:   analysis,
		Symptoms:  symptoms,
		ImageName: up.FileName,
		ImageURL:  url,
	}, nil
}

// ProcessPDF opens a new session for a report, stores it, explains it in
// plain language and extracts likely symptoms.
func (a *Assistant) ProcessPDF(ctx context.Context, userID string, up Upload) (*PDFResult, error) {
	const op = "process pdf"

	ctx, span := observability.StartSpan(ctx, "assistant.process_pdf")
	res, err := a.processPDF(ctx, op, userID, up, "")
	if res != nil {
		span.SetAttributes(attribute.String("session.id", res.SessionID))
	}
	observability.EndSpan(span, err)
	return res, err
}

// ExplainStoredPDF explains a report that is already in object storage under
// key, in a new session owned by userID. The object is not uploaded again.
func (a *Assistant) ExplainStoredPDF(ctx context.Context, userID, key string) (*PDFResult, error) {
	const op = "explain stored pdf"

	ctx, span := observability.StartSpan(ctx, "assistant.explain_stored_pdf",
		attribute.String("object.key", key))
	res, err := a.explainStoredPDF(ctx, op, userID, key)
	observability.EndSpan(span, err)
	return res, err
}

func (a *Assistant) explainStoredPDF(ctx context.Context, op, userID, key string) (*PDFResult, error) {
	if strings.TrimSpace(key) == "" {
		return nil, session.ValidationError(op, "object key is required")
	}
	data, err := a.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &session.Error{Kind: session.ErrNotFound, Op: op, Err: fmt.Errorf("object %s: %w", key, err)}
	}
	if err != nil {
		return nil, session.PersistenceError(op, err)
	}

	up := Upload{FileName: storage.NameFromKey(key), ContentType: "application/pdf", Data: data}
	return a.processPDF(ctx, op, userID, up, key)
}

// processPDF stores up unless key names an object that already holds it.
func (a *Assistant) processPDF(ctx context.Context, op, userID string, up Upload, key string) (*PDFResult, error) {
	if len(up.Data) == 0 {
		return nil, session.ValidationError(op, "No PDF file provided")
	}
	if up.ContentType == "" {
		up.ContentType = "application/pdf"
	}
	if up.ContentType != "application/pdf" {
		return nil, session.ValidationError(op, "file is not a PDF")
	}

	sessionID, err := a.manager.CreateNewSession(ctx, userID)
	if err != nil {
		return nil, err
	}

	var url string
	if key == "" {
		url, err = a.put(ctx, op, "pdf", up)
	} else {
		url, err = a.presign(ctx, op, key)
	}
	if err != nil {
		return nil, err
	}
	a.save(ctx, sessionID, userID, session.RoleUser, session.Upload(up.FileName, url))

	extracted, err := a.generate(ctx, op, llm.Request{
		Model:    a.cfg.VisionModel,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: pdfExtractPrompt}},
		Parts:    []llm.Part{{MIMEType: up.ContentType, Data: up.Data}},
	})
	if err != nil {
		return nil, err
	}

	history, err := a.conversation(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	summary, err := a.generate(ctx, op, llm.Request{
		System:   explainerSystem,
		Messages: append(history, llm.Message{Role: llm.RoleUser, Content: extracted}),
	})
	if err != nil {
		return nil, err
	}

	a.memory.Append(sessionID,
		llm.Message{Role: llm.RoleUser, Content: extracted},
		llm.Message{Role: llm.RoleAssistant, Content: summary},
	)
	a.save(ctx, sessionID, userID, session.RoleAssistant, session.Summary(up.FileName, url, summary))

	symptoms := a.ExtractSymptoms(ctx, extracted)
	if !symptoms.Success {
		return nil, session.UpstreamError(op, fmt.Errorf("failed to extract symptoms: %s", symptoms.Error))
	}

	return &PDFResult{
		Message:   "PDF processed successfully",
		SessionID: sessionID,
		Summary:   summary,
		PDFName:   up.FileName,
		PDFURL:    url,
		Symptoms:  symptoms,
	}, nil
}

// Ask answers a question within a session, using the conversation so far.
func (a *Assistant) Ask(ctx context.Context, userID, sessionID, question string) (*Answer, error) {
	const op = "ask"

	ctx, span := observability.StartSpan(ctx, "assistant.ask",
		attribute.String("session.id", sessionID),
	)
	ans, err := a.ask(ctx, op, userID, sessionID, question)
	observability.EndSpan(span, err)
	return ans, err
}

func (a *Assistant) ask(ctx context.Context, op, userID, sessionID, question string) (*Answer, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, session.ValidationError(op, "Session ID is required")
	}
	if strings.TrimSpace(question) == "" {
		return nil, session.ValidationError(op, "question is required")
	}

	history, err := a.conversation(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	content, err := a.generate(ctx, op, llm.Request{
		System:   explainerSystem,
		Messages: append(history, llm.Message{Role: llm.RoleUser, Content: question}),
	})
	if err != nil {
		return nil, err
	}

	a.memory.Append(sessionID,
		llm.Message{Role: llm.RoleUser, Content: question},
		llm.Message{Role: llm.RoleAssistant, Content: content},
	)
	a.save(ctx, sessionID, userID, session.RoleUser, session.Text(question))
	a.save(ctx, sessionID, userID, session.RoleAssistant, session.Text(content))

	return &Answer{Content: content, YourQuestion: question}, nil
}

// ExtractSymptoms asks the model for a comma-separated symptom list and
// splits it. It never returns an error.
func (a *Assistant) ExtractSymptoms(ctx context.Context, text string) SymptomsResult {
	if strings.TrimSpace(text) == "" {
		return SymptomsResult{Symptoms: []string{}, Error: "No report content provided"}
	}

	prompt, err := render(symptomsTmpl, struct{ Text string }{strings.TrimSpace(text)})
	if err != nil {
		return SymptomsResult{Symptoms: []string{}, Error: err.Error()}
	}

	out, err := a.generate(ctx, "extract symptoms", llm.Request{
		System:   symptomsSystem,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		a.logger.Warn("symptom extraction failed", "error", err)
		return SymptomsResult{Symptoms: []string{}, Error: err.Error()}
	}

	return SymptomsResult{Success: true, Symptoms: SplitSymptoms(out)}
}

// SplitSymptoms splits a comma-separated list, trimming entries and dropping empties.
func SplitSymptoms(s string) []string {
	symptoms := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			symptoms = append(symptoms, part)
		}
	}
	return symptoms
}

// AnalyzeSymptoms correlates selected symptoms into possible conditions,
// suggested tests and general advice.
func (a *Assistant) AnalyzeSymptoms(ctx context.Context, symptoms []string) (string, error) {
	const op = "analyze symptoms"

	symptoms = cleanList(symptoms)
	if len(symptoms) == 0 {
		return "", session.ValidationError(op, "Please provide a valid array of symptoms")
	}

	prompt, err := render(analyzeTmpl, struct{ Symptoms []string }{symptoms})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return a.generate(ctx, op, llm.Request{
		System:   analysisSystem,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
}

// HealthRecommendations analyzes a report summary together with optional symptoms.
func (a *Assistant) HealthRecommendations(ctx context.Context, summary string, symptoms []string) (string, error) {
	const op = "health recommendations"

	if strings.TrimSpace(summary) == "" {
		return "", session.ValidationError(op, "Medical report summary is required")
	}

	prompt, err := render(recommendationTmpl, struct {
		Summary  string
		Symptoms []string
	}{strings.TrimSpace(summary), cleanList(symptoms)})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return a.generate(ctx, op, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
}

// RecoveryPlan produces a seven-day recovery plan.
func (a *Assistant) RecoveryPlan(ctx context.Context, conditions string, symptoms []string) (string, error) {
	const op = "recovery plan"

	symptoms = cleanList(symptoms)
	if len(symptoms) == 0 {
		return "", session.ValidationError(op, "Symptoms are required and must be an array")
	}

	prompt, err := render(recoveryTmpl, struct {
		Conditions string
		Symptoms   []string
	}{strings.TrimSpace(conditions), symptoms})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return a.generate(ctx, op, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
}

// Forget drops cached context for a session.
func (a *Assistant) Forget(sessionID string) {
	a.memory.Forget(sessionID)
}

// conversation returns the turns for sessionID, rebuilding them from
// persisted history on a cache miss.
func (a *Assistant) conversation(ctx context.Context, sessionID string) ([]llm.Message, error) {
	return a.memory.Load(ctx, sessionID, func(ctx context.Context) ([]llm.Message, error) {
		msgs, err := a.manager.GetSessionHistory(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return session.FormatHistoryForLLM(msgs), nil
	})
}

func (a *Assistant) put(ctx context.Context, op, kind string, up Upload) (string, error) {
	key := storage.ObjectKey(up.FileName, a.now())
	obj, err := a.store.Put(ctx, key, up.ContentType, up.Data)
	if err != nil {
		a.logger.Error("failed to store upload", "key", key, "error", err)
		return "", session.PersistenceError(op, err)
	}
	observability.RecordUpload(kind, obj.Size)

	return a.presign(ctx, op, key)
}

func (a *Assistant) presign(ctx context.Context, op, key string) (string, error) {
	url, err := a.store.PresignGet(ctx, key, a.cfg.PresignTTL)
	if err != nil {
		return "", session.PersistenceError(op, err)
	}
	return url, nil
}

// save persists a message. A failed write is not fatal to the request: the
// answer was already produced and the manager logs the failure.
func (a *Assistant) save(ctx context.Context, sessionID, userID string, role session.Role, content session.Content) {
	_ = a.manager.SaveMessage(ctx, sessionID, userID, role, content)
}

// generate calls the provider through the circuit breaker and classifies
// failures as upstream errors.
func (a *Assistant) generate(ctx context.Context, op string, req llm.Request) (string, error) {
	if req.Model == "" {
		req.Model = a.cfg.Model
	}
	req.Temperature = a.cfg.Temperature

	var resp *llm.Response
	err := a.breaker.Execute(func() error {
		var err error
		resp, err = a.provider.Generate(ctx, req)
		return err
	}, countsAgainstBreaker)
	if err != nil {
		a.logger.Error("model call failed", "op", op, "provider", a.provider.Name(), "error", err)
		return "", session.UpstreamError(op, err)
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", session.UpstreamError(op, llm.ErrEmptyResponse)
	}
	return content, nil
}

// countsAgainstBreaker excludes caller cancellations and request-shaped
// provider errors, which say nothing about upstream health.
func countsAgainstBreaker(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		switch pe.Code {
		case llm.ErrorCodeInvalidRequest, llm.ErrorCodeUnsupported, llm.ErrorCodeContentFiltered:
			return false
		}
	}
	return true
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
