package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/reportlens/reportlens/internal/assistant"
	"github.com/reportlens/reportlens/internal/auth"
	"github.com/reportlens/reportlens/pkg/session"
)

// Hello is a liveness endpoint kept for existing clients.
// GET /hello
func (s *Server) Hello(c echo.Context) error {
	return c.String(http.StatusOK, "Hello, World!")
}

// AuthStatus reports whether the request carries a valid identity.
// GET /auth/status
func (s *Server) AuthStatus(c echo.Context) error {
	user, ok := auth.UserFromContext(c)
	if !ok {
		return c.JSON(http.StatusOK, map[string]any{"isLoggedIn": false})
	}
	return c.JSON(http.StatusOK, map[string]any{"isLoggedIn": true, "user": user})
}

// Logout clears the identity cookie.
// POST /api/auth/logout
func (s *Server) Logout(c echo.Context) error {
	s.auth.ClearCookie(c)
	return c.JSON(http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// CreateSession starts a new conversation for the caller.
// POST /create-session
func (s *Server) CreateSession(c echo.Context) error {
	user := currentUser(c)
	id, err := s.manager.CreateNewSession(c.Request().Context(), user.ID)
	if err != nil {
		return s.fail(c, err, "Failed to create new session")
	}
	return c.JSON(http.StatusOK, map[string]string{"sessionId": id})
}

// GetChatHistory returns one session's messages. Owner only.
// GET /chat-history/:sessionId
func (s *Server) GetChatHistory(c echo.Context) error {
	sessionID := c.Param("sessionId")
	if err := s.authorizeSession(c, sessionID); err != nil {
		return s.fail(c, err, "Failed to fetch chat history")
	}

	msgs, err := s.manager.GetSessionHistory(c.Request().Context(), sessionID)
	if err != nil {
		return s.fail(c, err, "Failed to fetch chat history")
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

// GetUserHistory returns every session of the caller with its messages.
// GET /c/history
func (s *Server) GetUserHistory(c echo.Context) error {
	user := currentUser(c)
	history, err := s.manager.GetUserChatHistory(c.Request().Context(), user.ID)
	if err != nil {
		return s.fail(c, err, "Failed to fetch chat history")
	}
	if history == nil {
		history = []session.SessionHistory{}
	}
	return c.JSON(http.StatusOK, history)
}

// UploadImage analyzes an image within an existing session.
// POST /upload-image (multipart: image, sessionId)
func (s *Server) UploadImage(c echo.Context) error {
	up, err := s.readUpload(c, "image")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "No image file provided", Details: err.Error()})
	}

	sessionID := c.FormValue("sessionId")
	if strings.TrimSpace(sessionID) == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Session ID is required"})
	}
	if err := s.authorizeSession(c, sessionID); err != nil {
		return s.fail(c, err, "Error processing image")
	}

	res, err := s.assistant.ProcessImage(c.Request().Context(), currentUser(c).ID, sessionID, up)
	if err != nil {
		return s.fail(c, err, "Error processing image")
	}
	return c.JSON(http.StatusOK, res)
}

// UploadPDF explains a PDF report in a new session.
// POST /upload-pdf (multipart: pdf)
func (s *Server) UploadPDF(c echo.Context) error {
	up, err := s.readUpload(c, "pdf")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "No PDF file provided", Details: err.Error()})
	}

	res, err := s.assistant.ProcessPDF(c.Request().Context(), currentUser(c).ID, up)
	if err != nil {
		return s.fail(c, err, "Error processing PDF")
	}
	return c.JSON(http.StatusOK, res)
}

type askRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"sessionId"`
}

// AskLLM answers a follow-up question in a session.
// POST /ask-llm
func (s *Server) AskLLM(c echo.Context) error {
	var req askRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Invalid request body"})
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Session ID is required"})
	}
	if err := s.authorizeSession(c, req.SessionID); err != nil {
		return s.fail(c, err, "Error processing question")
	}

	ans, err := s.assistant.Ask(c.Request().Context(), currentUser(c).ID, req.SessionID, req.Question)
	if err != nil {
		return s.fail(c, err, "Error processing question")
	}
	return c.JSON(http.StatusOK, ans)
}

type analyzeRequest struct {
	SelectedSymptoms []string `json:"selectedSymptoms"`
}

// AnalyzeSymptoms correlates selected symptoms.
// POST /analyze-symptoms
func (s *Server) AnalyzeSymptoms(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Please provide a valid array of symptoms"})
	}

	analysis, err := s.assistant.AnalyzeSymptoms(c.Request().Context(), req.SelectedSymptoms)
	if err != nil {
		return s.fail(c, err, "Error analyzing symptoms")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message":  "Symptoms analyzed successfully",
		"analysis": analysis,
	})
}

type recommendationRequest struct {
	ReportSummary string   `json:"reportSummary"`
	Symptoms      []string `json:"symptoms"`
}

// Recommendation analyzes a report summary with optional symptoms.
// POST /recommendation
func (s *Server) Recommendation(c echo.Context) error {
	var req recommendationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Invalid input", Details: "Medical report summary is required"})
	}

	analysis, err := s.assistant.HealthRecommendations(c.Request().Context(), req.ReportSummary, req.Symptoms)
	if err != nil {
		return s.fail(c, err, "Error analyzing medical report and symptoms")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message":  "Medical report and symptoms analyzed successfully",
		"analysis": analysis,
	})
}

// textOrList accepts a JSON string or an array of strings.
type textOrList string

func (t *textOrList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = textOrList(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("conditions must be a string or an array of strings")
	}
	*t = textOrList(strings.Join(list, ", "))
	return nil
}

type recoveryRequest struct {
	Conditions textOrList `json:"conditions"`
	Symptoms   []string   `json:"symptoms"`
}

// RecoveryPlan produces a seven-day plan.
// POST /recovery-plan
func (s *Server) RecoveryPlan(c echo.Context) error {
	var req recoveryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Invalid input", Details: err.Error()})
	}

	plan, err := s.assistant.RecoveryPlan(c.Request().Context(), string(req.Conditions), req.Symptoms)
	if err != nil {
		return s.fail(c, err, "Error generating recovery plan")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message":      "Weekly recovery plan generated successfully",
		"recoveryPlan": plan,
	})
}

// authorizeSession loads the session and checks the caller owns it.
func (s *Server) authorizeSession(c echo.Context, sessionID string) error {
	ctx := c.Request().Context()
	sess, err := s.manager.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.policy.Authorize(ctx, currentUser(c).ID, sess)
}

func (s *Server) readUpload(c echo.Context, field string) (assistant.Upload, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return assistant.Upload{}, err
	}
	if fh.Size > s.opts.MaxUploadBytes {
		return assistant.Upload{}, fmt.Errorf("file exceeds %d bytes", s.opts.MaxUploadBytes)
	}

	data, err := readAll(fh, s.opts.MaxUploadBytes)
	if err != nil {
		return assistant.Upload{}, err
	}

	contentType := fh.Header.Get(echo.HeaderContentType)
	if contentType == "" || contentType == echo.MIMEOctetStream {
		contentType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	return assistant.Upload{FileName: fh.Filename, ContentType: contentType, Data: data}, nil
}

func readAll(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file exceeds %d bytes", limit)
	}
	return data, nil
}

// currentUser returns the authenticated user. Routes using it sit behind
// the Required middleware.
func currentUser(c echo.Context) *auth.User {
	user, _ := auth.UserFromContext(c)
	if user == nil {
		return &auth.User{}
	}
	return user
}
