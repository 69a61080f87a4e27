package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/reportlens/reportlens/pkg/llm"
	"github.com/reportlens/reportlens/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Manager is the session layer used by request handlers. It validates input,
// classifies failures and keeps session activity fresh on reads.
// Manager is safe for concurrent use.
type Manager struct {
	backend       StorageBackend
	maxConcurrent int
	logger        *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxConcurrentFetches caps parallel history reads in GetUserChatHistory.
// Zero or negative means unbounded.
func WithMaxConcurrentFetches(n int) ManagerOption {
	return func(m *Manager) { m.maxConcurrent = n }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a new session manager with the given storage backend.
func NewManager(backend StorageBackend, opts ...ManagerOption) *Manager {
	m := &Manager{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backend returns the underlying storage backend.
func (m *Manager) Backend() StorageBackend {
	return m.backend
}

// CreateNewSession starts a session for userID.
func (m *Manager) CreateNewSession(ctx context.Context, userID string) (string, error) {
	ctx, span := observability.StartSpan(ctx, "session.create")
	if strings.TrimSpace(userID) == "" {
		err := validationError("create session", "user id is required")
		observability.EndSpan(span, err)
		return "", err
	}

	id, err := m.backend.CreateSession(ctx, userID)
	if err != nil {
		m.logger.Error("failed to create session", "user_id", userID, "error", err)
		observability.EndSpan(span, err)
		return "", persistenceError("create session", err)
	}

	span.SetAttributes(attribute.String("session.id", id))
	observability.EndSpan(span, nil)
	m.logger.Debug("session created", "session_id", id, "user_id", userID)
	return id, nil
}

// SaveMessage appends a message. Failures are returned in the result and logged.
func (m *Manager) SaveMessage(ctx context.Context, sessionID, userID string, role Role, content Content) AppendResult {
	ctx, span := observability.StartSpan(ctx, "session.save_message",
		attribute.String("session.id", sessionID),
		attribute.String("message.role", string(role)),
	)

	res := m.backend.AppendMessage(ctx, sessionID, userID, role, content)
	observability.EndSpan(span, res.Err)
	if !res.Success {
		m.logger.Error("failed to save message", "session_id", sessionID, "role", role, "error", res.Err)
	}
	return res
}

// SaveRawMessage classifies raw with ParseContent and appends it.
func (m *Manager) SaveRawMessage(ctx context.Context, sessionID, userID string, role Role, raw string) AppendResult {
	return m.SaveMessage(ctx, sessionID, userID, role, ParseContent(raw))
}

// GetSessionHistory returns a session's messages and refreshes its activity.
func (m *Manager) GetSessionHistory(ctx context.Context, sessionID string) ([]Message, error) {
	ctx, span := observability.StartSpan(ctx, "session.get_history",
		attribute.String("session.id", sessionID),
	)
	msgs, err := m.getSessionHistory(ctx, sessionID)
	observability.EndSpan(span, err)
	return msgs, err
}

func (m *Manager) getSessionHistory(ctx context.Context, sessionID string) ([]Message, error) {
	const op = "get session history"

	if strings.TrimSpace(sessionID) == "" {
		return nil, validationError(op, "session id is required")
	}

	sess, err := m.backend.GetSession(ctx, sessionID)
	if err != nil {
		return nil, persistenceError(op, err)
	}
	if sess == nil {
		return nil, notFoundError(op, sessionID)
	}

	updated, err := m.backend.UpdateSessionActivity(ctx, sessionID)
	if err != nil {
		return nil, persistenceError(op, err)
	}
	if !updated {
		// Expired between the read and the refresh.
		return nil, notFoundError(op, sessionID)
	}

	msgs, err := m.backend.GetHistory(ctx, sessionID)
	if err != nil {
		return nil, persistenceError(op, err)
	}
	return msgs, nil
}

// GetSession returns the session record or a NotFound error.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	const op = "get session"

	if strings.TrimSpace(sessionID) == "" {
		return nil, validationError(op, "session id is required")
	}
	sess, err := m.backend.GetSession(ctx, sessionID)
	if err != nil {
		return nil, persistenceError(op, err)
	}
	if sess == nil {
		return nil, notFoundError(op, sessionID)
	}
	return sess, nil
}

// GetUserChatHistory returns every live session of the user with its
// messages, ordered by session creation. Histories are fetched concurrently;
// if any fetch fails the whole call fails.
func (m *Manager) GetUserChatHistory(ctx context.Context, userID string) ([]SessionHistory, error) {
	const op = "get user chat history"

	ctx, span := observability.StartSpan(ctx, "session.get_user_history")
	if strings.TrimSpace(userID) == "" {
		err := validationError(op, "user id is required")
		observability.EndSpan(span, err)
		return nil, err
	}

	sessions, err := m.backend.GetUserSessions(ctx, userID)
	if err != nil {
		err = persistenceError(op, err)
		observability.EndSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("session.count", len(sessions)))

	results := make([]SessionHistory, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	if m.maxConcurrent > 0 {
		g.SetLimit(m.maxConcurrent)
	}

	for i, sess := range sessions {
		g.Go(func() error {
			msgs, err := m.backend.GetHistory(gctx, sess.SessionID)
			if err != nil {
				return err
			}
			results[i] = SessionHistory{
				SessionID: sess.SessionID,
				CreatedAt: sess.CreatedAt,
				Messages:  msgs,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		m.logger.Error("failed to load user chat history", "user_id", userID, "error", err)
		err = persistenceError(op, err)
		observability.EndSpan(span, err)
		return nil, err
	}

	observability.EndSpan(span, nil)
	return results, nil
}

// FormatHistoryForLLM converts stored messages into model conversation turns.
// File uploads become a short note; summaries contribute their text.
func FormatHistoryForLLM(msgs []Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, msg := range msgs {
		role := llm.RoleUser
		if msg.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		text := Render(msg.Content)
		if text == "" {
			continue
		}
		out = append(out, llm.Message{Role: role, Content: text})
	}
	return out
}
