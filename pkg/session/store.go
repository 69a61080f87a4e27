package session

import (
	"context"
)

// SessionStore persists session records.
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// CreateSession persists a new session owned by userID and returns its ID.
	CreateSession(ctx context.Context, userID string) (string, error)

	// GetSession returns the session, or (nil, nil) if it does not exist or has expired.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// UpdateSessionActivity refreshes lastActivity and expiresAt. It never
	// creates a record: for an unknown session it reports false and does nothing.
	UpdateSessionActivity(ctx context.Context, sessionID string) (bool, error)

	// GetUserSessions returns the user's live sessions ordered by creation time.
	GetUserSessions(ctx context.Context, userID string) ([]*Session, error)
}

// HistoryStore persists chat messages.
type HistoryStore interface {
	// AppendMessage stores a message stamped with a fresh timestamp. Failures
	// are reported in the result rather than as an error.
	AppendMessage(ctx context.Context, sessionID, userID string, role Role, content Content) AppendResult

	// GetHistory returns the session's messages in ascending timestamp order.
	GetHistory(ctx context.Context, sessionID string) ([]Message, error)
}

// StorageBackend is a complete persistence backend.
type StorageBackend interface {
	SessionStore
	HistoryStore

	// Ping checks connectivity to the underlying store.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

// Pruner is implemented by backends whose secondary indexes need periodic
// cleanup because the underlying store cannot expire them on its own.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// validateAppend checks the inputs every backend requires before writing.
func validateAppend(sessionID string, role Role, content Content) error {
	if sessionID == "" {
		return validationError("append message", "session id is required")
	}
	if !role.Valid() {
		return validationError("append message", "unknown role "+string(role))
	}
	if content == nil {
		return validationError("append message", "content is required")
	}
	return nil
}
