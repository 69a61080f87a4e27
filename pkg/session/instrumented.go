package session

import (
	"context"
	"time"

	"github.com/reportlens/reportlens/pkg/observability"
)

// InstrumentedBackend records Prometheus metrics for every store call.
type InstrumentedBackend struct {
	StorageBackend
}

// Instrument wraps backend with metrics.
func Instrument(backend StorageBackend) *InstrumentedBackend {
	return &InstrumentedBackend{StorageBackend: backend}
}

func (b *InstrumentedBackend) CreateSession(ctx context.Context, userID string) (string, error) {
	start := time.Now()
	id, err := b.StorageBackend.CreateSession(ctx, userID)
	observability.RecordStoreOp("create_session", err, time.Since(start))
	return id, err
}

func (b *InstrumentedBackend) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	start := time.Now()
	sess, err := b.StorageBackend.GetSession(ctx, sessionID)
	observability.RecordStoreOp("get_session", err, time.Since(start))
	return sess, err
}

func (b *InstrumentedBackend) UpdateSessionActivity(ctx context.Context, sessionID string) (bool, error) {
	start := time.Now()
	ok, err := b.StorageBackend.UpdateSessionActivity(ctx, sessionID)
	observability.RecordStoreOp("update_session_activity", err, time.Since(start))
	return ok, err
}

func (b *InstrumentedBackend) GetUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	start := time.Now()
	sessions, err := b.StorageBackend.GetUserSessions(ctx, userID)
	observability.RecordStoreOp("get_user_sessions", err, time.Since(start))
	return sessions, err
}

func (b *InstrumentedBackend) AppendMessage(ctx context.Context, sessionID, userID string, role Role, content Content) AppendResult {
	start := time.Now()
	res := b.StorageBackend.AppendMessage(ctx, sessionID, userID, role, content)
	observability.RecordStoreOp("append_message", res.Err, time.Since(start))
	return res
}

func (b *InstrumentedBackend) GetHistory(ctx context.Context, sessionID string) ([]Message, error) {
	start := time.Now()
	msgs, err := b.StorageBackend.GetHistory(ctx, sessionID)
	observability.RecordStoreOp("get_history", err, time.Since(start))
	return msgs, err
}

// Prune forwards to the wrapped backend when it supports pruning.
func (b *InstrumentedBackend) Prune(ctx context.Context) (int, error) {
	p, ok := b.StorageBackend.(Pruner)
	if !ok {
		return 0, nil
	}
	start := time.Now()
	n, err := p.Prune(ctx)
	observability.RecordStoreOp("prune", err, time.Since(start))
	return n, err
}
