package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBackend implements StorageBackend using Redis.
//
// Sessions are hashes expiring with the session TTL. Each user has a sorted set
// of session IDs scored by creation time, and each session's history is a
// sorted set of JSON messages scored by timestamp.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  *Clock
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all keys (default: "reportlens:").
	Prefix string `yaml:"prefix"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

// touchScript refreshes a session only if it still exists, so an expired or
// unknown session is never resurrected.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'lastActivity', ARGV[1], 'expiresAt', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return 1
`)

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig, ttl time.Duration) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackendFromClient(client, cfg.Prefix, ttl), nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "reportlens:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		clock:  defaultClock,
	}
}

func (b *RedisBackend) sessionKey(sessionID string) string {
	return b.prefix + "session:" + sessionID
}

func (b *RedisBackend) historyKey(sessionID string) string {
	return b.prefix + "history:" + sessionID
}

func (b *RedisBackend) userIndexKey(userID string) string {
	return b.prefix + "user:" + userID
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	return nil
}

// CreateSession stores a new session and indexes it under its user.
func (b *RedisBackend) CreateSession(ctx context.Context, userID string) (string, error) {
	if err := b.checkOpen(); err != nil {
		return "", persistenceError("create session", err)
	}

	now := b.clock.Now()
	sess := newSessionRecord(uuid.NewString(), userID, now, b.ttl)

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.sessionKey(sess.SessionID),
		"sessionId", sess.SessionID,
		"userId", sess.UserID,
		"createdAt", sess.CreatedAt,
		"lastActivity", sess.LastActivity,
		"expiresAt", sess.ExpiresAt,
	)
	pipe.PExpire(ctx, b.sessionKey(sess.SessionID), b.ttl)
	pipe.ZAdd(ctx, b.userIndexKey(userID), redis.Z{
		Score:  float64(now.UnixMicro()),
		Member: sess.SessionID,
	})
	pipe.PExpire(ctx, b.userIndexKey(userID), b.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", persistenceError("create session", err)
	}
	return sess.SessionID, nil
}

// GetSession loads a session record.
func (b *RedisBackend) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, persistenceError("get session", err)
	}

	fields, err := b.client.HGetAll(ctx, b.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, persistenceError("get session", err)
	}
	return sessionFromHash(fields)
}

func sessionFromHash(fields map[string]string) (*Session, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	sess := &Session{
		SessionID:    fields["sessionId"],
		UserID:       fields["userId"],
		CreatedAt:    fields["createdAt"],
		LastActivity: fields["lastActivity"],
	}
	if raw := fields["expiresAt"]; raw != "" {
		exp, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, persistenceError("decode session", fmt.Errorf("expiresAt %q: %w", raw, err))
		}
		sess.ExpiresAt = exp
	}
	return sess, nil
}

// UpdateSessionActivity refreshes the session and its history expiry.
func (b *RedisBackend) UpdateSessionActivity(ctx context.Context, sessionID string) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, persistenceError("update session activity", err)
	}

	now := b.clock.Now()
	updated, err := touchScript.Run(ctx, b.client,
		[]string{b.sessionKey(sessionID), b.historyKey(sessionID)},
		FormatTimestamp(now),
		expiryFor(now, b.ttl),
		b.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, persistenceError("update session activity", err)
	}
	if updated == 0 {
		return false, nil
	}

	sess, err := b.GetSession(ctx, sessionID)
	if err == nil && sess != nil {
		// The index must live at least as long as its newest session.
		_ = b.client.PExpire(ctx, b.userIndexKey(sess.UserID), b.ttl).Err()
	}
	return true, nil
}

// GetUserSessions returns the user's sessions ordered by creation time.
// Index entries whose session has expired are dropped as they are found.
func (b *RedisBackend) GetUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, persistenceError("get user sessions", err)
	}

	ids, err := b.client.ZRange(ctx, b.userIndexKey(userID), 0, -1).Result()
	if err != nil {
		return nil, persistenceError("get user sessions", err)
	}
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	pipe := b.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, b.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, persistenceError("get user sessions", err)
	}

	sessions := make([]*Session, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		sess, err := sessionFromHash(cmd.Val())
		if err != nil {
			return nil, err
		}
		if sess == nil {
			stale = append(stale, ids[i])
			continue
		}
		sessions = append(sessions, sess)
	}
	if len(stale) > 0 {
		_ = b.client.ZRem(ctx, b.userIndexKey(userID), stale...).Err()
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt < sessions[j].CreatedAt
	})
	return sessions, nil
}

// AppendMessage adds a message to the session's history.
func (b *RedisBackend) AppendMessage(ctx context.Context, sessionID, userID string, role Role, content Content) AppendResult {
	if err := validateAppend(sessionID, role, content); err != nil {
		return appendFailed(err)
	}
	if err := b.checkOpen(); err != nil {
		return appendFailed(persistenceError("append message", err))
	}

	now := b.clock.Now()
	msg := Message{
		SessionID: sessionID,
		Timestamp: FormatTimestamp(now),
		Role:      role,
		Type:      content.Type(),
		Content:   content,
		UserID:    userID,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return appendFailed(persistenceError("append message", fmt.Errorf("marshal message: %w", err)))
	}

	pipe := b.client.TxPipeline()
	pipe.ZAdd(ctx, b.historyKey(sessionID), redis.Z{
		Score:  float64(now.UnixMicro()),
		Member: data,
	})
	pipe.PExpire(ctx, b.historyKey(sessionID), b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return appendFailed(persistenceError("append message", err))
	}

	return appendOK(msg.Timestamp)
}

// GetHistory returns the session's messages oldest first.
func (b *RedisBackend) GetHistory(ctx context.Context, sessionID string) ([]Message, error) {
	if err := b.checkOpen(); err != nil {
		return nil, persistenceError("get history", err)
	}

	data, err := b.client.ZRange(ctx, b.historyKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, persistenceError("get history", err)
	}

	messages := make([]Message, 0, len(data))
	for _, d := range data {
		var msg Message
		if err := json.Unmarshal([]byte(d), &msg); err != nil {
			return nil, persistenceError("get history", fmt.Errorf("unmarshal message: %w", err))
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Prune removes user index entries whose session has expired.
func (b *RedisBackend) Prune(ctx context.Context) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	removed := 0
	iter := b.client.Scan(ctx, 0, b.prefix+"user:*", 100).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		ids, err := b.client.ZRange(ctx, indexKey, 0, -1).Result()
		if err != nil {
			return removed, fmt.Errorf("read index %s: %w", indexKey, err)
		}

		pipe := b.client.Pipeline()
		exists := make([]*redis.IntCmd, len(ids))
		for i, id := range ids {
			exists[i] = pipe.Exists(ctx, b.sessionKey(id))
		}
		if len(ids) > 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, fmt.Errorf("check index %s: %w", indexKey, err)
			}
		}

		var stale []any
		for i, cmd := range exists {
			if cmd.Val() == 0 {
				stale = append(stale, ids[i])
			}
		}
		if len(stale) == 0 {
			continue
		}
		n, err := b.client.ZRem(ctx, indexKey, stale...).Result()
		if err != nil {
			return removed, fmt.Errorf("prune index %s: %w", indexKey, err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan indexes: %w", err)
	}
	return removed, nil
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}
