package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileBackend implements StorageBackend using JSON and JSONL files.
// Intended for local development and single-node deployments.
// Storage layout:
//
//	<base-dir>/
//	  ├── sessions.json            # Session index
//	  └── history/
//	      └── <session-id>.jsonl   # Messages, one per line
//
// Expiry is evaluated on read; Prune removes expired sessions from disk.
type FileBackend struct {
	baseDir string
	ttl     time.Duration
	clock   *Clock
	now     func() time.Time
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a new file-based storage backend.
func NewFileBackend(baseDir string, ttl time.Duration) (*FileBackend, error) {
	if baseDir == "" {
		return nil, errors.New("file store base directory is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if err := os.MkdirAll(filepath.Join(baseDir, "history"), 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{
		baseDir: baseDir,
		ttl:     ttl,
		clock:   defaultClock,
		now:     time.Now,
	}, nil
}

func (f *FileBackend) indexPath() string {
	return filepath.Join(f.baseDir, "sessions.json")
}

func (f *FileBackend) historyPath(sessionID string) string {
	return filepath.Join(f.baseDir, "history", sessionID+".jsonl")
}

func (f *FileBackend) loadIndexUnlocked() (map[string]*Session, error) {
	index := make(map[string]*Session)

	data, err := os.ReadFile(f.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read sessions index: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse sessions index: %w", err)
	}
	return index, nil
}

// writeIndexUnlocked replaces the index via a temp file so readers never see a partial write.
func (f *FileBackend) writeIndexUnlocked(index map[string]*Session) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions index: %w", err)
	}

	tmp := f.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write sessions index: %w", err)
	}
	if err := os.Rename(tmp, f.indexPath()); err != nil {
		return fmt.Errorf("replace sessions index: %w", err)
	}
	return nil
}

// CreateSession stores a new session in the index.
func (f *FileBackend) CreateSession(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return "", persistenceError("create session", ErrStoreClosed)
	}

	index, err := f.loadIndexUnlocked()
	if err != nil {
		return "", persistenceError("create session", err)
	}

	sess := newSessionRecord(uuid.NewString(), userID, f.clock.Now(), f.ttl)
	index[sess.SessionID] = sess

	if err := f.writeIndexUnlocked(index); err != nil {
		return "", persistenceError("create session", err)
	}
	return sess.SessionID, nil
}

// GetSession retrieves a session by ID.
func (f *FileBackend) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, persistenceError("get session", ErrStoreClosed)
	}

	index, err := f.loadIndexUnlocked()
	if err != nil {
		return nil, persistenceError("get session", err)
	}

	sess, ok := index[sessionID]
	if !ok || sess.Expired(f.now()) {
		return nil, nil
	}
	return sess, nil
}

// UpdateSessionActivity refreshes a live session's activity and expiry.
func (f *FileBackend) UpdateSessionActivity(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false, persistenceError("update session activity", ErrStoreClosed)
	}

	index, err := f.loadIndexUnlocked()
	if err != nil {
		return false, persistenceError("update session activity", err)
	}

	sess, ok := index[sessionID]
	if !ok || sess.Expired(f.now()) {
		return false, nil
	}

	now := f.clock.Now()
	sess.LastActivity = FormatTimestamp(now)
	sess.ExpiresAt = expiryFor(now, f.ttl)

	if err := f.writeIndexUnlocked(index); err != nil {
		return false, persistenceError("update session activity", err)
	}
	return true, nil
}

// GetUserSessions returns the user's live sessions ordered by creation time.
func (f *FileBackend) GetUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, persistenceError("get user sessions", ErrStoreClosed)
	}

	index, err := f.loadIndexUnlocked()
	if err != nil {
		return nil, persistenceError("get user sessions", err)
	}

	now := f.now()
	sessions := make([]*Session, 0)
	for _, sess := range index {
		if sess.UserID == userID && !sess.Expired(now) {
			sessions = append(sessions, sess)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt == sessions[j].CreatedAt {
			return sessions[i].SessionID < sessions[j].SessionID
		}
		return sessions[i].CreatedAt < sessions[j].CreatedAt
	})
	return sessions, nil
}

// AppendMessage appends a message to the session's JSONL file.
func (f *FileBackend) AppendMessage(ctx context.Context, sessionID, userID string, role Role, content Content) AppendResult {
	if err := validateAppend(sessionID, role, content); err != nil {
		return appendFailed(err)
	}
	if err := validatePathComponent(sessionID); err != nil {
		return appendFailed(validationError("append message", "invalid session id"))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return appendFailed(persistenceError("append message", ErrStoreClosed))
	}

	msg := Message{
		SessionID: sessionID,
		Timestamp: FormatTimestamp(f.clock.Now()),
		Role:      role,
		Type:      content.Type(),
		Content:   content,
		UserID:    userID,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return appendFailed(persistenceError("append message", fmt.Errorf("marshal message: %w", err)))
	}

	file, err := os.OpenFile(f.historyPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - session ID validated above
	if err != nil {
		return appendFailed(persistenceError("append message", fmt.Errorf("open history file: %w", err)))
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return appendFailed(persistenceError("append message", fmt.Errorf("write message: %w", err)))
	}

	return appendOK(msg.Timestamp)
}

// GetHistory reads the session's messages in timestamp order.
func (f *FileBackend) GetHistory(ctx context.Context, sessionID string) ([]Message, error) {
	if err := validatePathComponent(sessionID); err != nil {
		return []Message{}, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, persistenceError("get history", ErrStoreClosed)
	}

	file, err := os.Open(f.historyPath(sessionID)) // #nosec G304 - session ID validated above
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, nil
		}
		return nil, persistenceError("get history", fmt.Errorf("open history file: %w", err))
	}
	defer func() { _ = file.Close() }()

	messages := make([]Message, 0)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, persistenceError("get history", fmt.Errorf("parse message: %w", err))
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, persistenceError("get history", fmt.Errorf("scan history file: %w", err))
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp < messages[j].Timestamp
	})
	return messages, nil
}

// Prune deletes expired sessions and their history files.
func (f *FileBackend) Prune(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrStoreClosed
	}

	index, err := f.loadIndexUnlocked()
	if err != nil {
		return 0, err
	}

	now := f.now()
	removed := 0
	for id, sess := range index {
		if !sess.Expired(now) {
			continue
		}
		delete(index, id)
		removed++
		if err := validatePathComponent(id); err == nil {
			if err := os.Remove(f.historyPath(id)); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("remove history file: %w", err)
			}
		}
	}

	if removed == 0 {
		return 0, nil
	}
	if err := f.writeIndexUnlocked(index); err != nil {
		return removed, err
	}
	return removed, nil
}

// Ping reports whether the base directory is reachable.
func (f *FileBackend) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(f.baseDir)
	return err
}

// Close releases resources held by the backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
