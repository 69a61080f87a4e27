// Package memory keeps recent conversation turns in process so prompts can
// carry context without a store round trip on every request.
package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/reportlens/reportlens/pkg/llm"
	"github.com/reportlens/reportlens/pkg/observability"
)

// Config holds configuration for conversation memory
type Config struct {
	MaxSessions     int           // Sessions retained before least recently used are evicted
	MaxTurns        int           // Turns retained per session; oldest are dropped
	IdleTTL         time.Duration // Sessions unused for this long are expired
	JanitorInterval time.Duration // How often idle sessions are swept; zero disables the janitor
}

// DefaultConfig returns the default memory configuration.
func DefaultConfig() Config {
	return Config{
		MaxSessions:     1000,
		MaxTurns:        40,
		IdleTTL:         30 * time.Minute,
		JanitorInterval: time.Minute,
	}
}

// Loader rebuilds a session's turns when they are not cached.
type Loader func(ctx context.Context) ([]llm.Message, error)

type conversation struct {
	sessionID string
	turns     []llm.Message
	lastUsed  time.Time
}

// ConversationMemory is a bounded per-session cache of conversation turns.
// It is safe for concurrent use. Close stops the background janitor.
type ConversationMemory struct {
	config  Config
	order   *list.List // front is most recently used
	entries map[string]*list.Element
	now     func() time.Time
	mu      sync.Mutex

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a conversation memory and starts its janitor.
func New(cfg Config) *ConversationMemory {
	defaults := DefaultConfig()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaults.MaxSessions
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaults.MaxTurns
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaults.IdleTTL
	}

	m := &ConversationMemory{
		config:  cfg,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.JanitorInterval > 0 {
		go m.janitor(cfg.JanitorInterval)
	} else {
		close(m.done)
	}
	return m
}

func (m *ConversationMemory) janitor(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ExpireIdle()
		case <-m.stop:
			return
		}
	}
}

// Append records turns for a session, creating the entry if needed.
func (m *ConversationMemory) Append(sessionID string, turns ...llm.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.touchLocked(sessionID)
	conv.turns = append(conv.turns, turns...)
	if over := len(conv.turns) - m.config.MaxTurns; over > 0 {
		conv.turns = append([]llm.Message(nil), conv.turns[over:]...)
	}
	m.evictLocked()
}

// Turns returns a copy of the cached turns and whether the session was cached.
func (m *ConversationMemory) Turns(sessionID string) ([]llm.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[sessionID]
	if !ok {
		return nil, false
	}
	conv := elem.Value.(*conversation)
	if m.now().Sub(conv.lastUsed) > m.config.IdleTTL {
		m.removeLocked(elem)
		return nil, false
	}
	conv.lastUsed = m.now()
	m.order.MoveToFront(elem)
	return append([]llm.Message(nil), conv.turns...), true
}

// Load returns the cached turns, or calls load on a miss and caches the result.
func (m *ConversationMemory) Load(ctx context.Context, sessionID string, load Loader) ([]llm.Message, error) {
	if turns, ok := m.Turns(sessionID); ok {
		return turns, nil
	}

	turns, err := load(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another request may have populated the entry while we were loading.
	if elem, ok := m.entries[sessionID]; ok {
		conv := elem.Value.(*conversation)
		return append([]llm.Message(nil), conv.turns...), nil
	}

	conv := m.touchLocked(sessionID)
	if over := len(turns) - m.config.MaxTurns; over > 0 {
		turns = turns[over:]
	}
	conv.turns = append([]llm.Message(nil), turns...)
	m.evictLocked()
	return append([]llm.Message(nil), conv.turns...), nil
}

// Forget drops a session's turns.
func (m *ConversationMemory) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.entries[sessionID]; ok {
		m.removeLocked(elem)
	}
}

// ExpireIdle removes sessions idle longer than IdleTTL and returns how many.
func (m *ConversationMemory) ExpireIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.config.IdleTTL)
	removed := 0
	for elem := m.order.Back(); elem != nil; {
		conv := elem.Value.(*conversation)
		if !conv.lastUsed.Before(cutoff) {
			break
		}
		prev := elem.Prev()
		m.removeLocked(elem)
		removed++
		elem = prev
	}
	return removed
}

// Count returns the number of cached sessions
func (m *ConversationMemory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Clear removes all sessions
func (m *ConversationMemory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order.Init()
	m.entries = make(map[string]*list.Element)
	observability.SetConversationsCached(0)
}

// Close stops the janitor and drops all cached turns.
func (m *ConversationMemory) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
		m.Clear()
	})
}

func (m *ConversationMemory) touchLocked(sessionID string) *conversation {
	if elem, ok := m.entries[sessionID]; ok {
		conv := elem.Value.(*conversation)
		conv.lastUsed = m.now()
		m.order.MoveToFront(elem)
		return conv
	}
	conv := &conversation{sessionID: sessionID, lastUsed: m.now()}
	m.entries[sessionID] = m.order.PushFront(conv)
	observability.SetConversationsCached(len(m.entries))
	return conv
}

func (m *ConversationMemory) evictLocked() {
	for len(m.entries) > m.config.MaxSessions {
		m.removeLocked(m.order.Back())
	}
}

func (m *ConversationMemory) removeLocked(elem *list.Element) {
	conv := m.order.Remove(elem).(*conversation)
	delete(m.entries, conv.sessionID)
	observability.SetConversationsCached(len(m.entries))
}
