// Package session provides session and chat-history persistence for reportlens.
// A session is a time-bounded conversation owned by one user; its messages are
// appended in timestamp order and never rewritten.
package session

import (
	"encoding/json"
	"time"
)

// DefaultTTL is how long a session lives after its last activity.
const DefaultTTL = 24 * time.Hour

// Role identifies who produced a message.
type Role string

const (
	// RoleUser marks a message written by the end user.
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by the model.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// MessageType classifies message content.
type MessageType string

const (
	// TypeText is a plain text message.
	TypeText MessageType = "text"
	// TypePDFUpload references an uploaded file.
	TypePDFUpload MessageType = "pdf_upload"
	// TypePDFSummary references an uploaded file together with its summary.
	TypePDFSummary MessageType = "pdf_summary"
)

// Session is the persisted session record.
// CreatedAt and LastActivity are ISO-8601 strings; ExpiresAt is epoch seconds
// and drives the store's TTL.
type Session struct {
	SessionID    string `json:"sessionId" dynamodbav:"sessionId"`
	UserID       string `json:"userId" dynamodbav:"userId"`
	CreatedAt    string `json:"createdAt" dynamodbav:"createdAt"`
	LastActivity string `json:"lastActivity" dynamodbav:"lastActivity"`
	ExpiresAt    int64  `json:"expiresAt" dynamodbav:"expiresAt"`
}

// Expired reports whether the session is past its expiry at now.
// Stores with lazy TTL deletion use it to hide records that are logically gone.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.Unix()
}

func newSessionRecord(id, userID string, now time.Time, ttl time.Duration) *Session {
	ts := FormatTimestamp(now)
	return &Session{
		SessionID:    id,
		UserID:       userID,
		CreatedAt:    ts,
		LastActivity: ts,
		ExpiresAt:    expiryFor(now, ttl),
	}
}

// expiryFor rounds up so that expiresAt is never earlier than the activity instant.
func expiryFor(now time.Time, ttl time.Duration) int64 {
	exp := now.Add(ttl)
	if exp.Truncate(time.Second).Equal(exp) {
		return exp.Unix()
	}
	return exp.Unix() + 1
}

// Message is one turn of a session's conversation.
// (SessionID, Timestamp) is its unique key.
type Message struct {
	SessionID string
	Timestamp string
	Role      Role
	Type      MessageType
	Content   Content
	UserID    string
}

// wireMessage is the stored and serialized shape of a Message. Content is a
// string for text messages and a fileRecord for file-bearing ones.
type wireMessage struct {
	SessionID string      `json:"sessionId" dynamodbav:"sessionId"`
	Timestamp string      `json:"timestamp" dynamodbav:"timestamp"`
	Role      Role        `json:"role" dynamodbav:"role"`
	Type      MessageType `json:"type" dynamodbav:"type"`
	Content   any         `json:"content" dynamodbav:"content"`
	UserID    string      `json:"userId" dynamodbav:"userId"`
}

type fileRecord struct {
	FileName string `json:"fileName" dynamodbav:"fileName"`
	FileURL  string `json:"fileUrl" dynamodbav:"fileUrl"`
	Content  string `json:"content,omitempty" dynamodbav:"content,omitempty"`
}

func (m Message) toWire() wireMessage {
	w := wireMessage{
		SessionID: m.SessionID,
		Timestamp: m.Timestamp,
		Role:      m.Role,
		Type:      m.Type,
		UserID:    m.UserID,
	}
	switch c := m.Content.(type) {
	case FileUpload:
		w.Content = fileRecord{FileName: c.FileName, FileURL: c.FileURL}
	case FileSummary:
		w.Content = fileRecord{FileName: c.FileName, FileURL: c.FileURL, Content: c.Content}
	case PlainText:
		w.Content = string(c)
	default:
		w.Content = ""
	}
	return w
}

func (w wireMessage) toMessage() Message {
	return Message{
		SessionID: w.SessionID,
		Timestamp: w.Timestamp,
		Role:      w.Role,
		Type:      w.Type,
		Content:   contentFromValue(w.Type, w.Content),
		UserID:    w.UserID,
	}
}

// MarshalJSON renders the message in its wire shape.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.toWire())
}

// UnmarshalJSON decodes the wire shape produced by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = w.toMessage()
	return nil
}

// AppendResult reports the outcome of an append. Appends never return an error
// directly; callers decide whether a failed append is fatal.
type AppendResult struct {
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp,omitempty"`
	Err       error  `json:"-"`
}

// Error returns the failure message, or "" on success.
func (r AppendResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func appendOK(ts string) AppendResult {
	return AppendResult{Success: true, Timestamp: ts}
}

func appendFailed(err error) AppendResult {
	return AppendResult{Success: false, Err: err}
}

// SessionHistory groups one session's messages for multi-session views.
type SessionHistory struct {
	SessionID string    `json:"sessionId"`
	CreatedAt string    `json:"createdAt"`
	Messages  []Message `json:"messages"`
}
