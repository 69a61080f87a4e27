// Package llm provides a provider-neutral interface over hosted language
// models, with Gemini, OpenAI and Bedrock implementations.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Provider generates text from a conversation.
type Provider interface {
	// Generate produces a single completion for the request.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Name returns the provider name (e.g., "gemini", "openai")
	Name() string
}

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a chat message
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Part is binary input attached to the final user turn, such as an image or a PDF.
type Part struct {
	MIMEType string
	Data     []byte
}

// IsImage reports whether the part is an image.
func (p Part) IsImage() bool {
	return strings.HasPrefix(p.MIMEType, "image/")
}

// IsPDF reports whether the part is a PDF document.
func (p Part) IsPDF() bool {
	return p.MIMEType == "application/pdf"
}

// Request is a generation request.
type Request struct {
	// Model overrides the provider's default model.
	Model string

	// System is the system instruction.
	System string

	// Messages is the conversation, oldest first. The last message is the
	// one being answered.
	Messages []Message

	// Parts are attached to the last user message.
	Parts []Part

	// Temperature controls randomness.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// Response represents an LLM response
type Response struct {
	Content      string
	FinishReason string
	Model        string
	Usage        Usage
}

// Usage tracks token usage
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ErrEmptyResponse is returned when a model produced no text.
var ErrEmptyResponse = errors.New("model returned no content")

// ProviderError represents a provider-specific error
type ProviderError struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	StatusCode    int    `json:"status_code,omitempty"`
	IsRetryable   bool   `json:"is_retryable"`
	OriginalError error  `json:"-"`
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	return e.Provider + " error: " + e.Message
}

// Unwrap returns the original error
func (e *ProviderError) Unwrap() error {
	return e.OriginalError
}

// Common error codes
const (
	ErrorCodeInvalidRequest  = "invalid_request"
	ErrorCodeAuthentication  = "authentication_error"
	ErrorCodeRateLimit       = "rate_limit_exceeded"
	ErrorCodeServerError     = "server_error"
	ErrorCodeTimeout         = "timeout"
	ErrorCodeModelNotFound   = "model_not_found"
	ErrorCodeContentFiltered = "content_filtered"
	ErrorCodeUnsupported     = "unsupported_input"
	ErrorCodeUnknown         = "unknown_error"
)

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, original error) *ProviderError {
	return &ProviderError{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   isRetryableCode(code),
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

// codeForStatus maps an HTTP status from a provider API to an error code.
func codeForStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return ErrorCodeAuthentication
	case status == 404:
		return ErrorCodeModelNotFound
	case status == 408:
		return ErrorCodeTimeout
	case status == 429:
		return ErrorCodeRateLimit
	case status >= 500:
		return ErrorCodeServerError
	case status >= 400:
		return ErrorCodeInvalidRequest
	default:
		return ErrorCodeUnknown
	}
}

// lastUserIndex returns the index of the last user message, or -1.
func lastUserIndex(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return i
		}
	}
	return -1
}
