package llm

import (
	"context"
	"sync"
)

// MockProvider is a scripted Provider for tests.
type MockProvider struct {
	name string

	// Responses are returned in order; Errors[i], when non-nil, replaces Responses[i].
	Responses []*Response
	Errors    []error

	// Respond, when set, computes the response instead of the scripted lists.
	Respond func(req Request) (*Response, error)

	mu    sync.Mutex
	calls []Request
}

// NewMockProvider creates a new mock provider
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

// Name implements Provider
func (m *MockProvider) Name() string {
	return m.name
}

// Generate implements Provider
func (m *MockProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Respond != nil {
		return m.Respond(req)
	}
	if idx < len(m.Errors) && m.Errors[idx] != nil {
		return nil, m.Errors[idx]
	}
	if idx < len(m.Responses) {
		return m.Responses[idx], nil
	}
	return &Response{Content: "Mock response", FinishReason: "stop"}, nil
}

// Calls returns the requests received so far.
func (m *MockProvider) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
