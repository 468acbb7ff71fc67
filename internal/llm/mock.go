package llm

import (
	"context"
	"fmt"
	"sync"
)

// ResponderFunc produces a reply for one request
type ResponderFunc func(req CompletionRequest) (string, error)

// MockProvider is an offline provider. Replies come from a per-operation
// handler, then from a FIFO queue, then from Fallback.
type MockProvider struct {
	mu       sync.Mutex
	handlers map[string]ResponderFunc
	queue    []string
	calls    []CompletionRequest

	// Fallback answers when no handler or queued reply matches
	Fallback ResponderFunc
	Model    string

	// Down makes IsAvailable report false
	Down bool
}

// NewMockProvider creates an empty mock provider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		handlers: make(map[string]ResponderFunc),
		Model:    "mock-1",
	}
}

// Name returns the provider name
func (p *MockProvider) Name() string {
	return "mock"
}

// IsAvailable reports !Down
func (p *MockProvider) IsAvailable(ctx context.Context) bool {
	return !p.Down
}

// Handle registers a responder for an operation label
func (p *MockProvider) Handle(operation string, fn ResponderFunc) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[operation] = fn
	return p
}

// Enqueue appends canned replies
func (p *MockProvider) Enqueue(replies ...string) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, replies...)
	return p
}

// Calls returns a copy of the requests seen so far
func (p *MockProvider) Calls() []CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompletionRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// Complete returns the next reply
func (p *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.calls = append(p.calls, req)
	handler := p.handlers[req.Operation]
	var queued *string
	if handler == nil && len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		queued = &next
	}
	fallback := p.Fallback
	p.mu.Unlock()

	var text string
	var err error
	switch {
	case handler != nil:
		text, err = handler(req)
	case queued != nil:
		text = *queued
	case fallback != nil:
		text, err = fallback(req)
	default:
		return nil, fmt.Errorf("mock provider: no reply for operation %q", req.Operation)
	}
	if err != nil {
		return nil, err
	}

	return &CompletionResponse{
		Text:             text,
		Model:            p.Model,
		PromptTokens:     EstimateTokens(req.System + req.Prompt),
		CompletionTokens: EstimateTokens(text),
	}, nil
}
