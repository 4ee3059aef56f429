package provider

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// MockProvider is a scripted Provider for tests. Responses and errors are
// consumed in call order; when the script runs out, a canned default is
// returned.
type MockProvider struct {
	mu   sync.Mutex
	name string

	// Scripted responses, consumed in order across call types.
	CompletionResponses []*CompletionResponse
	StructuredResponses []*StructuredResponse
	StreamScripts       [][]StreamChunk
	Errors              []error

	// Recorded calls.
	CompletionCalls []CompletionRequest
	StructuredCalls []StructuredRequest
	StreamCalls     []CompletionRequest

	currentIndex int
}

// NewMockProvider creates an empty scripted provider.
func NewMockProvider(name string) *MockProvider {
	if name == "" {
		name = "mock"
	}
	return &MockProvider{name: name}
}

// Name implements Provider.
func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) nextError() error {
	if m.currentIndex < len(m.Errors) && m.Errors[m.currentIndex] != nil {
		err := m.Errors[m.currentIndex]
		m.currentIndex++
		return err
	}
	return nil
}

// CreateCompletion implements Provider.
func (m *MockProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompletionCalls = append(m.CompletionCalls, request)

	if err := m.nextError(); err != nil {
		return nil, err
	}
	if m.currentIndex < len(m.CompletionResponses) {
		resp := m.CompletionResponses[m.currentIndex]
		m.currentIndex++
		return resp, nil
	}
	return &CompletionResponse{
		Content:      "Mock response",
		FinishReason: "stop",
		Model:        "mock-model",
		Usage:        Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// CreateStructured implements Provider.
func (m *MockProvider) CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StructuredCalls = append(m.StructuredCalls, request)

	if err := m.nextError(); err != nil {
		return nil, err
	}
	if m.currentIndex < len(m.StructuredResponses) {
		resp := m.StructuredResponses[m.currentIndex]
		m.currentIndex++
		return resp, nil
	}
	return &StructuredResponse{
		Data: json.RawMessage(`{}`),
		CompletionResponse: CompletionResponse{
			Content:      "{}",
			FinishReason: "stop",
			Model:        "mock-model",
		},
	}, nil
}

// CreateStreaming implements Provider.
func (m *MockProvider) CreateStreaming(ctx context.Context, request CompletionRequest) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamCalls = append(m.StreamCalls, request)

	if err := m.nextError(); err != nil {
		return nil, err
	}
	if m.currentIndex < len(m.StreamScripts) {
		chunks := m.StreamScripts[m.currentIndex]
		m.currentIndex++
		return &mockStream{chunks: chunks}, nil
	}
	return &mockStream{chunks: []StreamChunk{{Delta: "Mock response", FinishReason: "stop"}}}, nil
}

type mockStream struct {
	chunks []StreamChunk
	pos    int
	// FailAt, when >= 0, makes Recv return FailErr at that position.
	FailAt  int
	FailErr error
	closed  bool
}

// NewMockStream builds a standalone scripted stream.
func NewMockStream(chunks []StreamChunk) Stream {
	return &mockStream{chunks: chunks, FailAt: -1}
}

// NewFailingStream builds a stream that errors after emitting failAt chunks.
func NewFailingStream(chunks []StreamChunk, failAt int, err error) Stream {
	return &mockStream{chunks: chunks, FailAt: failAt, FailErr: err}
}

func (s *mockStream) Recv() (*StreamChunk, error) {
	if s.FailErr != nil && s.pos == s.FailAt {
		return nil, s.FailErr
	}
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return &chunk, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}
