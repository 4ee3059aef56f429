// Package provider defines the pluggable text-generation provider
// interface and its concrete adapters. Providers are dumb transports:
// they do not retry, rank, or persist anything.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// Provider is the contract every text-generation backend implements.
type Provider interface {
	// CreateCompletion creates a completion (unstructured text response).
	CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error)

	// CreateStructured creates a schema-constrained JSON response.
	CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error)

	// CreateStreaming creates a streaming response. The returned stream
	// is finite and not restartable.
	CreateStreaming(ctx context.Context, request CompletionRequest) (Stream, error)

	// Name returns the provider name (e.g., "openai", "gemini").
	Name() string
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant"
	Content string `json:"content"` // The message content
}

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	// Messages is the conversation history.
	Messages []Message `json:"messages"`

	// Model is the model to use; empty selects the provider default.
	Model string `json:"model,omitempty"`

	// Temperature controls randomness (0.0-2.0).
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens is the maximum number of tokens to generate.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	// Content is the generated text.
	Content string `json:"content"`

	// FinishReason explains why generation stopped.
	FinishReason string `json:"finish_reason"`

	// Model is the model that served the request.
	Model string `json:"model,omitempty"`

	// Usage contains token usage information.
	Usage Usage `json:"usage"`
}

// StructuredRequest asks for output conforming to a JSON Schema.
type StructuredRequest struct {
	CompletionRequest

	// SchemaName labels the schema for providers that require one.
	SchemaName string `json:"schema_name,omitempty"`

	// ResponseSchema is the JSON Schema for the expected response.
	ResponseSchema json.RawMessage `json:"response_schema"`
}

// StructuredResponse represents a structured response.
type StructuredResponse struct {
	// Data is the schema-conformant JSON payload.
	Data json.RawMessage `json:"data"`

	CompletionResponse
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Stream represents a streaming response.
type Stream interface {
	// Recv receives the next chunk. Returns io.EOF when the stream ends.
	Recv() (*StreamChunk, error)

	// Close closes the stream.
	Close() error
}

// StreamChunk represents a chunk in a streaming response.
type StreamChunk struct {
	// Delta is the incremental content.
	Delta string `json:"delta"`

	// FinishReason if this is the last chunk.
	FinishReason string `json:"finish_reason,omitempty"`
}

// Factory creates a provider from configuration.
type Factory func(config map[string]any) (Provider, error)

var factories = map[string]Factory{}

// RegisterFactory registers a provider factory under a name.
func RegisterFactory(name string, f Factory) {
	factories[name] = f
}

// New creates a provider by registered name.
func New(name string, config map[string]any) (Provider, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return f(config)
}
