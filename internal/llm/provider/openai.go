package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = openai.GPT4oMini

func init() {
	RegisterFactory("openai", func(config map[string]any) (Provider, error) {
		apiKey, _ := config["api_key"].(string)
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		model, _ := config["model"].(string)
		if baseURL, ok := config["base_url"].(string); ok && baseURL != "" {
			cfg := openai.DefaultConfig(apiKey)
			cfg.BaseURL = baseURL
			return NewOpenAIProviderFromClient(openai.NewClientWithConfig(cfg), model), nil
		}
		return NewOpenAIProvider(apiKey, model), nil
	})
}

// OpenAIProvider implements Provider on the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates an OpenAI provider with the given API key.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return NewOpenAIProviderFromClient(openai.NewClient(apiKey), model)
}

// NewOpenAIProviderFromClient wraps an existing client. Useful for tests
// and proxy deployments.
func NewOpenAIProviderFromClient(client *openai.Client, model string) *OpenAIProvider {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{client: client, model: model}
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) chatRequest(request CompletionRequest) openai.ChatCompletionRequest {
	model := request.Model
	if model == "" {
		model = p.model
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(request.Messages))
	for _, m := range request.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: float32(request.Temperature),
		MaxTokens:   request.MaxTokens,
	}
}

// CreateCompletion implements Provider.
func (p *OpenAIProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.chatRequest(request))
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai completion: empty choices")
	}
	choice := resp.Choices[0]
	return &CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Model:        resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// CreateStructured implements Provider using OpenAI's JSON-schema
// response format in strict mode.
func (p *OpenAIProvider) CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error) {
	req := p.chatRequest(request.CompletionRequest)
	name := request.SchemaName
	if name == "" {
		name = "response"
	}
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   name,
			Schema: request.ResponseSchema,
			Strict: true,
		},
	}
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai structured: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai structured: empty choices")
	}
	choice := resp.Choices[0]
	var data json.RawMessage
	if err := json.Unmarshal([]byte(choice.Message.Content), &data); err != nil {
		return nil, fmt.Errorf("openai structured: invalid JSON payload: %w", err)
	}
	return &StructuredResponse{
		Data: data,
		CompletionResponse: CompletionResponse{
			Content:      choice.Message.Content,
			FinishReason: string(choice.FinishReason),
			Model:        resp.Model,
			Usage: Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		},
	}, nil
}

// CreateStreaming implements Provider.
func (p *OpenAIProvider) CreateStreaming(ctx context.Context, request CompletionRequest) (Stream, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.chatRequest(request))
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return &openaiStream{inner: stream}, nil
}

type openaiStream struct {
	inner *openai.ChatCompletionStream
}

func (s *openaiStream) Recv() (*StreamChunk, error) {
	resp, err := s.inner.Recv()
	if err != nil {
		// io.EOF marks normal end of stream.
		return nil, err
	}
	chunk := &StreamChunk{}
	if len(resp.Choices) > 0 {
		chunk.Delta = resp.Choices[0].Delta.Content
		chunk.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return chunk, nil
}

func (s *openaiStream) Close() error { return s.inner.Close() }
