package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/genai"
)

const (
	defaultGeminiModel  = "gemini-2.0-flash"
	geminiClientTimeout = 30 * time.Second
)

func init() {
	RegisterFactory("gemini", func(config map[string]any) (Provider, error) {
		apiKey, _ := config["api_key"].(string)
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY not set")
		}
		model, _ := config["model"].(string)
		return NewGeminiProvider(apiKey, model)
	})
}

// GeminiProvider implements Provider on the Gemini API via the Gen AI SDK.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a Gemini provider authenticated by API key.
func NewGeminiProvider(apiKey, model string) (*GeminiProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), geminiClientTimeout)
	defer cancel()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// Name returns "gemini".
func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) resolveModel(request CompletionRequest) string {
	if request.Model != "" {
		return request.Model
	}
	return p.model
}

func (p *GeminiProvider) buildConfig(request CompletionRequest) (*genai.GenerateContentConfig, []*genai.Content) {
	config := &genai.GenerateContentConfig{}
	config.Temperature = genai.Ptr(float32(request.Temperature))
	if request.MaxTokens > 0 {
		config.MaxOutputTokens = int32(request.MaxTokens)
	}

	contents := make([]*genai.Content, 0, len(request.Messages))
	for _, m := range request.Messages {
		switch m.Role {
		case "system":
			config.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: m.Content}},
			}
		case "assistant":
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}
	return config, contents
}

func (p *GeminiProvider) parseResponse(model string, resp *genai.GenerateContentResponse) (*CompletionResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: no candidates in response")
	}
	candidate := resp.Candidates[0]
	var content string
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			content += part.Text
		}
	}

	finishReason := string(candidate.FinishReason)
	if finishReason == "STOP" || finishReason == "" {
		finishReason = "stop"
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &CompletionResponse{
		Content:      content,
		FinishReason: finishReason,
		Model:        model,
		Usage:        usage,
	}, nil
}

// CreateCompletion implements Provider.
func (p *GeminiProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	model := p.resolveModel(request)
	config, contents := p.buildConfig(request)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini completion: %w", err)
	}
	return p.parseResponse(model, resp)
}

// CreateStructured implements Provider using Gemini's response schema.
func (p *GeminiProvider) CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error) {
	model := p.resolveModel(request.CompletionRequest)
	config, contents := p.buildConfig(request.CompletionRequest)
	config.ResponseMIMEType = "application/json"
	if len(request.ResponseSchema) > 0 {
		var schema *genai.Schema
		if err := json.Unmarshal(request.ResponseSchema, &schema); err == nil {
			config.ResponseSchema = schema
		}
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini structured: %w", err)
	}
	compResp, err := p.parseResponse(model, resp)
	if err != nil {
		return nil, err
	}
	var data json.RawMessage
	if err := json.Unmarshal([]byte(compResp.Content), &data); err != nil {
		return nil, fmt.Errorf("gemini structured: invalid JSON payload: %w", err)
	}
	return &StructuredResponse{Data: data, CompletionResponse: *compResp}, nil
}

// CreateStreaming implements Provider. The SDK's iterator is bridged onto
// channels so Close can abandon a stream mid-flight.
func (p *GeminiProvider) CreateStreaming(ctx context.Context, request CompletionRequest) (Stream, error) {
	model := p.resolveModel(request)
	config, contents := p.buildConfig(request)

	respChan := make(chan *genai.GenerateContentResponse, 10)
	errChan := make(chan error, 1)
	streamCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(respChan)
		for resp, err := range p.client.Models.GenerateContentStream(streamCtx, model, contents, config) {
			if err != nil {
				select {
				case errChan <- err:
				case <-streamCtx.Done():
				}
				return
			}
			select {
			case respChan <- resp:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return &geminiStream{respChan: respChan, errChan: errChan, cancel: cancel}, nil
}

type geminiStream struct {
	respChan <-chan *genai.GenerateContentResponse
	errChan  <-chan error
	cancel   context.CancelFunc
	done     bool
}

func (s *geminiStream) Recv() (*StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	select {
	case err := <-s.errChan:
		s.done = true
		return nil, fmt.Errorf("gemini stream: %w", err)
	case resp, ok := <-s.respChan:
		if !ok {
			s.done = true
			// The producer sends on errChan before it returns, so by the
			// time respChan is closed any error is already buffered. Check
			// it before declaring the stream clean.
			select {
			case err := <-s.errChan:
				return nil, fmt.Errorf("gemini stream: %w", err)
			default:
			}
			return nil, io.EOF
		}
		chunk := &StreamChunk{}
		if len(resp.Candidates) > 0 {
			candidate := resp.Candidates[0]
			if candidate.Content != nil {
				for _, part := range candidate.Content.Parts {
					chunk.Delta += part.Text
				}
			}
			if candidate.FinishReason != "" {
				chunk.FinishReason = "stop"
			}
		}
		return chunk, nil
	}
}

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}
