// Package gateway is the single entry point for text generation. It wraps
// a provider with error normalization, tracing, metrics, and an optional
// outbound rate limit. The gateway never retries: cost and latency
// tradeoffs vary by call site, so retry policy belongs to callers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/kindred-ai/kindred/internal/llm/provider"
	"github.com/kindred-ai/kindred/pkg/observability"
)

// ErrGenerationFailed wraps every provider failure, including timeouts.
// Callers decide whether to resubmit.
var ErrGenerationFailed = errors.New("generation failed")

// Options tune a single generation call.
type Options struct {
	Temperature float64
	MaxTokens   int
	Model       string
}

// Reply is the result of a completed generation.
type Reply struct {
	Content   string
	Model     string
	TokensIn  int
	TokensOut int
	Latency   time.Duration
}

// Stream is a finite, non-restartable sequence of text chunks.
type Stream interface {
	// Recv returns the next chunk, io.EOF at the end, or a wrapped
	// ErrGenerationFailed on provider failure.
	Recv() (string, error)
	Close() error
}

// Config holds gateway construction parameters.
type Config struct {
	// CallTimeout bounds each provider call (default 60s).
	CallTimeout time.Duration
	// RequestsPerSecond caps outbound calls; 0 disables the limiter.
	RequestsPerSecond float64
	// Burst is the limiter burst size (default 1 when limited).
	Burst int
}

// Gateway is the uniform text-generation interface used by the
// orchestration core.
type Gateway struct {
	provider provider.Provider
	limiter  *rate.Limiter
	timeout  time.Duration
	tracer   trace.Tracer
}

// New creates a gateway around the given provider.
func New(p provider.Provider, cfg Config) *Gateway {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Gateway{
		provider: p,
		limiter:  limiter,
		timeout:  timeout,
		tracer:   otel.Tracer("kindred/gateway"),
	}
}

// Provider exposes the underlying provider name for metadata.
func (g *Gateway) Provider() string { return g.provider.Name() }

func (g *Gateway) prepare(ctx context.Context, op string) (context.Context, trace.Span, context.CancelFunc, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}
	}
	ctx, span := g.tracer.Start(ctx, op,
		trace.WithAttributes(attribute.String("llm.provider", g.provider.Name())))
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	return ctx, span, cancel, nil
}

// Generate performs a synchronous chat completion.
func (g *Gateway) Generate(ctx context.Context, messages []provider.Message, opts Options) (*Reply, error) {
	ctx, span, cancel, err := g.prepare(ctx, "gateway.generate")
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer span.End()

	start := time.Now()
	resp, err := g.provider.CreateCompletion(ctx, provider.CompletionRequest{
		Messages:    messages,
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	latency := time.Since(start)
	if err != nil {
		observability.RecordGeneration(g.provider.Name(), "error", latency, 0, 0)
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	observability.RecordGeneration(g.provider.Name(), "ok", latency,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	span.SetAttributes(
		attribute.Int("llm.tokens_in", resp.Usage.PromptTokens),
		attribute.Int("llm.tokens_out", resp.Usage.CompletionTokens),
	)
	return &Reply{
		Content:   resp.Content,
		Model:     resp.Model,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		Latency:   latency,
	}, nil
}

// GenerateStructured performs a schema-constrained completion and returns
// the raw JSON payload alongside the usual reply metadata.
func (g *Gateway) GenerateStructured(ctx context.Context, messages []provider.Message, schemaName string, schema json.RawMessage, opts Options) (json.RawMessage, *Reply, error) {
	ctx, span, cancel, err := g.prepare(ctx, "gateway.generate_structured")
	if err != nil {
		return nil, nil, err
	}
	defer cancel()
	defer span.End()

	start := time.Now()
	resp, err := g.provider.CreateStructured(ctx, provider.StructuredRequest{
		CompletionRequest: provider.CompletionRequest{
			Messages:    messages,
			Model:       opts.Model,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
		},
		SchemaName:     schemaName,
		ResponseSchema: schema,
	})
	latency := time.Since(start)
	if err != nil {
		observability.RecordGeneration(g.provider.Name(), "error", latency, 0, 0)
		span.RecordError(err)
		return nil, nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	observability.RecordGeneration(g.provider.Name(), "ok", latency,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp.Data, &Reply{
		Content:   resp.Content,
		Model:     resp.Model,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		Latency:   latency,
	}, nil
}

// GenerateStream starts a streamed completion. The caller must drain the
// stream or Close it; the gateway records metrics when the stream ends.
func (g *Gateway) GenerateStream(ctx context.Context, messages []provider.Message, opts Options) (Stream, error) {
	ctx, span, cancel, err := g.prepare(ctx, "gateway.generate_stream")
	if err != nil {
		return nil, err
	}

	start := time.Now()
	inner, err := g.provider.CreateStreaming(ctx, provider.CompletionRequest{
		Messages:    messages,
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		observability.RecordGeneration(g.provider.Name(), "error", time.Since(start), 0, 0)
		span.RecordError(err)
		span.End()
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return &gatewayStream{
		inner:    inner,
		provider: g.provider.Name(),
		start:    start,
		span:     span,
		cancel:   cancel,
	}, nil
}

type gatewayStream struct {
	inner    provider.Stream
	provider string
	start    time.Time
	span     trace.Span
	cancel   context.CancelFunc
	finished bool
}

func (s *gatewayStream) Recv() (string, error) {
	chunk, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.finish("ok")
			return "", io.EOF
		}
		s.span.RecordError(err)
		s.finish("error")
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return chunk.Delta, nil
}

func (s *gatewayStream) Close() error {
	err := s.inner.Close()
	s.finish("abandoned")
	return err
}

func (s *gatewayStream) finish(status string) {
	if s.finished {
		return
	}
	s.finished = true
	observability.RecordGeneration(s.provider, status, time.Since(s.start), 0, 0)
	s.span.End()
	s.cancel()
}
