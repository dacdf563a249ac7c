// Package llm wraps an OpenAI-compatible API for the pipeline's two uses:
// JSON-shaped completions (intent, disposition) and KB query embeddings.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/callsight/callsight/internal/config"
	"github.com/callsight/callsight/internal/metrics"
)

var tracer = otel.GetTracerProvider().Tracer("internal/llm")

// requestTimeout is the hard ceiling per call; intent and disposition paths
// must never hang on a slow upstream.
const requestTimeout = 10 * time.Second

// Completer is what the services consume; tests substitute a fake.
type Completer interface {
	// CompleteJSON sends a prompt expecting a JSON object reply and decodes
	// it into out. purpose labels metrics ("intent", "disposition").
	CompleteJSON(ctx context.Context, purpose, system, user string, out any) error

	// Embed returns the embedding vector for text, or an error when no
	// embedding model is configured.
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Client struct {
	api            *openai.Client
	model          string
	embeddingModel string
	maxTokens      int
}

func NewClient(cfg config.LLMConfig) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	apiCfg.HTTPClient = &http.Client{Timeout: requestTimeout + time.Second}

	return &Client{
		api:            openai.NewClientWithConfig(apiCfg),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		maxTokens:      cfg.MaxTokens,
	}
}

func (c *Client) CompleteJSON(ctx context.Context, purpose, system, user string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "llm.chat", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.String("llm.purpose", purpose),
	)

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	metrics.LLMRequestDuration.WithLabelValues(purpose).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(purpose, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("llm: %s completion: %w", purpose, err)
	}
	if len(resp.Choices) == 0 {
		metrics.LLMRequestsTotal.WithLabelValues(purpose, "empty").Inc()
		return fmt.Errorf("llm: %s completion returned no choices", purpose)
	}

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(purpose, "malformed").Inc()
		return fmt.Errorf("llm: %s reply is not valid JSON: %w", purpose, err)
	}

	metrics.LLMRequestsTotal.WithLabelValues(purpose, "ok").Inc()
	span.SetAttributes(attribute.Int("llm.usage.total_tokens", resp.Usage.TotalTokens))
	return nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.embeddingModel == "" {
		return nil, fmt.Errorf("llm: no embedding model configured")
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "llm.embeddings", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.embeddingModel),
		Input: []string{text},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("llm: embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("llm: embeddings returned no data")
	}
	return resp.Data[0].Embedding, nil
}
