package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/metrics"
	"github.com/hotelrag/backend/pkg/circuitbreaker"
	"github.com/hotelrag/backend/pkg/logger"
	"github.com/hotelrag/backend/pkg/retry"
)

type Config struct {
	// Name labels the circuit breaker; one client per backend.
	Name           string
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
	BatchSize      int
}

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	batchSize      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(cfg Config) *Client {
	oaCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	name := cfg.Name
	if name == "" {
		name = "llm"
	}

	cb := circuitbreaker.NewCircuitBreaker(name, circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	logger.Info("LLM client initialized",
		zap.String("name", name),
		zap.String("base_url", oaCfg.BaseURL),
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
	)

	return &Client{
		client:         openai.NewClientWithConfig(oaCfg),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        timeout,
		batchSize:      batchSize,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) EmbeddingModel() string {
	return c.embeddingModel
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	result, err := circuitbreaker.ExecuteValue(ctx, c.cb, func() (*CompletionResponse, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*CompletionResponse, error) {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)
			if err != nil {
				return nil, classify(fmt.Errorf("failed to create completion: %w", err))
			}

			if len(resp.Choices) == 0 {
				return nil, retry.Permanent(fmt.Errorf("%w: completion has no choices", ErrUnexpectedShape))
			}

			logger.Debug("LLM completion generated",
				zap.String("model", c.model),
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)
			metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

			return &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}, nil
		})
	})
	if err != nil {
		c.logFailure("completion", err)
		return nil, err
	}

	return result, nil
}

func (c *Client) logFailure(call string, err error) {
	logger.Warn("LLM call failed",
		zap.String("breaker", c.cb.Name()),
		zap.String("breaker_state", c.cb.State().String()),
		zap.String("call", call),
		zap.Error(err),
	)
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.GenerateBatchEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	embeddings := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += c.batchSize {
		end := i + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := texts[i:end]

		data, err := circuitbreaker.ExecuteValue(ctx, c.cb, func() ([]openai.Embedding, error) {
			return retry.DoWithResult(ctx, c.retryConfig, func() ([]openai.Embedding, error) {
				resp, err := c.client.CreateEmbeddings(
					ctx,
					openai.EmbeddingRequest{
						Input: batch,
						Model: openai.EmbeddingModel(c.embeddingModel),
					},
				)
				if err != nil {
					return nil, classify(fmt.Errorf("failed to generate embeddings: %w", err))
				}

				if len(resp.Data) != len(batch) {
					return nil, retry.Permanent(fmt.Errorf("%w: %d embeddings for %d inputs", ErrUnexpectedShape, len(resp.Data), len(batch)))
				}
				return resp.Data, nil
			})
		})
		if err != nil {
			c.logFailure("embeddings", err)
			return nil, err
		}

		for _, d := range data {
			embeddings = append(embeddings, d.Embedding)
		}
	}

	logger.Debug("Embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

// GenerateGrounded answers query using only the given passages, with
// instruction as the system prompt.
func (c *Client) GenerateGrounded(ctx context.Context, query, instruction string, passages []string) (string, error) {
	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: instruction,
		UserPrompt:   groundedPrompt(query, passages),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate answer: %w", err)
	}

	logger.Info("Grounded answer generated",
		zap.Int("passages", len(passages)),
		zap.Int("answer_length", len(resp.Content)),
	)

	return strings.TrimSpace(resp.Content), nil
}

func groundedPrompt(query string, passages []string) string {
	var sb strings.Builder
	sb.WriteString("Context:\n")
	for i, p := range passages {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, p)
	}
	fmt.Fprintf(&sb, "\nQuestion: %s", query)
	return sb.String()
}

// classify marks client errors other than rate limiting as permanent so
// they are not retried.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			return retry.Permanent(err)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		code := reqErr.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			return retry.Permanent(err)
		}
	}
	return err
}
