package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/pkg/config"
	"github.com/midos-dev/knowledge-gateway/pkg/retry"
)

var (
	// ErrProviderUnavailable covers connection failures and error responses
	// from the embedding provider.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	// ErrProviderTimeout covers attempts that exceeded the configured budget.
	ErrProviderTimeout = errors.New("embedding provider timeout")
)

// Client converts query text to embedding vectors via the OpenAI API.
type Client struct {
	client      *openai.Client
	model       string
	timeout     time.Duration
	retryConfig retry.Config
	logger      *zap.Logger
}

func NewClient(cfg config.EmbeddingConfig, logger *zap.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	retryConfig := retry.DefaultConfig()
	retryConfig.MaxAttempts = 2
	retryConfig.Logger = logger

	logger.Info("Embedding client initialized", zap.String("model", cfg.Model))

	return &Client{
		client:      openai.NewClient(cfg.APIKey),
		model:       cfg.Model,
		timeout:     timeout,
		retryConfig: retryConfig,
		logger:      logger,
	}
}

// Embed returns the embedding vector for text. Failures map onto the
// provider error taxonomy so the engine can report them to the breaker and
// fall back without inspecting transport details.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := retry.DoWithResult(callCtx, c.retryConfig, func() (openai.EmbeddingResponse, error) {
		return c.client.CreateEmbeddings(callCtx, openai.EmbeddingRequestStrings{
			Input: []string{text},
			Model: openai.EmbeddingModel(c.model),
		})
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("Embedding request timed out", zap.Duration("timeout", c.timeout))
			return nil, fmt.Errorf("%w: %v", ErrProviderTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", ErrProviderUnavailable)
	}

	return resp.Data[0].Embedding, nil
}
