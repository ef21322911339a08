// Package llm wraps Genkit for the bot's completion calls.
//
// It owns provider selection (OpenAI by default, Google AI or Ollama by
// configuration), proactive rate limiting and transient-error retry. The
// pipeline sees a single Complete method taking the assembled message
// list.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"golang.org/x/time/rate"

	"github.com/kentaro531/gpt-4o-bot-clean/internal/config"
	"github.com/kentaro531/gpt-4o-bot-clean/internal/log"
)

// ErrEmptyResponse indicates the model produced no text.
var ErrEmptyResponse = errors.New("model returned empty response")

// Init initializes Genkit with the configured provider plugin.
func Init(ctx context.Context, cfg *config.Config) (*genkit.Genkit, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{APIKey: cfg.OpenAIAPIKey})), nil
	case config.ProviderGoogleAI:
		return genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{})), nil
	case config.ProviderOllama:
		return genkit.Init(ctx, genkit.WithPlugins(&ollama.Ollama{ServerAddress: cfg.OllamaHost})), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

// ClientConfig contains all required parameters for the completion client.
type ClientConfig struct {
	Genkit *genkit.Genkit

	// ModelName is the model identifier. Unqualified names get the
	// provider prefix (e.g. "gpt-4o" -> "openai/gpt-4o").
	ModelName string
	Provider  string

	Temperature float32
	MaxTokens   int

	// Retry settings (zero-value uses defaults).
	Retry RetryConfig

	// RateLimiter throttles outbound calls (nil = 2 req/s, burst 5).
	RateLimiter *rate.Limiter

	Logger log.Logger
}

// Client issues completion calls against the configured model.
//
// All configuration is captured immutably at construction, so one Client
// is safe for the concurrent event handlers of the socket-mode runtime.
type Client struct {
	g           *genkit.Genkit
	modelName   string
	temperature float32
	maxTokens   int
	retry       RetryConfig
	limiter     *rate.Limiter
	logger      log.Logger
}

// NewClient creates a completion client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Genkit == nil {
		return nil, errors.New("genkit instance is required")
	}
	if cfg.ModelName == "" {
		return nil, errors.New("model name is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	modelName := cfg.ModelName
	if !strings.Contains(modelName, "/") && cfg.Provider != "" {
		modelName = cfg.Provider + "/" + modelName
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = rate.NewLimiter(2, 5)
	}

	return &Client{
		g:           cfg.Genkit,
		modelName:   modelName,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		retry:       retry,
		limiter:     limiter,
		logger:      cfg.Logger,
	}, nil
}

// Complete issues one blocking completion call with the given message
// list and returns the model's text. Transient provider errors are
// retried with exponential backoff; anything else propagates.
func (c *Client) Complete(ctx context.Context, messages []*ai.Message) (string, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(c.modelName),
		ai.WithMessages(messages...),
	}
	if c.temperature > 0 || c.maxTokens > 0 {
		opts = append(opts, ai.WithConfig(&ai.GenerationCommonConfig{
			Temperature:     float64(c.temperature),
			MaxOutputTokens: c.maxTokens,
		}))
	}

	resp, err := c.generateWithRetry(ctx, opts)
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
