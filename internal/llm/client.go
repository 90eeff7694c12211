package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/ajitpratap0/perpcycle/internal/db"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic chat request. When JSONOnly is set the
// provider is asked for a strict JSON object response.
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSONOnly    bool
}

// provider is the transport half of a client: one HTTP dialect.
type provider interface {
	chat(ctx context.Context, req Request) (string, error)
	name() string
}

// Client is one configured model endpoint behind a circuit breaker.
type Client struct {
	cfg      db.LLMConfig
	provider provider
	breaker  *gobreaker.CircuitBreaker
}

// Circuit breaker settings: model endpoints recover slowly, so the open
// window is long relative to the exchange breakers.
const (
	llmBreakerMinRequests  = 3
	llmBreakerFailureRatio = 0.6
	llmBreakerOpenTimeout  = 60 * time.Second
	llmBreakerInterval     = 10 * time.Second
)

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: llmBreakerInterval,
		Timeout:  llmBreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= llmBreakerMinRequests && ratio >= llmBreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("component", "llm").
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("LLM circuit breaker state change")
		},
	})
}

// New builds a client from an LLM endpoint configuration row.
func New(cfg db.LLMConfig) (*Client, error) {
	httpClient := &http.Client{Timeout: 180 * time.Second}

	var p provider
	switch cfg.Provider {
	case "openai", "openai_compatible", "openrouter", "deepseek", "qwen":
		p = newOpenAIProvider(cfg, httpClient)
	case "anthropic":
		p = newAnthropicProvider(cfg, httpClient)
	case "ollama":
		p = newOllamaProvider(cfg, httpClient)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	return &Client{
		cfg:      cfg,
		provider: p,
		breaker:  newBreaker(fmt.Sprintf("%s/%s", cfg.Provider, cfg.Model)),
	}, nil
}

// Name identifies the endpoint for logs and fallback reporting.
func (c *Client) Name() string {
	return fmt.Sprintf("%s/%s", c.cfg.Provider, c.cfg.Model)
}

// DefaultEmbeddingModel is used when the endpoint configuration does
// not name one.
const DefaultEmbeddingModel = "text-embedding-3-small"

type embedder interface {
	embed(ctx context.Context, model, text string) ([]float32, error)
}

// Embed returns the embedding vector for one text. Only endpoints that
// speak the OpenAI dialect expose an embeddings route.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	p, ok := c.provider.(embedder)
	if !ok {
		return nil, fmt.Errorf("llm %s: provider does not support embeddings", c.Name())
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return p.embed(ctx, DefaultEmbeddingModel, text)
	})
	if err != nil {
		return nil, fmt.Errorf("llm %s: %w", c.Name(), err)
	}
	return out.([]float32), nil
}

// Chat sends one request through the circuit breaker and returns the raw
// assistant text.
func (c *Client) Chat(ctx context.Context, req Request) (string, error) {
	if req.Temperature == 0 {
		req.Temperature = c.cfg.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}

	started := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.provider.chat(ctx, req)
	})
	if err != nil {
		return "", fmt.Errorf("llm %s: %w", c.Name(), err)
	}

	log.Debug().
		Str("component", "llm").
		Str("model", c.Name()).
		Dur("elapsed", time.Since(started)).
		Msg("LLM call completed")
	return out.(string), nil
}
