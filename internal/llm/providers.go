package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ajitpratap0/perpcycle/internal/db"
)

// openaiProvider speaks the /chat/completions dialect. It also covers
// OpenRouter, DeepSeek and any other OpenAI-compatible endpoint.
type openaiProvider struct {
	cfg        db.LLMConfig
	httpClient *http.Client
	baseURL    string
}

func newOpenAIProvider(cfg db.LLMConfig, hc *http.Client) *openaiProvider {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &openaiProvider{cfg: cfg, httpClient: hc, baseURL: strings.TrimRight(base, "/")}
}

func (p *openaiProvider) name() string { return "openai" }

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiChatRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *openaiProvider) chat(ctx context.Context, req Request) (string, error) {
	messages := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openaiMessage{Role: m.Role, Content: m.Content})
	}

	body := openaiChatRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSONOnly {
		body.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	var resp openaiChatResponse
	if err := p.post(ctx, p.baseURL+"/chat/completions", body, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("api error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *openaiProvider) post(ctx context.Context, url string, body, out any) error {
	return doJSON(ctx, p.httpClient, url, body, out, map[string]string{
		"Authorization": "Bearer " + p.cfg.APIKey,
	})
}

type openaiEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *openaiProvider) embed(ctx context.Context, model, text string) ([]float32, error) {
	body := openaiEmbedRequest{Model: model, Input: []string{text}}

	var resp openaiEmbedResponse
	if err := p.post(ctx, p.baseURL+"/embeddings", body, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("api error: %s", resp.Error.Message)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

// anthropicProvider speaks the /v1/messages dialect.
type anthropicProvider struct {
	cfg        db.LLMConfig
	httpClient *http.Client
	baseURL    string
}

func newAnthropicProvider(cfg db.LLMConfig, hc *http.Client) *anthropicProvider {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.anthropic.com"
	}
	return &anthropicProvider{cfg: cfg, httpClient: hc, baseURL: strings.TrimRight(base, "/")}
}

func (p *anthropicProvider) name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *anthropicProvider) chat(ctx context.Context, req Request) (string, error) {
	messages := make([]openaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openaiMessage{Role: m.Role, Content: m.Content})
	}

	system := req.System
	if req.JSONOnly {
		system += "\nRespond with a single JSON object and nothing else."
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	body := anthropicRequest{
		Model:       p.cfg.Model,
		System:      strings.TrimSpace(system),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	var resp anthropicResponse
	err := doJSON(ctx, p.httpClient, p.baseURL+"/v1/messages", body, &resp, map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("api error: %s", resp.Error.Message)
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("empty response")
}

// ollamaProvider speaks the native /api/chat dialect of a local Ollama
// server; format=json enforces structured output.
type ollamaProvider struct {
	cfg        db.LLMConfig
	httpClient *http.Client
	baseURL    string
}

func newOllamaProvider(cfg db.LLMConfig, hc *http.Client) *ollamaProvider {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	return &ollamaProvider{cfg: cfg, httpClient: hc, baseURL: strings.TrimRight(base, "/")}
}

func (p *ollamaProvider) name() string { return "ollama" }

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

func (p *ollamaProvider) chat(ctx context.Context, req Request) (string, error) {
	messages := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openaiMessage{Role: m.Role, Content: m.Content})
	}

	body := ollamaRequest{
		Model:    p.cfg.Model,
		Messages: messages,
		Stream:   false,
		Options:  map[string]any{"temperature": req.Temperature},
	}
	if req.JSONOnly {
		body.Format = "json"
	}

	var resp ollamaResponse
	if err := doJSON(ctx, p.httpClient, p.baseURL+"/api/chat", body, &resp, nil); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("api error: %s", resp.Error)
	}
	return resp.Message.Content, nil
}

// doJSON posts a JSON body and decodes a JSON response.
func doJSON(ctx context.Context, hc *http.Client, url string, body, out any, headers map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
