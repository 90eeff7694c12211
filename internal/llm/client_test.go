package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/perpcycle/internal/db"
)

func openaiServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, provider, baseURL string) *Client {
	t.Helper()
	c, err := New(db.LLMConfig{
		Provider:    provider,
		Model:       "test-model",
		APIKey:      "test-key",
		BaseURL:     baseURL,
		Temperature: 0.2,
		MaxTokens:   512,
	})
	require.NoError(t, err)
	return c
}

func TestOpenAIChat(t *testing.T) {
	srv := openaiServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openaiChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello"}},
			},
		})
	})

	c := newTestClient(t, "openai", srv.URL)
	out, err := c.Chat(context.Background(), Request{
		System:   "be terse",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestAnthropicChat(t *testing.T) {
	srv := openaiServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "claude says hi"},
			},
		})
	})

	c := newTestClient(t, "anthropic", srv.URL)
	out, err := c.Chat(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "claude says hi", out)
}

func TestOllamaChat(t *testing.T) {
	srv := openaiServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"content": "local response"},
		})
	})

	c := newTestClient(t, "ollama", srv.URL)
	out, err := c.Chat(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "local response", out)
}

func TestUnknownProvider(t *testing.T) {
	_, err := New(db.LLMConfig{Provider: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown llm provider")
}

type decision struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
}

func TestStructured(t *testing.T) {
	t.Run("decodes fenced json", func(t *testing.T) {
		srv := openaiServer(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{
					{"message": map[string]any{
						"content": "Here you go:\n```json\n{\"action\": \"open_long\", \"confidence\": 82}\n```",
					}},
				},
			})
		})
		c := newTestClient(t, "openai", srv.URL)

		out, err := Structured[decision](context.Background(), []*Client{c},
			Request{Messages: []Message{{Role: "user", Content: "decide"}}}, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "open_long", out.Action)
		assert.Equal(t, 82.0, out.Confidence)
	})

	t.Run("falls back to the next client", func(t *testing.T) {
		broken := openaiServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		})
		working := openaiServer(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{
					{"message": map[string]any{"content": `{"action": "wait", "confidence": 50}`}},
				},
			})
		})

		out, err := Structured[decision](context.Background(),
			[]*Client{newTestClient(t, "openai", broken.URL), newTestClient(t, "openai", working.URL)},
			Request{Messages: []Message{{Role: "user", Content: "decide"}}}, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "wait", out.Action)
	})

	t.Run("all clients failing returns last error", func(t *testing.T) {
		broken := openaiServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		})
		_, err := Structured[decision](context.Background(),
			[]*Client{newTestClient(t, "openai", broken.URL)},
			Request{Messages: []Message{{Role: "user", Content: "decide"}}}, 5*time.Second)
		assert.Error(t, err)
	})

	t.Run("no clients is an error", func(t *testing.T) {
		_, err := Structured[decision](context.Background(), nil, Request{}, time.Second)
		assert.Error(t, err)
	})
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose around object", `Sure! {"a": 1} Hope that helps.`, `{"a": 1}`},
		{"array", `[1, 2, 3]`, `[1, 2, 3]`},
		{"no json", "no structure here", "no structure here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := openaiServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	c := newTestClient(t, "openai", srv.URL)

	for i := 0; i < 5; i++ {
		_, _ = c.Chat(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	}
	_, err := c.Chat(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}
