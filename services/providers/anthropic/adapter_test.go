package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govplane/govplane/models"
	"github.com/govplane/govplane/services/providers"
)

func newTestAdapter(url string) *Adapter {
	cfg := providers.DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = url
	return New(cfg)
}

func TestChatCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))

		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-3-sonnet", req.Model)
		assert.Equal(t, "be brief", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)
		assert.NotZero(t, req.MaxTokens)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "msg_123",
			"model": "claude-3-sonnet",
			"content": []map[string]string{
				{"type": "text", "text": "hello"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 9, "output_tokens": 4},
		})
	}))
	defer server.Close()

	adapter := newTestAdapter(server.URL)
	resp, err := adapter.ChatCompletion(context.Background(), &providers.ChatRequest{
		Model: "claude-3-sonnet",
		Messages: []models.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "msg_123", resp.ID)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, int64(9), resp.Usage.InputTokens)
	assert.Equal(t, int64(4), resp.Usage.OutputTokens)
}

func TestChatCompletionUpstreamError(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "overloaded_error", "message": "overloaded"},
		})
	}))
	defer server.Close()

	adapter := newTestAdapter(server.URL)
	_, err := adapter.ChatCompletion(context.Background(), &providers.ChatRequest{
		Model:    "claude-3-haiku",
		Messages: []models.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, providers.IsRetryable(err))
	assert.Equal(t, 1, calls)
}

func TestChatCompletionTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	adapter := newTestAdapter(server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := adapter.ChatCompletion(ctx, &providers.ChatRequest{
		Model:    "claude-3-haiku",
		Messages: []models.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, providers.IsTimeout(err))
}

func TestSplitSystem(t *testing.T) {
	system, conversation := splitSystem([]models.Message{
		{Role: "system", Content: "one"},
		{Role: "user", Content: "hi"},
		{Role: "system", Content: "two"},
	})

	assert.Equal(t, "one\ntwo", system)
	require.Len(t, conversation, 1)
	assert.Equal(t, "user", conversation[0].Role)
}
