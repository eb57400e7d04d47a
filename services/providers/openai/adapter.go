package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/govplane/govplane/models"
	"github.com/govplane/govplane/services/providers"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Adapter implements the provider interface for the OpenAI
// chat completions API
type Adapter struct {
	config     providers.Config
	httpClient *http.Client
	models     []string
}

// New creates an OpenAI adapter
func New(config providers.Config) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Adapter{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		models: []string{
			"gpt-4",
			"gpt-4-turbo",
			"gpt-3.5-turbo",
		},
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return "openai"
}

// Models returns the model identifiers this adapter accepts
func (a *Adapter) Models() []string {
	out := make([]string, len(a.models))
	copy(out, a.models)
	return out
}

type chatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	TopP        float64          `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	User        string           `json:"user,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ChatCompletion performs a chat completion request against OpenAI
func (a *Adapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	start := time.Now()

	body, err := json.Marshal(chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		User:        req.User,
	})
	if err != nil {
		return nil, providers.NewError(a.Name(), "MARSHAL_ERROR", "failed to marshal request", 0, false, err)
	}

	respBody, status, err := a.do(ctx, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, a.errorFromStatus(status, respBody)
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return nil, providers.NewError(a.Name(), "UNMARSHAL_ERROR", "failed to unmarshal response", status, false, err)
	}
	if len(completion.Choices) == 0 {
		return nil, providers.NewError(a.Name(), "EMPTY_RESPONSE", "response contained no choices", status, false, nil)
	}

	return &providers.ChatResponse{
		ID:           completion.ID,
		Model:        completion.Model,
		Content:      completion.Choices[0].Message.Content,
		FinishReason: completion.Choices[0].FinishReason,
		Usage: models.TokenUsage{
			InputTokens:  int64(completion.Usage.PromptTokens),
			OutputTokens: int64(completion.Usage.CompletionTokens),
		},
		Provider: a.Name(),
		Latency:  time.Since(start),
		Created:  time.Now().UTC(),
	}, nil
}

// do issues the upstream call exactly once. A failing provider is
// retried by the circuit breaker's half-open probing, never by a
// per-request loop that would pile more load onto it.
func (a *Adapter) do(ctx context.Context, body []byte) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, 0, providers.NewError(a.Name(), "REQUEST_ERROR", "failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if providers.IsTimeout(err) {
			return nil, 0, providers.NewTimeoutError(a.Name(), err)
		}
		return nil, 0, providers.NewError(a.Name(), "HTTP_ERROR", "request failed", 0, true, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, providers.NewError(a.Name(), "HTTP_ERROR", "failed to read response", resp.StatusCode, true, err)
	}

	return respBody, resp.StatusCode, nil
}

func (a *Adapter) errorFromStatus(status int, body []byte) error {
	var apiErr errorResponse
	message := "upstream error"
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	}

	switch {
	case status == http.StatusUnauthorized:
		return providers.NewError(a.Name(), "UNAUTHORIZED", message, status, false, nil)
	case status == http.StatusTooManyRequests:
		return providers.NewError(a.Name(), "RATE_LIMITED", message, status, true, nil)
	case status >= 500:
		return providers.NewError(a.Name(), "UPSTREAM_ERROR", message, status, true, nil)
	default:
		return providers.NewError(a.Name(), "BAD_REQUEST", message, status, false, nil)
	}
}
