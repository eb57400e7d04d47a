package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/govplane/govplane/models"
	"github.com/govplane/govplane/services/providers"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"

	// The messages API requires max_tokens; used when the caller
	// does not set one
	defaultMaxTokens = 1024
)

// Adapter implements the provider interface for the Anthropic
// messages API
type Adapter struct {
	config     providers.Config
	httpClient *http.Client
	models     []string
}

// New creates an Anthropic adapter
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
			"claude-3-opus",
			"claude-3-sonnet",
			"claude-3-haiku",
		},
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return "anthropic"
}

// Models returns the model identifiers this adapter accepts
func (a *Adapter) Models() []string {
	out := make([]string, len(a.models))
	copy(out, a.models)
	return out
}

type messagesRequest struct {
	Model         string           `json:"model"`
	System        string           `json:"system,omitempty"`
	Messages      []models.Message `json:"messages"`
	MaxTokens     int              `json:"max_tokens"`
	Temperature   float64          `json:"temperature,omitempty"`
	TopP          float64          `json:"top_p,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ChatCompletion performs a chat completion against the messages API.
// System messages are lifted into the top-level system field as the
// API requires.
func (a *Adapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	start := time.Now()

	system, conversation := splitSystem(req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	body, err := json.Marshal(messagesRequest{
		Model:         req.Model,
		System:        system,
		Messages:      conversation,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
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

	var msg messagesResponse
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, providers.NewError(a.Name(), "UNMARSHAL_ERROR", "failed to unmarshal response", status, false, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &providers.ChatResponse{
		ID:           msg.ID,
		Model:        msg.Model,
		Content:      text.String(),
		FinishReason: msg.StopReason,
		Usage: models.TokenUsage{
			InputTokens:  int64(msg.Usage.InputTokens),
			OutputTokens: int64(msg.Usage.OutputTokens),
		},
		Provider: a.Name(),
		Latency:  time.Since(start),
		Created:  time.Now().UTC(),
	}, nil
}

func splitSystem(msgs []models.Message) (string, []models.Message) {
	var system strings.Builder
	conversation := make([]models.Message, 0, len(msgs))

	for _, m := range msgs {
		if m.Role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
			continue
		}
		conversation = append(conversation, m)
	}

	return system.String(), conversation
}

// do issues the upstream call exactly once. A failing provider is
// retried by the circuit breaker's half-open probing, never by a
// per-request loop that would pile more load onto it.
func (a *Adapter) do(ctx context.Context, body []byte) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.config.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, 0, providers.NewError(a.Name(), "REQUEST_ERROR", "failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.config.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

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
