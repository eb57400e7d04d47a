package providers

import (
	"context"
	"time"

	"github.com/govplane/govplane/models"
)

// Provider represents an upstream LLM vendor behind a unified interface
type Provider interface {
	// Name returns the provider name (e.g. "openai", "anthropic")
	Name() string

	// ChatCompletion performs a chat completion request
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Models returns the model identifiers this provider accepts
	Models() []string
}

// ChatRequest represents a unified chat completion request
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	TopP        float64          `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`

	// User identifier forwarded for abuse monitoring
	User string `json:"user,omitempty"`
}

// ChatResponse represents a unified chat completion response
type ChatResponse struct {
	ID           string            `json:"id"`
	Model        string            `json:"model"`
	Content      string            `json:"content"`
	FinishReason string            `json:"finish_reason"`
	Usage        models.TokenUsage `json:"usage"`
	Provider     string            `json:"provider"`
	Latency      time.Duration     `json:"latency"`
	Created      time.Time         `json:"created"`
}

// Config holds common configuration for provider adapters
type Config struct {
	// APIKey for authentication
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// Timeout applied to each upstream call. Each call is attempted
	// once; recovery from a failing provider is the circuit breaker's
	// job, not a retry loop's.
	Timeout time.Duration
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
	}
}
