package models

import (
	"time"

	"github.com/google/uuid"
)

// Identity is resolved and authenticated by the upstream gateway; the
// pipeline trusts it as-is
type Identity struct {
	UserID uuid.UUID `json:"user_id"`
	TeamID uuid.UUID `json:"team_id"`
	OrgID  uuid.UUID `json:"org_id"`
	Roles  []string  `json:"roles,omitempty"`
}

// Message is a single chat message in the canonical request shape
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// ProxyRequest is the canonical provider-agnostic request handed to the
// pipeline by the gateway
type ProxyRequest struct {
	RequestID   uuid.UUID              `json:"request_id"`
	Provider    string                 `json:"provider" validate:"required"`
	Model       string                 `json:"model" validate:"required"`
	Messages    []Message              `json:"messages" validate:"required,min=1,dive"`
	MaxTokens   int                    `json:"max_tokens" validate:"gte=0"`
	Temperature float64                `json:"temperature" validate:"gte=0,lte=2"`
	TopP        float64                `json:"top_p,omitempty" validate:"gte=0,lte=1"`
	Stop        []string               `json:"stop,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
}

// PromptText concatenates message contents for content-filter evaluation
func (r *ProxyRequest) PromptText() string {
	var combined string
	for i, msg := range r.Messages {
		if i > 0 {
			combined += "\n"
		}
		combined += msg.Content
	}
	return combined
}

// EvaluationContext is the ephemeral, request-scoped input to policy
// evaluation. It is never persisted as-is; only the verdict and a hash
// of the context are retained.
type EvaluationContext struct {
	Identity        Identity               `json:"identity"`
	Provider        string                 `json:"provider"`
	Model           string                 `json:"model"`
	Prompt          string                 `json:"prompt"`
	EstimatedTokens int64                  `json:"estimated_tokens"`
	EstimatedCost   float64                `json:"estimated_cost"`
	Timestamp       time.Time              `json:"timestamp"`
	Attributes      map[string]interface{} `json:"attributes,omitempty"`
}

// TokenUsage is the normalized token accounting extracted from a
// provider response
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns the combined token count
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}
