package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/govplane/govplane/middleware"
	"github.com/govplane/govplane/models"
	"github.com/govplane/govplane/services/pipeline"
	"github.com/govplane/govplane/utils"
)

// RequestProcessor runs a proxied request through the governance
// lifecycle
type RequestProcessor interface {
	Process(ctx context.Context, identity models.Identity, req *models.ProxyRequest) (*pipeline.Result, error)
}

// ChatHandler handles governed chat completion requests
type ChatHandler struct {
	processor RequestProcessor
	logger    *zap.Logger
}

// NewChatHandler creates a new ChatHandler
func NewChatHandler(processor RequestProcessor, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		processor: processor,
		logger:    logger,
	}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	var req models.ProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = utils.WriteBadRequest(w, "malformed request body", nil)
		return
	}

	result, err := h.processor.Process(r.Context(), identity, &req)
	if err != nil {
		h.logger.Info("request rejected",
			zap.String("user_id", identity.UserID.String()),
			zap.String("provider", req.Provider),
			zap.String("model", req.Model),
			zap.Error(err))
		_ = utils.WriteDomainError(w, err)
		return
	}

	_ = utils.WriteOK(w, result)
}
