package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/govplane/govplane/models"
	"github.com/govplane/govplane/utils"
)

// BudgetReader exposes the read-only budget query surface
type BudgetReader interface {
	Summary(ctx context.Context, scope models.Scope) (*models.BudgetSummary, error)
	Forecast(ctx context.Context, scope models.Scope, days int) (float64, error)
}

// BudgetHandler serves budget utilization and forecast queries used by
// chargeback reporting
type BudgetHandler struct {
	ledger       BudgetReader
	forecastDays int
	logger       *zap.Logger
}

// NewBudgetHandler creates a new BudgetHandler. forecastDays is the
// window used when a forecast request does not name one.
func NewBudgetHandler(ledger BudgetReader, forecastDays int, logger *zap.Logger) *BudgetHandler {
	if forecastDays < 1 {
		forecastDays = 7
	}
	return &BudgetHandler{
		ledger:       ledger,
		forecastDays: forecastDays,
		logger:       logger,
	}
}

// HandleSummary handles GET /v1/budgets/{scope}/{scopeID}
func (h *BudgetHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	scope, ok := parseScope(w, r)
	if !ok {
		return
	}

	summary, err := h.ledger.Summary(r.Context(), scope)
	if err != nil {
		_ = utils.WriteDomainError(w, err)
		return
	}

	_ = utils.WriteOK(w, summary)
}

// HandleForecast handles GET /v1/budgets/{scope}/{scopeID}/forecast
func (h *BudgetHandler) HandleForecast(w http.ResponseWriter, r *http.Request) {
	scope, ok := parseScope(w, r)
	if !ok {
		return
	}

	days := h.forecastDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 90 {
			_ = utils.WriteBadRequest(w, "days must be an integer between 1 and 90", nil)
			return
		}
		days = parsed
	}

	projected, err := h.ledger.Forecast(r.Context(), scope, days)
	if err != nil {
		_ = utils.WriteDomainError(w, err)
		return
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"scope":           scope.Type,
		"scope_id":        scope.ID,
		"window_days":     days,
		"daily_projected": projected,
	})
}

func parseScope(w http.ResponseWriter, r *http.Request) (models.Scope, bool) {
	scopeType := models.BudgetScopeType(chi.URLParam(r, "scope"))
	switch scopeType {
	case models.ScopeUser, models.ScopeTeam, models.ScopeOrg:
	default:
		_ = utils.WriteBadRequest(w, "scope must be one of user, team, org", nil)
		return models.Scope{}, false
	}

	scopeID, err := uuid.Parse(chi.URLParam(r, "scopeID"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "scope id must be a UUID", nil)
		return models.Scope{}, false
	}

	return models.Scope{Type: scopeType, ID: scopeID}, true
}
