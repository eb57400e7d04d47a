package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/govplane/govplane/internal/observability"
	"github.com/govplane/govplane/models"
	"github.com/govplane/govplane/repositories"
	"github.com/govplane/govplane/services"
	"github.com/govplane/govplane/services/breaker"
	"github.com/govplane/govplane/services/ledger"
	"github.com/govplane/govplane/services/providers"
	"github.com/govplane/govplane/services/ratelimit"
	"github.com/govplane/govplane/services/webhook"
)

// Fallback output estimate when the caller does not cap the response
const defaultOutputEstimate = 500

// Evaluator produces a verdict for a request context against a set of
// active policies
type Evaluator interface {
	Evaluate(ctx context.Context, evalCtx *models.EvaluationContext, policies []*models.PolicyDefinition) *models.Verdict
}

// BudgetLedger is the reservation lifecycle the pipeline drives
type BudgetLedger interface {
	Reserve(ctx context.Context, scope models.Scope, requestID uuid.UUID, estimatedCost float64) (uuid.UUID, error)
	Commit(ctx context.Context, reservationID uuid.UUID, actualCost float64) error
	Rollback(ctx context.Context, reservationID uuid.UUID) error
	Rates() *ledger.RateTable
}

// Auditor appends governance outcomes to the audit chain
type Auditor interface {
	Append(ctx context.Context, record *models.AuditRecord) (*models.AuditRecord, error)
}

// Dispatcher fans governance events out to webhook subscribers
type Dispatcher interface {
	Dispatch(ctx context.Context, event string, data interface{})
}

// Pipeline mediates every outbound provider call: evaluate policies,
// reserve budget, invoke the provider through its circuit breaker,
// commit the metered cost and append the audit record.
type Pipeline struct {
	policies  repositories.PolicyRepository
	engine    Evaluator
	ledger    BudgetLedger
	breakers  *breaker.Registry
	providers *providers.Registry
	audit     Auditor
	webhooks  Dispatcher
	tracker   *ratelimit.Tracker
	metrics   *observability.Metrics
	validate  *validator.Validate
	logger    *zap.Logger

	callTimeout time.Duration
	now         func() time.Time
}

// Options bundles the pipeline's collaborators
type Options struct {
	Policies    repositories.PolicyRepository
	Engine      Evaluator
	Ledger      BudgetLedger
	Breakers    *breaker.Registry
	Providers   *providers.Registry
	Audit       Auditor
	Webhooks    Dispatcher
	Tracker     *ratelimit.Tracker
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	CallTimeout time.Duration
}

// New creates a governance pipeline
func New(opts Options) *Pipeline {
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 30 * time.Second
	}

	return &Pipeline{
		policies:    opts.Policies,
		engine:      opts.Engine,
		ledger:      opts.Ledger,
		breakers:    opts.Breakers,
		providers:   opts.Providers,
		audit:       opts.Audit,
		webhooks:    opts.Webhooks,
		tracker:     opts.Tracker,
		metrics:     opts.Metrics,
		validate:    validator.New(),
		logger:      opts.Logger,
		callTimeout: opts.CallTimeout,
		now:         time.Now,
	}
}

// Result is the successful outcome of a governed request
type Result struct {
	RequestID uuid.UUID               `json:"request_id"`
	Response  *providers.ChatResponse `json:"response"`
	Verdict   *models.Verdict         `json:"verdict"`
	Cost      float64                 `json:"cost"`
	AuditID   uuid.UUID               `json:"audit_id"`
}

// Process runs one request through the full governance lifecycle.
// Each terminal outcome, success or failure, leaves exactly one audit
// record; a request whose outcome cannot be recorded is reported as
// failed even when the provider call succeeded.
func (p *Pipeline) Process(ctx context.Context, identity models.Identity, req *models.ProxyRequest) (*Result, error) {
	started := p.now()

	if req.RequestID == uuid.Nil {
		req.RequestID = uuid.New()
	}

	if err := p.validate.Struct(req); err != nil {
		return nil, services.NewValidationError("invalid request", validationDetails(err))
	}

	adapter, err := p.providers.Get(req.Provider)
	if err != nil {
		return nil, services.NewValidationError("unknown provider",
			map[string]interface{}{"provider": req.Provider})
	}

	evalCtx := p.buildContext(identity, req)

	policies, err := p.policies.ListActiveForIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("loading policies: %w", err)
	}

	verdict := p.engine.Evaluate(ctx, evalCtx, policies)
	if p.tracker != nil {
		p.tracker.Record(identity, evalCtx.EstimatedTokens)
	}
	p.countFailures(verdict, policies)

	if verdict.Blocked() {
		return nil, p.block(ctx, identity, req, verdict, started)
	}

	scope, reservationID, err := p.reserve(ctx, identity, req, evalCtx.EstimatedCost)
	if err != nil {
		var de *services.DomainError
		if errors.As(err, &de) && de.Type == services.ErrorTypeBudget {
			return nil, p.overBudget(ctx, identity, req, verdict, de, started)
		}
		return nil, fmt.Errorf("reserving budget: %w", err)
	}

	response, err := p.callProvider(ctx, adapter, req)
	if err != nil {
		p.rollback(ctx, scope, reservationID)
		return nil, p.providerFailure(ctx, identity, req, verdict, err, started)
	}

	actualCost := p.ledger.Rates().Cost(req.Provider, req.Model, response.Usage)
	if reservationID != uuid.Nil {
		if err := p.ledger.Commit(ctx, reservationID, actualCost); err != nil {
			p.logger.Error("cost commit failed after provider success",
				zap.String("request_id", req.RequestID.String()),
				zap.Error(err))
			return nil, fmt.Errorf("committing cost: %w", err)
		}
	}

	record, err := p.appendAudit(ctx, identity, req, verdict, models.Outcome{
		Status:       models.OutcomeCompleted,
		Provider:     response.Provider,
		Model:        response.Model,
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
		LatencyMs:    response.Latency.Milliseconds(),
	}, actualCost)
	if err != nil {
		return nil, err
	}

	p.observe(req, models.OutcomeCompleted, started)
	if p.metrics != nil {
		p.metrics.CostCommitted.WithLabelValues(req.Provider, req.Model).Add(actualCost)
		p.metrics.TokensProcessed.WithLabelValues(req.Provider, req.Model, "input").
			Add(float64(response.Usage.InputTokens))
		p.metrics.TokensProcessed.WithLabelValues(req.Provider, req.Model, "output").
			Add(float64(response.Usage.OutputTokens))
	}

	return &Result{
		RequestID: req.RequestID,
		Response:  response,
		Verdict:   verdict,
		Cost:      actualCost,
		AuditID:   record.ID,
	}, nil
}

// buildContext assembles the ephemeral evaluation input. Token
// estimation is deliberately rough (4 chars per token on the prompt
// plus the caller's output cap); the ledger reconciles against actual
// usage at commit time.
func (p *Pipeline) buildContext(identity models.Identity, req *models.ProxyRequest) *models.EvaluationContext {
	inputEstimate := int64(len(req.PromptText()) / 4)
	outputEstimate := int64(req.MaxTokens)
	if outputEstimate == 0 {
		outputEstimate = defaultOutputEstimate
	}

	return &models.EvaluationContext{
		Identity:        identity,
		Provider:        req.Provider,
		Model:           req.Model,
		Prompt:          req.PromptText(),
		EstimatedTokens: inputEstimate + outputEstimate,
		EstimatedCost:   p.ledger.Rates().EstimateCost(req.Provider, req.Model, inputEstimate, outputEstimate),
		Timestamp:       p.now().UTC(),
		Attributes:      req.Attributes,
	}
}

// reserve walks user, team, org scopes and reserves against the most
// specific one with a configured budget. An identity with no budget at
// any scope proceeds without a reservation; cost controls are opt-in
// per tenant.
func (p *Pipeline) reserve(ctx context.Context, identity models.Identity, req *models.ProxyRequest, estimatedCost float64) (models.Scope, uuid.UUID, error) {
	scopes := []models.Scope{
		{Type: models.ScopeUser, ID: identity.UserID},
		{Type: models.ScopeTeam, ID: identity.TeamID},
		{Type: models.ScopeOrg, ID: identity.OrgID},
	}

	for _, scope := range scopes {
		if scope.ID == uuid.Nil {
			continue
		}

		reservationID, err := p.ledger.Reserve(ctx, scope, req.RequestID, estimatedCost)
		if err == nil {
			return scope, reservationID, nil
		}
		if errors.Is(err, services.ErrBudgetNotFound) {
			continue
		}
		return scope, uuid.Nil, err
	}

	p.logger.Debug("no budget configured for identity",
		zap.String("user_id", identity.UserID.String()),
		zap.String("request_id", req.RequestID.String()))
	return models.Scope{}, uuid.Nil, nil
}

func (p *Pipeline) rollback(ctx context.Context, scope models.Scope, reservationID uuid.UUID) {
	if reservationID == uuid.Nil {
		return
	}
	if err := p.ledger.Rollback(ctx, reservationID); err != nil {
		p.logger.Error("reservation rollback failed",
			zap.String("scope", scope.Key()),
			zap.String("reservation_id", reservationID.String()),
			zap.Error(err))
	}
}

// callProvider invokes the adapter through the provider's circuit
// breaker with the pipeline's call timeout.
func (p *Pipeline) callProvider(ctx context.Context, adapter providers.Provider, req *models.ProxyRequest) (*providers.ChatResponse, error) {
	b := p.breakers.Get(req.Provider)

	allowed, probe, retryAfter := b.Allow()
	if !allowed {
		return nil, services.NewCircuitOpenError(req.Provider, retryAfter)
	}
	defer b.Done(probe)

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	response, err := adapter.ChatCompletion(callCtx, &providers.ChatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	})
	if err != nil {
		b.Failure(probe)
		return nil, err
	}

	b.Success(probe)
	return response, nil
}

// block handles a strict policy violation: no provider call, no cost,
// one audit record and a webhook event.
func (p *Pipeline) block(ctx context.Context, identity models.Identity, req *models.ProxyRequest, verdict *models.Verdict, started time.Time) error {
	_, err := p.appendAudit(ctx, identity, req, verdict,
		models.Outcome{Status: models.OutcomeBlocked}, 0)
	if err != nil {
		return err
	}

	p.webhooks.Dispatch(ctx, webhook.EventPolicyViolation, map[string]interface{}{
		"request_id": req.RequestID,
		"user_id":    identity.UserID,
		"org_id":     identity.OrgID,
		"violations": verdict.Violations,
	})

	p.observe(req, models.OutcomeBlocked, started)

	return services.NewPolicyViolationError("request blocked by policy",
		map[string]interface{}{"violations": verdict.Violations})
}

func (p *Pipeline) overBudget(ctx context.Context, identity models.Identity, req *models.ProxyRequest, verdict *models.Verdict, cause *services.DomainError, started time.Time) error {
	if _, err := p.appendAudit(ctx, identity, req, verdict,
		models.Outcome{Status: models.OutcomeOverBudget, Error: cause.Message}, 0); err != nil {
		return err
	}

	p.webhooks.Dispatch(ctx, webhook.EventBudgetExceeded, map[string]interface{}{
		"request_id": req.RequestID,
		"user_id":    identity.UserID,
		"org_id":     identity.OrgID,
		"remaining":  cause.Details["remaining"],
		"required":   cause.Details["required"],
	})

	p.observe(req, models.OutcomeOverBudget, started)
	return cause
}

func (p *Pipeline) providerFailure(ctx context.Context, identity models.Identity, req *models.ProxyRequest, verdict *models.Verdict, cause error, started time.Time) error {
	status := models.OutcomeProviderErr
	result := services.NewDomainError(services.ErrorTypeProvider, "provider temporarily unavailable", cause)

	var de *services.DomainError
	switch {
	case errors.As(cause, &de) && de.Type == services.ErrorTypeCircuitOpen:
		status = models.OutcomeCircuitOpen
		result = de
	case providers.IsTimeout(cause):
		status = models.OutcomeTimeout
		result = services.NewDomainError(services.ErrorTypeProviderTimeout, "provider temporarily unavailable", cause)
	}

	if _, err := p.appendAudit(ctx, identity, req, verdict,
		models.Outcome{Status: status, Provider: req.Provider, Model: req.Model, Error: cause.Error()}, 0); err != nil {
		return err
	}

	p.observe(req, status, started)
	return result
}

func (p *Pipeline) appendAudit(ctx context.Context, identity models.Identity, req *models.ProxyRequest, verdict *models.Verdict, outcome models.Outcome, cost float64) (*models.AuditRecord, error) {
	record, err := p.audit.Append(ctx, &models.AuditRecord{
		Partition: identity.OrgID.String(),
		RequestID: req.RequestID,
		Identity:  identity,
		Decision:  *verdict,
		Outcome:   outcome,
		Cost:      cost,
	})
	if err != nil {
		p.logger.Error("audit append failed",
			zap.String("request_id", req.RequestID.String()),
			zap.String("status", string(outcome.Status)),
			zap.Error(err))
		return nil, services.NewDomainError(services.ErrorTypeInternal,
			"failed to record request outcome", err)
	}
	return record, nil
}

func (p *Pipeline) countFailures(verdict *models.Verdict, policies []*models.PolicyDefinition) {
	if p.metrics == nil {
		return
	}

	types := make(map[uuid.UUID]models.PolicyType, len(policies))
	for _, policy := range policies {
		types[policy.ID] = policy.PolicyType
	}

	for _, v := range verdict.Violations {
		p.metrics.PolicyViolations.WithLabelValues(string(types[v.PolicyID]), "strict").Inc()
	}
	for _, w := range verdict.Warnings {
		p.metrics.PolicyViolations.WithLabelValues(string(types[w.PolicyID]), "warning").Inc()
	}
	for _, f := range verdict.Findings {
		p.metrics.PolicyViolations.WithLabelValues(string(types[f.PolicyID]), "monitor").Inc()
	}
}

func (p *Pipeline) observe(req *models.ProxyRequest, status models.OutcomeStatus, started time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.RequestsTotal.WithLabelValues(req.Provider, req.Model, string(status)).Inc()
	p.metrics.RequestDuration.WithLabelValues(req.Provider, req.Model).
		Observe(p.now().Sub(started).Seconds())
}

func validationDetails(err error) map[string]interface{} {
	details := make(map[string]interface{})
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
	}
	return details
}
