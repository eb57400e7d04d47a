package policyengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/govplane/govplane/internal/prompt"
	"github.com/govplane/govplane/models"
	"go.uber.org/zap"
)

// SpendReader exposes cumulative period spend for cost rule evaluation.
// Implemented by the budget ledger.
type SpendReader interface {
	PeriodSpend(ctx context.Context, scope models.Scope, period models.BudgetPeriod, now time.Time) (float64, error)
}

// RequestCounter exposes recent request and token counts over a sliding
// window for rate limit and usage rules. Implemented by the rate limit
// tracker.
type RequestCounter interface {
	WindowCounts(identity models.Identity, window time.Duration) (requests, tokens int64)
}

// Engine evaluates a request context against versioned policy
// definitions. Evaluation is pure with respect to policy state: parsed
// rule sets are cached per (policy id, version), so a policy's rules are
// parsed exactly once per version.
type Engine struct {
	spend   SpendReader
	counter RequestCounter
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[ruleCacheKey]*ruleCacheEntry
}

type ruleCacheKey struct {
	id      uuid.UUID
	version int
}

type ruleCacheEntry struct {
	rules *RuleSet
	err   error
}

// NewEngine creates a new policy engine
func NewEngine(spend SpendReader, counter RequestCounter, logger *zap.Logger) *Engine {
	return &Engine{
		spend:   spend,
		counter: counter,
		logger:  logger,
		cache:   make(map[ruleCacheKey]*ruleCacheEntry),
	}
}

// Evaluate evaluates every applicable policy against the context and
// returns the aggregate verdict. Policies must be pre-filtered to
// status=active and scoped to the identity by the caller.
//
// Evaluation does not fail fast: a strict violation decides the verdict
// but evaluation continues across the remaining policies so the audit
// record captures the complete violation and warning set.
func (e *Engine) Evaluate(ctx context.Context, evalCtx *models.EvaluationContext, policies []*models.PolicyDefinition) *models.Verdict {
	verdict := &models.Verdict{
		Passed:      true,
		ContextHash: HashContext(evalCtx),
	}

	for _, policy := range policies {
		if !policy.IsActive() {
			continue
		}
		verdict.EvaluatedPolicies = append(verdict.EvaluatedPolicies, models.PolicyRef{
			ID:      policy.ID,
			Version: policy.Version,
		})

		rules, err := e.ruleSet(policy)
		if err != nil {
			// A malformed rule set must never silently pass; it is a
			// strict violation regardless of the policy's own level.
			verdict.Passed = false
			verdict.Violations = append(verdict.Violations, models.Violation{
				PolicyID:      policy.ID,
				PolicyName:    policy.Name,
				PolicyVersion: policy.Version,
				RuleID:        "rules",
				Code:          models.ViolationCodeInvalidPolicyConfiguration,
				Severity:      models.EnforcementStrict,
				Message:       fmt.Sprintf("invalid policy configuration: %v", err),
			})
			e.logger.Warn("policy has invalid configuration",
				zap.String("policy_id", policy.ID.String()),
				zap.Int("version", policy.Version),
				zap.Error(err))
			continue
		}

		failures := e.evaluateRules(ctx, evalCtx, rules)
		for _, f := range failures {
			e.recordFailure(verdict, policy, f)
		}
	}

	return verdict
}

// ruleFailure is one failed rule within a policy
type ruleFailure struct {
	ruleID  string
	message string
}

// evaluateRules evaluates the policy's rules as a conjunction and
// returns every failure. Rule order never affects the outcome.
func (e *Engine) evaluateRules(ctx context.Context, evalCtx *models.EvaluationContext, rules *RuleSet) []ruleFailure {
	switch {
	case rules.Cost != nil:
		return e.evaluateCost(ctx, evalCtx, rules.Cost)
	case rules.Usage != nil:
		return e.evaluateUsage(evalCtx, rules.Usage)
	case rules.RateLimit != nil:
		return e.evaluateRateLimit(evalCtx, rules.RateLimit)
	case rules.ContentFilter != nil:
		return e.evaluateContentFilter(evalCtx, rules.ContentFilter)
	case rules.Security != nil:
		return e.evaluateSecurity(evalCtx, rules.Security)
	case rules.Compliance != nil:
		return e.evaluateCompliance(evalCtx, rules.Compliance)
	}
	return nil
}

func (e *Engine) evaluateCost(ctx context.Context, evalCtx *models.EvaluationContext, rules *CostRules) []ruleFailure {
	var failures []ruleFailure

	if rules.MaxCostPerRequest > 0 && evalCtx.EstimatedCost > rules.MaxCostPerRequest {
		failures = append(failures, ruleFailure{
			ruleID:  RuleMaxCostPerRequest,
			message: fmt.Sprintf("estimated cost %.4f exceeds per-request limit %.4f", evalCtx.EstimatedCost, rules.MaxCostPerRequest),
		})
	}

	if e.spend == nil {
		return failures
	}
	userScope := models.Scope{Type: models.ScopeUser, ID: evalCtx.Identity.UserID}

	if rules.MaxCostPerDay > 0 {
		spent, err := e.spend.PeriodSpend(ctx, userScope, models.PeriodDaily, evalCtx.Timestamp)
		if err != nil {
			e.logger.Error("failed to read daily spend", zap.Error(err))
		} else if spent+evalCtx.EstimatedCost > rules.MaxCostPerDay {
			failures = append(failures, ruleFailure{
				ruleID:  RuleMaxCostPerDay,
				message: fmt.Sprintf("daily spend %.2f plus estimated %.2f exceeds limit %.2f", spent, evalCtx.EstimatedCost, rules.MaxCostPerDay),
			})
		}
	}

	if rules.MaxCostPerMonth > 0 {
		spent, err := e.spend.PeriodSpend(ctx, userScope, models.PeriodMonthly, evalCtx.Timestamp)
		if err != nil {
			e.logger.Error("failed to read monthly spend", zap.Error(err))
		} else if spent+evalCtx.EstimatedCost > rules.MaxCostPerMonth {
			failures = append(failures, ruleFailure{
				ruleID:  RuleMaxCostPerMonth,
				message: fmt.Sprintf("monthly spend %.2f plus estimated %.2f exceeds limit %.2f", spent, evalCtx.EstimatedCost, rules.MaxCostPerMonth),
			})
		}
	}

	return failures
}

func (e *Engine) evaluateUsage(evalCtx *models.EvaluationContext, rules *UsageRules) []ruleFailure {
	var failures []ruleFailure

	if rules.MaxTokensPerRequest > 0 && evalCtx.EstimatedTokens > rules.MaxTokensPerRequest {
		failures = append(failures, ruleFailure{
			ruleID:  RuleMaxTokensPerReq,
			message: fmt.Sprintf("estimated %d tokens exceeds per-request quota %d", evalCtx.EstimatedTokens, rules.MaxTokensPerRequest),
		})
	}

	if rules.MaxTokensPerDay > 0 && e.counter != nil {
		_, tokens := e.counter.WindowCounts(evalCtx.Identity, 24*time.Hour)
		if tokens+evalCtx.EstimatedTokens > rules.MaxTokensPerDay {
			failures = append(failures, ruleFailure{
				ruleID:  RuleMaxTokensPerDay,
				message: fmt.Sprintf("daily token usage %d plus estimated %d exceeds quota %d", tokens, evalCtx.EstimatedTokens, rules.MaxTokensPerDay),
			})
		}
	}

	return failures
}

func (e *Engine) evaluateRateLimit(evalCtx *models.EvaluationContext, rules *RateLimitRules) []ruleFailure {
	if e.counter == nil {
		return nil
	}
	var failures []ruleFailure

	windows := []struct {
		ruleID string
		window time.Duration
		limit  int64
	}{
		{RuleRequestsPerMinute, time.Minute, rules.RequestsPerMinute},
		{RuleRequestsPerHour, time.Hour, rules.RequestsPerHour},
		{RuleRequestsPerDay, 24 * time.Hour, rules.RequestsPerDay},
	}

	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		requests, _ := e.counter.WindowCounts(evalCtx.Identity, w.window)
		if requests >= w.limit {
			failures = append(failures, ruleFailure{
				ruleID:  w.ruleID,
				message: fmt.Sprintf("%d requests in window exceeds limit %d", requests, w.limit),
			})
		}
	}

	return failures
}

func (e *Engine) evaluateContentFilter(evalCtx *models.EvaluationContext, rules *ContentFilterRules) []ruleFailure {
	var failures []ruleFailure
	for i, re := range rules.compiled {
		if re.MatchString(evalCtx.Prompt) {
			failures = append(failures, ruleFailure{
				ruleID:  RuleDenyPattern,
				message: fmt.Sprintf("prompt matches deny pattern %q", rules.DenyPatterns[i]),
			})
		}
	}
	if rules.BlockPII {
		for _, finding := range prompt.ScanPII(evalCtx.Prompt) {
			failures = append(failures, ruleFailure{
				ruleID:  RulePIIDetected,
				message: fmt.Sprintf("prompt contains %s: %s", finding.Category, finding.Detail),
			})
		}
	}
	return failures
}

func (e *Engine) evaluateSecurity(evalCtx *models.EvaluationContext, rules *SecurityRules) []ruleFailure {
	var failures []ruleFailure

	if len(rules.AllowedProviders) > 0 && !containsString(rules.AllowedProviders, evalCtx.Provider) {
		failures = append(failures, ruleFailure{
			ruleID:  RuleAllowedProviders,
			message: fmt.Sprintf("provider %q is not in the allow list", evalCtx.Provider),
		})
	}
	if containsString(rules.DeniedProviders, evalCtx.Provider) {
		failures = append(failures, ruleFailure{
			ruleID:  RuleDeniedProviders,
			message: fmt.Sprintf("provider %q is denied", evalCtx.Provider),
		})
	}
	failures = append(failures, requireAttributes(evalCtx, rules.RequiredAttributes)...)

	if rules.BlockPromptInjection {
		for _, finding := range prompt.ScanInjection(evalCtx.Prompt) {
			failures = append(failures, ruleFailure{
				ruleID:  RulePromptInjection,
				message: fmt.Sprintf("prompt injection detected (%s): %s", finding.Category, finding.Detail),
			})
		}
	}

	return failures
}

func (e *Engine) evaluateCompliance(evalCtx *models.EvaluationContext, rules *ComplianceRules) []ruleFailure {
	var failures []ruleFailure

	if len(rules.AllowedModels) > 0 && !containsString(rules.AllowedModels, evalCtx.Model) {
		failures = append(failures, ruleFailure{
			ruleID:  RuleAllowedModels,
			message: fmt.Sprintf("model %q is not in the allow list", evalCtx.Model),
		})
	}
	if containsString(rules.DeniedModels, evalCtx.Model) {
		failures = append(failures, ruleFailure{
			ruleID:  RuleDeniedModels,
			message: fmt.Sprintf("model %q is denied", evalCtx.Model),
		})
	}
	failures = append(failures, requireAttributes(evalCtx, rules.RequiredAttributes)...)

	return failures
}

func requireAttributes(evalCtx *models.EvaluationContext, required []string) []ruleFailure {
	var failures []ruleFailure
	for _, attr := range required {
		if _, ok := evalCtx.Attributes[attr]; !ok {
			failures = append(failures, ruleFailure{
				ruleID:  RuleRequiredAttributes,
				message: fmt.Sprintf("required attribute %q is missing", attr),
			})
		}
	}
	return failures
}

// recordFailure files a rule failure under the verdict bucket matching
// the policy's enforcement level. When policies of different levels
// conflict, the most restrictive level decides Passed.
func (e *Engine) recordFailure(verdict *models.Verdict, policy *models.PolicyDefinition, f ruleFailure) {
	switch policy.EnforcementLevel {
	case models.EnforcementStrict:
		verdict.Passed = false
		verdict.Violations = append(verdict.Violations, models.Violation{
			PolicyID:      policy.ID,
			PolicyName:    policy.Name,
			PolicyVersion: policy.Version,
			RuleID:        f.ruleID,
			Code:          models.ViolationCodeRule,
			Severity:      models.EnforcementStrict,
			Message:       f.message,
		})
	case models.EnforcementWarning:
		verdict.Warnings = append(verdict.Warnings, models.Warning{
			PolicyID:      policy.ID,
			PolicyName:    policy.Name,
			PolicyVersion: policy.Version,
			RuleID:        f.ruleID,
			Message:       f.message,
		})
	case models.EnforcementMonitor:
		verdict.Findings = append(verdict.Findings, models.Violation{
			PolicyID:      policy.ID,
			PolicyName:    policy.Name,
			PolicyVersion: policy.Version,
			RuleID:        f.ruleID,
			Code:          models.ViolationCodeRule,
			Severity:      models.EnforcementMonitor,
			Message:       f.message,
		})
	}
}

// ruleSet returns the parsed rules for a policy, parsing at most once
// per (id, version). Parse errors are cached too: a broken version stays
// broken until a new version replaces it.
func (e *Engine) ruleSet(policy *models.PolicyDefinition) (*RuleSet, error) {
	key := ruleCacheKey{id: policy.ID, version: policy.Version}

	e.mu.RLock()
	entry, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return entry.rules, entry.err
	}

	rules, err := ParseRuleSet(policy.PolicyType, policy.Rules)

	e.mu.Lock()
	e.cache[key] = &ruleCacheEntry{rules: rules, err: err}
	e.mu.Unlock()

	return rules, err
}

// HashContext returns the SHA-256 digest of the canonical JSON form of
// the evaluation context. Only this hash is retained alongside the
// verdict; the context itself is never persisted.
func HashContext(evalCtx *models.EvaluationContext) string {
	payload, err := json.Marshal(evalCtx)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
