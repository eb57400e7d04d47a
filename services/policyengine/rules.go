package policyengine

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/govplane/govplane/models"
)

// Rule identifiers reported in violations
const (
	RuleMaxCostPerRequest  = "max_cost_per_request"
	RuleMaxCostPerDay      = "max_cost_per_day"
	RuleMaxCostPerMonth    = "max_cost_per_month"
	RuleMaxTokensPerReq    = "max_tokens_per_request"
	RuleMaxTokensPerDay    = "max_tokens_per_day"
	RuleRequestsPerMinute  = "requests_per_minute"
	RuleRequestsPerHour    = "requests_per_hour"
	RuleRequestsPerDay     = "requests_per_day"
	RuleDenyPattern        = "deny_pattern"
	RulePIIDetected        = "pii_detected"
	RulePromptInjection    = "prompt_injection"
	RuleAllowedProviders   = "allowed_providers"
	RuleDeniedProviders    = "denied_providers"
	RuleAllowedModels      = "allowed_models"
	RuleDeniedModels       = "denied_models"
	RuleRequiredAttributes = "required_attributes"
)

// CostRules caps estimated and cumulative spend. Zero values mean no cap.
type CostRules struct {
	MaxCostPerRequest float64 `json:"max_cost_per_request"`
	MaxCostPerDay     float64 `json:"max_cost_per_day"`
	MaxCostPerMonth   float64 `json:"max_cost_per_month"`
}

// UsageRules caps token consumption per request and per day
type UsageRules struct {
	MaxTokensPerRequest int64 `json:"max_tokens_per_request"`
	MaxTokensPerDay     int64 `json:"max_tokens_per_day"`
}

// RateLimitRules caps request counts over sliding windows
type RateLimitRules struct {
	RequestsPerMinute int64 `json:"requests_per_minute"`
	RequestsPerHour   int64 `json:"requests_per_hour"`
	RequestsPerDay    int64 `json:"requests_per_day"`
}

// ContentFilterRules pattern-matches prompt text against deny patterns
// and optionally against the built-in PII scanner. Patterns are
// compiled once at parse time.
type ContentFilterRules struct {
	DenyPatterns []string `json:"deny_patterns"`
	BlockPII     bool     `json:"block_pii"`

	compiled []*regexp.Regexp
}

// SecurityRules are attribute-based predicates over the provider and
// request attributes
type SecurityRules struct {
	AllowedProviders     []string `json:"allowed_providers"`
	DeniedProviders      []string `json:"denied_providers"`
	RequiredAttributes   []string `json:"required_attributes"`
	BlockPromptInjection bool     `json:"block_prompt_injection"`
}

// ComplianceRules are attribute-based predicates over the model and
// request attributes
type ComplianceRules struct {
	AllowedModels      []string `json:"allowed_models"`
	DeniedModels       []string `json:"denied_models"`
	RequiredAttributes []string `json:"required_attributes"`
}

// RuleSet is the closed, typed form of a policy's rule configuration.
// Exactly one variant is populated, matching the policy type. Loose JSON
// configuration is parsed into this form once; evaluation is a pure
// match over the variant with no runtime type inspection.
type RuleSet struct {
	PolicyType    models.PolicyType
	Cost          *CostRules
	Usage         *UsageRules
	RateLimit     *RateLimitRules
	ContentFilter *ContentFilterRules
	Security      *SecurityRules
	Compliance    *ComplianceRules
}

// ParseRuleSet parses a policy's raw rule configuration into its typed
// variant. Malformed configuration is rejected here, never deferred to
// evaluation time.
func ParseRuleSet(policyType models.PolicyType, raw json.RawMessage) (*RuleSet, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty rule configuration")
	}

	rs := &RuleSet{PolicyType: policyType}

	switch policyType {
	case models.PolicyTypeCost:
		var rules CostRules
		if err := json.Unmarshal(raw, &rules); err != nil {
			return nil, fmt.Errorf("invalid cost rules: %w", err)
		}
		if rules.MaxCostPerRequest < 0 || rules.MaxCostPerDay < 0 || rules.MaxCostPerMonth < 0 {
			return nil, fmt.Errorf("cost thresholds must be non-negative")
		}
		if rules.MaxCostPerRequest == 0 && rules.MaxCostPerDay == 0 && rules.MaxCostPerMonth == 0 {
			return nil, fmt.Errorf("cost rules require at least one threshold")
		}
		rs.Cost = &rules

	case models.PolicyTypeUsage:
		var rules UsageRules
		if err := json.Unmarshal(raw, &rules); err != nil {
			return nil, fmt.Errorf("invalid usage rules: %w", err)
		}
		if rules.MaxTokensPerRequest < 0 || rules.MaxTokensPerDay < 0 {
			return nil, fmt.Errorf("token quotas must be non-negative")
		}
		if rules.MaxTokensPerRequest == 0 && rules.MaxTokensPerDay == 0 {
			return nil, fmt.Errorf("usage rules require at least one quota")
		}
		rs.Usage = &rules

	case models.PolicyTypeRateLimit:
		var rules RateLimitRules
		if err := json.Unmarshal(raw, &rules); err != nil {
			return nil, fmt.Errorf("invalid rate limit rules: %w", err)
		}
		if rules.RequestsPerMinute < 0 || rules.RequestsPerHour < 0 || rules.RequestsPerDay < 0 {
			return nil, fmt.Errorf("rate limits must be non-negative")
		}
		if rules.RequestsPerMinute == 0 && rules.RequestsPerHour == 0 && rules.RequestsPerDay == 0 {
			return nil, fmt.Errorf("rate limit rules require at least one window")
		}
		rs.RateLimit = &rules

	case models.PolicyTypeContentFilter:
		var rules ContentFilterRules
		if err := json.Unmarshal(raw, &rules); err != nil {
			return nil, fmt.Errorf("invalid content filter rules: %w", err)
		}
		if len(rules.DenyPatterns) == 0 && !rules.BlockPII {
			return nil, fmt.Errorf("content filter rules require a deny pattern or block_pii")
		}
		rules.compiled = make([]*regexp.Regexp, len(rules.DenyPatterns))
		for i, pattern := range rules.DenyPatterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("unparseable deny pattern %q: %w", pattern, err)
			}
			rules.compiled[i] = re
		}
		rs.ContentFilter = &rules

	case models.PolicyTypeSecurity:
		var rules SecurityRules
		if err := json.Unmarshal(raw, &rules); err != nil {
			return nil, fmt.Errorf("invalid security rules: %w", err)
		}
		if len(rules.AllowedProviders) == 0 && len(rules.DeniedProviders) == 0 &&
			len(rules.RequiredAttributes) == 0 && !rules.BlockPromptInjection {
			return nil, fmt.Errorf("security rules require at least one predicate")
		}
		rs.Security = &rules

	case models.PolicyTypeCompliance:
		var rules ComplianceRules
		if err := json.Unmarshal(raw, &rules); err != nil {
			return nil, fmt.Errorf("invalid compliance rules: %w", err)
		}
		if len(rules.AllowedModels) == 0 && len(rules.DeniedModels) == 0 && len(rules.RequiredAttributes) == 0 {
			return nil, fmt.Errorf("compliance rules require at least one predicate")
		}
		rs.Compliance = &rules

	default:
		return nil, fmt.Errorf("unknown policy type %q", policyType)
	}

	return rs, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
