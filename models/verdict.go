package models

import (
	"github.com/google/uuid"
)

// ViolationCode identifies the class of rule failure
type ViolationCode string

const (
	// ViolationCodeRule is an ordinary rule threshold or predicate failure
	ViolationCodeRule ViolationCode = "rule_violated"
	// ViolationCodeInvalidPolicyConfiguration marks a malformed rule set.
	// Malformed configuration must never silently pass evaluation.
	ViolationCodeInvalidPolicyConfiguration ViolationCode = "invalid_policy_configuration"
)

// Violation represents a single failed rule during policy evaluation
type Violation struct {
	PolicyID      uuid.UUID        `json:"policy_id"`
	PolicyName    string           `json:"policy_name"`
	PolicyVersion int              `json:"policy_version"`
	RuleID        string           `json:"rule_id"`
	Code          ViolationCode    `json:"code"`
	Severity      EnforcementLevel `json:"severity"`
	Message       string           `json:"message"`
}

// Warning is a violation from a warning-level policy; the request
// proceeds but the finding is surfaced to the caller and the audit trail
type Warning struct {
	PolicyID      uuid.UUID `json:"policy_id"`
	PolicyName    string    `json:"policy_name"`
	PolicyVersion int       `json:"policy_version"`
	RuleID        string    `json:"rule_id"`
	Message       string    `json:"message"`
}

// Verdict is the aggregate result of evaluating every applicable policy
// against a request context
type Verdict struct {
	Passed bool `json:"passed"`
	// Violations holds strict-level failures (including malformed
	// configuration, which is always strict)
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Warning   `json:"warnings,omitempty"`
	// Findings holds monitor-level rule failures; they never affect
	// Passed but remain visible to the audit trail
	Findings []Violation `json:"findings,omitempty"`
	// ContextHash is a SHA-256 digest of the evaluation context. The raw
	// context is never persisted; the hash keeps audit records checkable.
	ContextHash string `json:"context_hash,omitempty"`
	// EvaluatedPolicies lists every (policy id, version) pair that
	// participated in the evaluation
	EvaluatedPolicies []PolicyRef `json:"evaluated_policies,omitempty"`
}

// PolicyRef pins an evaluation to an exact policy version
type PolicyRef struct {
	ID      uuid.UUID `json:"id"`
	Version int       `json:"version"`
}

// Blocked reports whether the verdict denies the request
func (v *Verdict) Blocked() bool {
	return !v.Passed
}
