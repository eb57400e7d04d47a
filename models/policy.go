package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PolicyType represents different types of governance policies
type PolicyType string

const (
	PolicyTypeCost          PolicyType = "cost"
	PolicyTypeSecurity      PolicyType = "security"
	PolicyTypeCompliance    PolicyType = "compliance"
	PolicyTypeUsage         PolicyType = "usage"
	PolicyTypeRateLimit     PolicyType = "rate_limit"
	PolicyTypeContentFilter PolicyType = "content_filter"
)

// ValidPolicyType reports whether t is a known policy type
func ValidPolicyType(t PolicyType) bool {
	switch t {
	case PolicyTypeCost, PolicyTypeSecurity, PolicyTypeCompliance,
		PolicyTypeUsage, PolicyTypeRateLimit, PolicyTypeContentFilter:
		return true
	}
	return false
}

// EnforcementLevel controls how a policy violation affects request flow
type EnforcementLevel string

const (
	EnforcementStrict  EnforcementLevel = "strict"  // violation blocks the request
	EnforcementWarning EnforcementLevel = "warning" // violation is flagged, request proceeds
	EnforcementMonitor EnforcementLevel = "monitor" // violation is only recorded
)

// ValidEnforcementLevel reports whether l is a known enforcement level
func ValidEnforcementLevel(l EnforcementLevel) bool {
	return l == EnforcementStrict || l == EnforcementWarning || l == EnforcementMonitor
}

// PolicyStatus represents the lifecycle state of a policy
type PolicyStatus string

const (
	PolicyStatusActive   PolicyStatus = "active"
	PolicyStatusInactive PolicyStatus = "inactive"
)

// PolicyDefinition represents a versioned governance policy.
// Rules are immutable once versioned: edits create a new version so that
// past evaluations remain reproducible from audit records.
type PolicyDefinition struct {
	ID               uuid.UUID        `json:"id" db:"id"`
	OrgID            uuid.UUID        `json:"org_id" db:"org_id"`
	Name             string           `json:"name" db:"name"`
	Description      string           `json:"description,omitempty" db:"description"`
	PolicyType       PolicyType       `json:"policy_type" db:"policy_type"`
	Rules            json.RawMessage  `json:"rules" db:"rules"` // JSONB rule configuration
	EnforcementLevel EnforcementLevel `json:"enforcement_level" db:"enforcement_level"`
	Version          int              `json:"version" db:"version"`
	Status           PolicyStatus     `json:"status" db:"status"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the PolicyDefinition model
func (PolicyDefinition) TableName() string {
	return "policies"
}

// NewPolicyDefinition creates a new active policy at version 1
func NewPolicyDefinition(orgID uuid.UUID, name string, policyType PolicyType, rules json.RawMessage, level EnforcementLevel) *PolicyDefinition {
	now := time.Now().UTC()
	return &PolicyDefinition{
		ID:               uuid.New(),
		OrgID:            orgID,
		Name:             name,
		PolicyType:       policyType,
		Rules:            rules,
		EnforcementLevel: level,
		Version:          1,
		Status:           PolicyStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// IsActive reports whether the policy participates in evaluation
func (p *PolicyDefinition) IsActive() bool {
	return p.Status == PolicyStatusActive
}
