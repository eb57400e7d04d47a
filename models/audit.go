package models

import (
	"time"

	"github.com/google/uuid"
)

// OutcomeStatus represents the terminal state of a governed request
type OutcomeStatus string

const (
	OutcomeCompleted   OutcomeStatus = "completed"
	OutcomeBlocked     OutcomeStatus = "blocked"
	OutcomeOverBudget  OutcomeStatus = "over_budget"
	OutcomeProviderErr OutcomeStatus = "provider_error"
	OutcomeCircuitOpen OutcomeStatus = "circuit_open"
	OutcomeTimeout     OutcomeStatus = "provider_timeout"
)

// Outcome records what happened after the governance decision
type Outcome struct {
	Status       OutcomeStatus `json:"status"`
	Provider     string        `json:"provider,omitempty"`
	Model        string        `json:"model,omitempty"`
	InputTokens  int64         `json:"input_tokens,omitempty"`
	OutputTokens int64         `json:"output_tokens,omitempty"`
	LatencyMs    int64         `json:"latency_ms,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// AuditRecord is one link in the per-partition hash chain. Records are
// append-only: once written they are never reordered or mutated, and
// Checksum covers every other field plus the previous record's checksum.
type AuditRecord struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Partition    string    `json:"partition" db:"partition"`
	Sequence     int64     `json:"sequence" db:"sequence"`
	RequestID    uuid.UUID `json:"request_id" db:"request_id"`
	Identity     Identity  `json:"identity" db:"identity"`
	Decision     Verdict   `json:"decision" db:"decision"`
	Outcome      Outcome   `json:"provider_outcome" db:"provider_outcome"`
	Cost         float64   `json:"cost" db:"cost"`
	PrevChecksum string    `json:"prev_checksum" db:"prev_checksum"`
	Checksum     string    `json:"checksum" db:"checksum"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the AuditRecord model
func (AuditRecord) TableName() string {
	return "audit_records"
}

// AuditFilter narrows audit queries and exports
type AuditFilter struct {
	Partition string
	UserID    *uuid.UUID
	RequestID *uuid.UUID
	Status    OutcomeStatus
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}
