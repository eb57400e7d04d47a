package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BudgetScopeType represents the entity a budget is tracked against
type BudgetScopeType string

const (
	ScopeUser BudgetScopeType = "user"
	ScopeTeam BudgetScopeType = "team"
	ScopeOrg  BudgetScopeType = "org"
)

// BudgetPeriod represents the rolling period of a budget
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodWeekly  BudgetPeriod = "weekly"
	PeriodMonthly BudgetPeriod = "monthly"
)

// Scope identifies the entity a reservation or utilization query targets
type Scope struct {
	Type BudgetScopeType
	ID   uuid.UUID
}

// Key returns a stable string key for the scope, used for lock striping
// and ledger rows
func (s Scope) Key() string {
	return fmt.Sprintf("%s:%s", s.Type, s.ID)
}

// Budget represents a spending limit for a scope over a rolling period
type Budget struct {
	ID               uuid.UUID        `json:"id" db:"id"`
	Scope            BudgetScopeType  `json:"scope" db:"scope"`
	ScopeID          uuid.UUID        `json:"scope_id" db:"scope_id"`
	Amount           float64          `json:"amount" db:"amount"`
	Currency         string           `json:"currency" db:"currency"`
	Period           BudgetPeriod     `json:"period" db:"period"`
	EnforcementLevel EnforcementLevel `json:"enforcement_level" db:"enforcement_level"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Budget model
func (Budget) TableName() string {
	return "budgets"
}

// PeriodStart returns the start of the budget period containing now
func (b *Budget) PeriodStart(now time.Time) time.Time {
	now = now.UTC()
	switch b.Period {
	case PeriodWeekly:
		// Weeks start on Monday
		offset := (int(now.Weekday()) + 6) % 7
		day := now.AddDate(0, 0, -offset)
		return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// LedgerEntryStatus represents the reconciliation state of a ledger entry
type LedgerEntryStatus string

const (
	EntryReserved   LedgerEntryStatus = "reserved"
	EntryCommitted  LedgerEntryStatus = "committed"
	EntryRolledBack LedgerEntryStatus = "rolled_back"
)

// LedgerEntry represents a single reservation against a budget.
// Entries are created exactly once per request and reconciled by commit
// or rollback, never mutated otherwise.
type LedgerEntry struct {
	ID              uuid.UUID         `json:"id" db:"id"`
	BudgetID        uuid.UUID         `json:"budget_id" db:"budget_id"`
	ScopeKey        string            `json:"scope_key" db:"scope_key"`
	RequestID       uuid.UUID         `json:"request_id" db:"request_id"`
	ReservedAmount  float64           `json:"reserved_amount" db:"reserved_amount"`
	CommittedAmount *float64          `json:"committed_amount,omitempty" db:"committed_amount"`
	OverBudget      bool              `json:"over_budget" db:"over_budget"`
	Status          LedgerEntryStatus `json:"status" db:"status"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the LedgerEntry model
func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// BudgetSummary is the read-only budget view consumed by chargeback
// reporting. Field names are part of the external contract.
type BudgetSummary struct {
	Amount                float64 `json:"amount"`
	Spent                 float64 `json:"spent"`
	Remaining             float64 `json:"remaining"`
	UtilizationPercentage float64 `json:"utilization_percentage"`
}
