package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/govplane/govplane/models"
)

// PolicyRepository provides read access to policy definitions. Policies
// are created and versioned by an external admin workflow; the pipeline
// only reads them.
type PolicyRepository interface {
	// ListActiveForIdentity returns the active policies scoped to the
	// identity's org, team, and user assignments
	ListActiveForIdentity(ctx context.Context, identity models.Identity) ([]*models.PolicyDefinition, error)
	// GetByID fetches a single policy definition
	GetByID(ctx context.Context, id uuid.UUID) (*models.PolicyDefinition, error)
}

// LedgerRepository persists budgets and ledger entries
type LedgerRepository interface {
	// GetBudgetByScope returns the budget configured for a scope, or
	// nil when none exists
	GetBudgetByScope(ctx context.Context, scope models.Scope) (*models.Budget, error)
	// GetBudgetByID fetches a budget by primary key
	GetBudgetByID(ctx context.Context, id uuid.UUID) (*models.Budget, error)
	// InsertEntry persists a new reservation
	InsertEntry(ctx context.Context, entry *models.LedgerEntry) error
	// GetEntry fetches a ledger entry by reservation id
	GetEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)
	// CommitEntry replaces the reserved amount with the actual metered
	// cost and marks the entry committed
	CommitEntry(ctx context.Context, id uuid.UUID, actualCost float64, overBudget bool) error
	// ReleaseEntry marks a reservation rolled back
	ReleaseEntry(ctx context.Context, id uuid.UUID) error
	// PendingTotal sums reserved (uncommitted) amounts for a scope
	// since the period start
	PendingTotal(ctx context.Context, scopeKey string, since time.Time) (float64, error)
	// CommittedTotal sums committed amounts for a scope since the
	// period start
	CommittedTotal(ctx context.Context, scopeKey string, since time.Time) (float64, error)
	// DailyTotals returns committed spend per day for the last n days,
	// most recent last; days with no spend are zero
	DailyTotals(ctx context.Context, scopeKey string, days int, now time.Time) ([]float64, error)
}

// AuditRepository persists the append-only audit chain
type AuditRepository interface {
	// Insert appends a fully-populated record (checksum included)
	Insert(ctx context.Context, record *models.AuditRecord) error
	// Latest returns the newest record in a partition, or nil when the
	// partition is empty
	Latest(ctx context.Context, partition string) (*models.AuditRecord, error)
	// ListByPartition returns a partition's records ordered by sequence
	ListByPartition(ctx context.Context, partition string, fromSeq, toSeq int64) ([]*models.AuditRecord, error)
	// Query returns records matching the filter, newest first
	Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditRecord, error)
}
