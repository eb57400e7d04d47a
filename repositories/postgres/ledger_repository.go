package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/govplane/govplane/models"
)

// LedgerRepository implements repositories.LedgerRepository backed by
// PostgreSQL
type LedgerRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB, logger *zap.Logger) *LedgerRepository {
	return &LedgerRepository{
		db:     db,
		logger: logger,
	}
}

const budgetColumns = `id, scope, scope_id, amount, currency, period,
	enforcement_level, created_at, updated_at`

// GetBudgetByScope returns the budget configured for a scope, or nil
// when none exists
func (r *LedgerRepository) GetBudgetByScope(ctx context.Context, scope models.Scope) (*models.Budget, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM budgets
		WHERE scope = $1 AND scope_id = $2`, budgetColumns)

	budget, err := scanBudget(r.db.QueryRowContext(ctx, query, scope.Type, scope.ID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return budget, nil
}

// GetBudgetByID fetches a budget by primary key, or nil when it does
// not exist
func (r *LedgerRepository) GetBudgetByID(ctx context.Context, id uuid.UUID) (*models.Budget, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM budgets
		WHERE id = $1`, budgetColumns)

	budget, err := scanBudget(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return budget, nil
}

// InsertEntry persists a new reservation
func (r *LedgerRepository) InsertEntry(ctx context.Context, entry *models.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (id, budget_id, scope_key, request_id,
			reserved_amount, committed_amount, over_budget, status,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.BudgetID,
		entry.ScopeKey,
		entry.RequestID,
		entry.ReservedAmount,
		entry.CommittedAmount,
		entry.OverBudget,
		entry.Status,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	return nil
}

// GetEntry fetches a ledger entry by reservation id
func (r *LedgerRepository) GetEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	query := `
		SELECT id, budget_id, scope_key, request_id, reserved_amount,
			committed_amount, over_budget, status, created_at, updated_at
		FROM ledger_entries
		WHERE id = $1`

	var entry models.LedgerEntry
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&entry.ID,
		&entry.BudgetID,
		&entry.ScopeKey,
		&entry.RequestID,
		&entry.ReservedAmount,
		&entry.CommittedAmount,
		&entry.OverBudget,
		&entry.Status,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	return &entry, nil
}

// CommitEntry replaces the reserved amount with the actual metered cost
// and marks the entry committed
func (r *LedgerRepository) CommitEntry(ctx context.Context, id uuid.UUID, actualCost float64, overBudget bool) error {
	query := `
		UPDATE ledger_entries
		SET committed_amount = $2, over_budget = $3, status = $4,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = $5`

	result, err := r.db.ExecContext(ctx, query,
		id, actualCost, overBudget, models.EntryCommitted, models.EntryReserved)
	if err != nil {
		return fmt.Errorf("failed to commit ledger entry: %w", err)
	}

	return checkEntryUpdated(result, id)
}

// ReleaseEntry marks a reservation rolled back
func (r *LedgerRepository) ReleaseEntry(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE ledger_entries
		SET status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = $3`

	result, err := r.db.ExecContext(ctx, query,
		id, models.EntryRolledBack, models.EntryReserved)
	if err != nil {
		return fmt.Errorf("failed to release ledger entry: %w", err)
	}

	return checkEntryUpdated(result, id)
}

// PendingTotal sums reserved amounts for a scope since the period start
func (r *LedgerRepository) PendingTotal(ctx context.Context, scopeKey string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(reserved_amount), 0)
		FROM ledger_entries
		WHERE scope_key = $1 AND status = $2 AND created_at >= $3`

	var total float64
	err := r.db.QueryRowContext(ctx, query, scopeKey, models.EntryReserved, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pending entries: %w", err)
	}

	return total, nil
}

// CommittedTotal sums committed amounts for a scope since the period
// start
func (r *LedgerRepository) CommittedTotal(ctx context.Context, scopeKey string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(committed_amount), 0)
		FROM ledger_entries
		WHERE scope_key = $1 AND status = $2 AND created_at >= $3`

	var total float64
	err := r.db.QueryRowContext(ctx, query, scopeKey, models.EntryCommitted, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum committed entries: %w", err)
	}

	return total, nil
}

// DailyTotals returns committed spend per UTC day for the last n days,
// most recent last. Days with no spend are zero.
func (r *LedgerRepository) DailyTotals(ctx context.Context, scopeKey string, days int, now time.Time) ([]float64, error) {
	if days <= 0 {
		return nil, nil
	}

	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, -(days - 1))

	query := `
		SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day,
			COALESCE(SUM(committed_amount), 0)
		FROM ledger_entries
		WHERE scope_key = $1 AND status = $2 AND created_at >= $3
		GROUP BY day
		ORDER BY day ASC`

	rows, err := r.db.QueryContext(ctx, query, scopeKey, models.EntryCommitted, start)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily totals: %w", err)
	}
	defer rows.Close()

	totals := make([]float64, days)
	for rows.Next() {
		var day time.Time
		var total float64
		if err := rows.Scan(&day, &total); err != nil {
			return nil, fmt.Errorf("failed to scan daily total: %w", err)
		}
		idx := int(day.UTC().Sub(start).Hours() / 24)
		if idx >= 0 && idx < days {
			totals[idx] = total
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate daily totals: %w", err)
	}

	return totals, nil
}

func scanBudget(row rowScanner) (*models.Budget, error) {
	var budget models.Budget
	err := row.Scan(
		&budget.ID,
		&budget.Scope,
		&budget.ScopeID,
		&budget.Amount,
		&budget.Currency,
		&budget.Period,
		&budget.EnforcementLevel,
		&budget.CreatedAt,
		&budget.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan budget: %w", err)
	}
	return &budget, nil
}

func checkEntryUpdated(result sql.Result, id uuid.UUID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("ledger entry %s not found or already reconciled", id)
	}
	return nil
}
