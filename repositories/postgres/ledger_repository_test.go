package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/govplane/govplane/models"
)

var budgetRows = []string{
	"id", "scope", "scope_id", "amount", "currency", "period",
	"enforcement_level", "created_at", "updated_at",
}

var entryRows = []string{
	"id", "budget_id", "scope_key", "request_id", "reserved_amount",
	"committed_amount", "over_budget", "status", "created_at", "updated_at",
}

func TestLedgerRepositoryGetBudgetByScope(t *testing.T) {
	t.Run("returns the budget for a scope", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db, zap.NewNop())

		scope := models.Scope{Type: models.ScopeTeam, ID: uuid.New()}
		budgetID := uuid.New()
		now := time.Now()

		mock.ExpectQuery("SELECT (.+) FROM budgets WHERE scope = \\$1 AND scope_id = \\$2").
			WithArgs(scope.Type, scope.ID).
			WillReturnRows(sqlmock.NewRows(budgetRows).
				AddRow(budgetID, "team", scope.ID, 500.0, "USD", "monthly", "strict", now, now))

		budget, err := repo.GetBudgetByScope(context.Background(), scope)
		require.NoError(t, err)
		require.NotNil(t, budget)
		assert.Equal(t, budgetID, budget.ID)
		assert.Equal(t, models.ScopeTeam, budget.Scope)
		assert.Equal(t, 500.0, budget.Amount)
		assert.Equal(t, models.PeriodMonthly, budget.Period)
	})

	t.Run("returns nil when no budget is configured", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db, zap.NewNop())

		mock.ExpectQuery("SELECT (.+) FROM budgets").
			WillReturnRows(sqlmock.NewRows(budgetRows))

		budget, err := repo.GetBudgetByScope(context.Background(),
			models.Scope{Type: models.ScopeUser, ID: uuid.New()})
		require.NoError(t, err)
		assert.Nil(t, budget)
	})
}

func TestLedgerRepositoryInsertEntry(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLedgerRepository(db, zap.NewNop())

	entry := &models.LedgerEntry{
		ID:             uuid.New(),
		BudgetID:       uuid.New(),
		ScopeKey:       "user:" + uuid.New().String(),
		RequestID:      uuid.New(),
		ReservedAmount: 0.25,
		Status:         models.EntryReserved,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(entry.ID, entry.BudgetID, entry.ScopeKey, entry.RequestID,
			entry.ReservedAmount, nil, entry.OverBudget, entry.Status,
			entry.CreatedAt, entry.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.InsertEntry(context.Background(), entry)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryGetEntry(t *testing.T) {
	t.Run("returns the entry", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db, zap.NewNop())

		entryID := uuid.New()
		now := time.Now()
		committed := 0.18

		mock.ExpectQuery("SELECT (.+) FROM ledger_entries WHERE id = \\$1").
			WithArgs(entryID).
			WillReturnRows(sqlmock.NewRows(entryRows).
				AddRow(entryID, uuid.New(), "org:abc", uuid.New(), 0.25,
					committed, false, "committed", now, now))

		entry, err := repo.GetEntry(context.Background(), entryID)
		require.NoError(t, err)
		require.NotNil(t, entry)
		require.NotNil(t, entry.CommittedAmount)
		assert.Equal(t, 0.18, *entry.CommittedAmount)
		assert.Equal(t, models.EntryCommitted, entry.Status)
	})

	t.Run("returns nil when the entry does not exist", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db, zap.NewNop())

		mock.ExpectQuery("SELECT (.+) FROM ledger_entries").
			WillReturnRows(sqlmock.NewRows(entryRows))

		entry, err := repo.GetEntry(context.Background(), uuid.New())
		require.NoError(t, err)
		assert.Nil(t, entry)
	})
}

func TestLedgerRepositoryCommitEntry(t *testing.T) {
	t.Run("commits a reserved entry", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db, zap.NewNop())

		entryID := uuid.New()
		mock.ExpectExec("UPDATE ledger_entries").
			WithArgs(entryID, 0.18, false, models.EntryCommitted, models.EntryReserved).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.CommitEntry(context.Background(), entryID, 0.18, false)
		require.NoError(t, err)
	})

	t.Run("fails when the entry was already reconciled", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db, zap.NewNop())

		mock.ExpectExec("UPDATE ledger_entries").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.CommitEntry(context.Background(), uuid.New(), 0.18, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found or already reconciled")
	})
}

func TestLedgerRepositoryReleaseEntry(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLedgerRepository(db, zap.NewNop())

	entryID := uuid.New()
	mock.ExpectExec("UPDATE ledger_entries").
		WithArgs(entryID, models.EntryRolledBack, models.EntryReserved).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.ReleaseEntry(context.Background(), entryID)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryTotals(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("sums pending reservations", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db, zap.NewNop())

		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(reserved_amount\\), 0\\)").
			WithArgs("org:abc", models.EntryReserved, since).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(1.25))

		total, err := repo.PendingTotal(context.Background(), "org:abc", since)
		require.NoError(t, err)
		assert.Equal(t, 1.25, total)
	})

	t.Run("sums committed spend", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db, zap.NewNop())

		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(committed_amount\\), 0\\)").
			WithArgs("org:abc", models.EntryCommitted, since).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(42.5))

		total, err := repo.CommittedTotal(context.Background(), "org:abc", since)
		require.NoError(t, err)
		assert.Equal(t, 42.5, total)
	})
}

func TestLedgerRepositoryDailyTotals(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)

	t.Run("zero-fills days with no spend", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db, zap.NewNop())

		// Spend on day 1 and day 3 of a 3-day window ending today.
		mock.ExpectQuery("GROUP BY day").
			WithArgs("team:xyz", models.EntryCommitted,
				time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)).
			WillReturnRows(sqlmock.NewRows([]string{"day", "sum"}).
				AddRow(time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), 1.0).
				AddRow(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), 3.0))

		totals, err := repo.DailyTotals(context.Background(), "team:xyz", 3, now)
		require.NoError(t, err)
		assert.Equal(t, []float64{1.0, 0, 3.0}, totals)
	})

	t.Run("returns nil for a non-positive window", func(t *testing.T) {
		db, _ := newMockDB(t)
		repo := NewLedgerRepository(db, zap.NewNop())

		totals, err := repo.DailyTotals(context.Background(), "team:xyz", 0, now)
		require.NoError(t, err)
		assert.Nil(t, totals)
	})
}
