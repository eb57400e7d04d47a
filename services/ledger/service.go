package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/govplane/govplane/models"
	"github.com/govplane/govplane/repositories"
	"github.com/govplane/govplane/services"
	"go.uber.org/zap"
)

// Ledger tracks running cost totals per scope over rolling periods.
// Reservations hold estimated cost against a budget before the provider
// responds; commit reconciles them with the metered cost and rollback
// releases them.
//
// Reserve is atomic per (scope, period): a per-scope mutex serializes
// the read-check-insert so two concurrent reservations can never both
// succeed when their combined cost would exceed the remaining budget.
type Ledger struct {
	repo   repositories.LedgerRepository
	rates  *RateTable
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewLedger creates a new budget ledger
func NewLedger(repo repositories.LedgerRepository, rates *RateTable, logger *zap.Logger) *Ledger {
	if rates == nil {
		rates = DefaultRateTable()
	}
	return &Ledger{
		repo:   repo,
		rates:  rates,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

// Rates exposes the pricing table for cost estimation
func (l *Ledger) Rates() *RateTable {
	return l.rates
}

// Reserve places a provisional hold of estimatedCost against the
// scope's budget for the current period.
//
// Under strict enforcement the reservation fails with ErrBudgetExceeded
// when committed-plus-reserved totals would exceed the budget amount.
// Under warning/monitor enforcement the entry is still created, flagged
// over-budget, so utilization and forecast reporting stay accurate.
func (l *Ledger) Reserve(ctx context.Context, scope models.Scope, requestID uuid.UUID, estimatedCost float64) (uuid.UUID, error) {
	budget, err := l.repo.GetBudgetByScope(ctx, scope)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load budget: %w", err)
	}
	if budget == nil {
		return uuid.Nil, services.ErrBudgetNotFound
	}

	lock := l.scopeLock(scope.Key())
	lock.Lock()
	defer lock.Unlock()

	now := l.now()
	periodStart := budget.PeriodStart(now)

	committed, err := l.repo.CommittedTotal(ctx, scope.Key(), periodStart)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to read committed total: %w", err)
	}
	pending, err := l.repo.PendingTotal(ctx, scope.Key(), periodStart)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to read pending total: %w", err)
	}

	total := committed + pending
	overBudget := total+estimatedCost > budget.Amount

	if overBudget && budget.EnforcementLevel == models.EnforcementStrict {
		remaining := budget.Amount - total
		if remaining < 0 {
			remaining = 0
		}
		l.logger.Warn("budget reservation rejected",
			zap.String("scope", scope.Key()),
			zap.Float64("remaining", remaining),
			zap.Float64("required", estimatedCost))
		return uuid.Nil, services.NewBudgetExceededError(
			fmt.Sprintf("%s budget of %.2f %s exceeded", budget.Period, budget.Amount, budget.Currency),
			remaining, estimatedCost)
	}

	entry := &models.LedgerEntry{
		ID:             uuid.New(),
		BudgetID:       budget.ID,
		ScopeKey:       scope.Key(),
		RequestID:      requestID,
		ReservedAmount: estimatedCost,
		OverBudget:     overBudget,
		Status:         models.EntryReserved,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.repo.InsertEntry(ctx, entry); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	l.logger.Debug("budget reserved",
		zap.String("scope", scope.Key()),
		zap.String("reservation_id", entry.ID.String()),
		zap.Float64("estimated_cost", estimatedCost),
		zap.Bool("over_budget", overBudget))

	return entry.ID, nil
}

// Commit replaces a reservation's pending amount with the actual
// metered cost. The limit check is not re-run: the request has already
// been made, so exceeding the budget here is recorded, never blocked.
func (l *Ledger) Commit(ctx context.Context, reservationID uuid.UUID, actualCost float64) error {
	entry, err := l.repo.GetEntry(ctx, reservationID)
	if err != nil {
		return fmt.Errorf("failed to load ledger entry: %w", err)
	}
	if entry == nil {
		return services.ErrReservationNotFound
	}

	budget, err := l.repo.GetBudgetByID(ctx, entry.BudgetID)
	if err != nil {
		return fmt.Errorf("failed to load budget: %w", err)
	}

	lock := l.scopeLock(entry.ScopeKey)
	lock.Lock()
	defer lock.Unlock()

	overBudget := entry.OverBudget
	if budget != nil {
		committed, err := l.repo.CommittedTotal(ctx, entry.ScopeKey, budget.PeriodStart(l.now()))
		if err != nil {
			return fmt.Errorf("failed to read committed total: %w", err)
		}
		overBudget = overBudget || committed+actualCost > budget.Amount
	}

	if err := l.repo.CommitEntry(ctx, reservationID, actualCost, overBudget); err != nil {
		return fmt.Errorf("failed to commit ledger entry: %w", err)
	}

	if overBudget {
		l.logger.Warn("commit recorded over budget",
			zap.String("scope", entry.ScopeKey),
			zap.String("reservation_id", reservationID.String()),
			zap.Float64("actual_cost", actualCost))
	}
	return nil
}

// Rollback releases a reservation after a failed provider call. No cost
// was incurred, so the hold simply disappears from period totals.
// Rolling back an already rolled-back reservation is a no-op.
func (l *Ledger) Rollback(ctx context.Context, reservationID uuid.UUID) error {
	if err := l.repo.ReleaseEntry(ctx, reservationID); err != nil {
		entry, getErr := l.repo.GetEntry(ctx, reservationID)
		if getErr != nil {
			return fmt.Errorf("failed to load ledger entry: %w", getErr)
		}
		if entry != nil && entry.Status == models.EntryRolledBack {
			return nil
		}
		return fmt.Errorf("failed to release ledger entry: %w", err)
	}
	l.logger.Debug("budget reservation rolled back",
		zap.String("reservation_id", reservationID.String()))
	return nil
}

// Utilization returns committed spend divided by the budget amount for
// the current period. It is recomputed on every call, never cached.
func (l *Ledger) Utilization(ctx context.Context, scope models.Scope) (float64, error) {
	summary, err := l.Summary(ctx, scope)
	if err != nil {
		return 0, err
	}
	return summary.UtilizationPercentage / 100.0, nil
}

// Summary returns the budget view consumed by chargeback reporting
func (l *Ledger) Summary(ctx context.Context, scope models.Scope) (*models.BudgetSummary, error) {
	budget, err := l.repo.GetBudgetByScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget: %w", err)
	}
	if budget == nil {
		return nil, services.ErrBudgetNotFound
	}

	spent, err := l.repo.CommittedTotal(ctx, scope.Key(), budget.PeriodStart(l.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to read committed total: %w", err)
	}

	remaining := budget.Amount - spent
	if remaining < 0 {
		remaining = 0
	}
	utilization := 0.0
	if budget.Amount > 0 {
		utilization = spent / budget.Amount * 100.0
	}

	return &models.BudgetSummary{
		Amount:                budget.Amount,
		Spent:                 spent,
		Remaining:             remaining,
		UtilizationPercentage: utilization,
	}, nil
}

// PeriodSpend returns committed spend for a scope since the start of
// the given rolling period. Implements the policy engine's SpendReader.
func (l *Ledger) PeriodSpend(ctx context.Context, scope models.Scope, period models.BudgetPeriod, now time.Time) (float64, error) {
	b := models.Budget{Period: period}
	return l.repo.CommittedTotal(ctx, scope.Key(), b.PeriodStart(now))
}

// Forecast estimates future daily spend as the average of committed
// spend over the last n days. Read-only; plays no part in reservation.
func (l *Ledger) Forecast(ctx context.Context, scope models.Scope, days int) (float64, error) {
	if days <= 0 {
		days = 7
	}
	totals, err := l.repo.DailyTotals(ctx, scope.Key(), days, l.now())
	if err != nil {
		return 0, fmt.Errorf("failed to read daily totals: %w", err)
	}
	if len(totals) == 0 {
		return 0, nil
	}
	var sum float64
	for _, v := range totals {
		sum += v
	}
	return sum / float64(len(totals)), nil
}

// scopeLock returns the mutex serializing reservations for a scope
func (l *Ledger) scopeLock(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	return lock
}
