package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/govplane/govplane/models"
	"github.com/govplane/govplane/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memLedgerRepo is an in-memory LedgerRepository for service tests
type memLedgerRepo struct {
	mu      sync.Mutex
	budgets map[string]*models.Budget
	entries map[uuid.UUID]*models.LedgerEntry
}

func newMemLedgerRepo() *memLedgerRepo {
	return &memLedgerRepo{
		budgets: make(map[string]*models.Budget),
		entries: make(map[uuid.UUID]*models.LedgerEntry),
	}
}

func (r *memLedgerRepo) addBudget(b *models.Budget) {
	scope := models.Scope{Type: b.Scope, ID: b.ScopeID}
	r.budgets[scope.Key()] = b
}

func (r *memLedgerRepo) GetBudgetByScope(_ context.Context, scope models.Scope) (*models.Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.budgets[scope.Key()], nil
}

func (r *memLedgerRepo) GetBudgetByID(_ context.Context, id uuid.UUID) (*models.Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.budgets {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, nil
}

func (r *memLedgerRepo) InsertEntry(_ context.Context, entry *models.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	r.entries[entry.ID] = &cp
	return nil
}

func (r *memLedgerRepo) GetEntry(_ context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *memLedgerRepo) CommitEntry(_ context.Context, id uuid.UUID, actualCost float64, overBudget bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return errors.New("entry not found")
	}
	e.CommittedAmount = &actualCost
	e.OverBudget = overBudget
	e.Status = models.EntryCommitted
	return nil
}

func (r *memLedgerRepo) ReleaseEntry(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Status != models.EntryReserved {
		return errors.New("entry not found or already reconciled")
	}
	e.Status = models.EntryRolledBack
	return nil
}

func (r *memLedgerRepo) PendingTotal(_ context.Context, scopeKey string, since time.Time) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total float64
	for _, e := range r.entries {
		if e.ScopeKey == scopeKey && e.Status == models.EntryReserved && !e.CreatedAt.Before(since) {
			total += e.ReservedAmount
		}
	}
	return total, nil
}

func (r *memLedgerRepo) CommittedTotal(_ context.Context, scopeKey string, since time.Time) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total float64
	for _, e := range r.entries {
		if e.ScopeKey == scopeKey && e.Status == models.EntryCommitted && !e.CreatedAt.Before(since) {
			total += *e.CommittedAmount
		}
	}
	return total, nil
}

func (r *memLedgerRepo) DailyTotals(_ context.Context, scopeKey string, days int, now time.Time) ([]float64, error) {
	totals := make([]float64, days)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.ScopeKey != scopeKey || e.Status != models.EntryCommitted {
			continue
		}
		age := int(now.Sub(e.CreatedAt).Hours() / 24)
		if age >= 0 && age < days {
			totals[days-1-age] += *e.CommittedAmount
		}
	}
	return totals, nil
}

func newTestLedger(t *testing.T) (*Ledger, *memLedgerRepo, models.Scope) {
	t.Helper()
	repo := newMemLedgerRepo()
	scopeID := uuid.New()
	repo.addBudget(&models.Budget{
		ID:               uuid.New(),
		Scope:            models.ScopeUser,
		ScopeID:          scopeID,
		Amount:           100.0,
		Currency:         "USD",
		Period:           models.PeriodDaily,
		EnforcementLevel: models.EnforcementStrict,
	})
	l := NewLedger(repo, DefaultRateTable(), zap.NewNop())
	return l, repo, models.Scope{Type: models.ScopeUser, ID: scopeID}
}

func TestLedger_ReserveWithinBudget(t *testing.T) {
	l, _, scope := newTestLedger(t)

	id, err := l.Reserve(context.Background(), scope, uuid.New(), 40.0)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
}

func TestLedger_ReserveExceedsBudget(t *testing.T) {
	l, _, scope := newTestLedger(t)

	_, err := l.Reserve(context.Background(), scope, uuid.New(), 60.0)
	require.NoError(t, err)

	_, err = l.Reserve(context.Background(), scope, uuid.New(), 60.0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrBudgetExceeded))

	var de *services.DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 40.0, de.Details["remaining"])
	assert.Equal(t, 60.0, de.Details["required"])
}

func TestLedger_ConcurrentReserves(t *testing.T) {
	// Budget 100, twenty concurrent reservations of 15 each: exactly
	// six can fit, no interleaving may admit a seventh.
	l, _, scope := newTestLedger(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(context.Background(), scope, uuid.New(), 15.0); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, succeeded)
}

func TestLedger_NonStrictReservesOverBudget(t *testing.T) {
	repo := newMemLedgerRepo()
	scopeID := uuid.New()
	repo.addBudget(&models.Budget{
		ID:               uuid.New(),
		Scope:            models.ScopeUser,
		ScopeID:          scopeID,
		Amount:           100.0,
		Currency:         "USD",
		Period:           models.PeriodDaily,
		EnforcementLevel: models.EnforcementMonitor,
	})
	l := NewLedger(repo, nil, zap.NewNop())
	scope := models.Scope{Type: models.ScopeUser, ID: scopeID}

	id, err := l.Reserve(context.Background(), scope, uuid.New(), 150.0)
	require.NoError(t, err)

	entry, err := repo.GetEntry(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, entry.OverBudget)
}

func TestLedger_NoBudgetConfigured(t *testing.T) {
	l := NewLedger(newMemLedgerRepo(), nil, zap.NewNop())
	scope := models.Scope{Type: models.ScopeTeam, ID: uuid.New()}

	_, err := l.Reserve(context.Background(), scope, uuid.New(), 1.0)
	assert.True(t, errors.Is(err, services.ErrBudgetNotFound))
}

func TestLedger_CommitReflectsActualCost(t *testing.T) {
	l, _, scope := newTestLedger(t)

	id, err := l.Reserve(context.Background(), scope, uuid.New(), 40.0)
	require.NoError(t, err)

	// Actual cost differs from the estimate
	require.NoError(t, l.Commit(context.Background(), id, 25.5))

	summary, err := l.Summary(context.Background(), scope)
	require.NoError(t, err)
	assert.InDelta(t, 25.5, summary.Spent, 1e-9)
	assert.InDelta(t, 74.5, summary.Remaining, 1e-9)
	assert.InDelta(t, 25.5, summary.UtilizationPercentage, 1e-9)

	util, err := l.Utilization(context.Background(), scope)
	require.NoError(t, err)
	assert.InDelta(t, 0.255, util, 1e-9)
}

func TestLedger_CommitAboveEstimateNotBlocked(t *testing.T) {
	l, repo, scope := newTestLedger(t)

	id, err := l.Reserve(context.Background(), scope, uuid.New(), 60.0)
	require.NoError(t, err)

	// Metered cost exceeds the whole budget; commit must still succeed
	require.NoError(t, l.Commit(context.Background(), id, 120.0))

	entry, err := repo.GetEntry(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.EntryCommitted, entry.Status)
	assert.True(t, entry.OverBudget)
}

func TestLedger_RollbackReleasesReservation(t *testing.T) {
	l, _, scope := newTestLedger(t)

	id, err := l.Reserve(context.Background(), scope, uuid.New(), 80.0)
	require.NoError(t, err)
	require.NoError(t, l.Rollback(context.Background(), id))

	// Released funds are available again
	_, err = l.Reserve(context.Background(), scope, uuid.New(), 80.0)
	assert.NoError(t, err)
}

func TestLedger_RollbackIsIdempotent(t *testing.T) {
	l, repo, scope := newTestLedger(t)

	id, err := l.Reserve(context.Background(), scope, uuid.New(), 10.0)
	require.NoError(t, err)

	require.NoError(t, l.Rollback(context.Background(), id))
	require.NoError(t, l.Rollback(context.Background(), id))

	entry, err := repo.GetEntry(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.EntryRolledBack, entry.Status)
}

func TestLedger_RollbackCommittedReservationFails(t *testing.T) {
	l, _, scope := newTestLedger(t)

	id, err := l.Reserve(context.Background(), scope, uuid.New(), 10.0)
	require.NoError(t, err)
	require.NoError(t, l.Commit(context.Background(), id, 8.0))

	assert.Error(t, l.Rollback(context.Background(), id))
}

func TestLedger_CommitUnknownReservation(t *testing.T) {
	l, _, _ := newTestLedger(t)
	err := l.Commit(context.Background(), uuid.New(), 1.0)
	assert.True(t, errors.Is(err, services.ErrReservationNotFound))
}

func TestLedger_Forecast(t *testing.T) {
	l, repo, scope := newTestLedger(t)
	now := time.Now()

	for i, cost := range []float64{10.0, 20.0, 30.0} {
		committed := cost
		repo.entries[uuid.New()] = &models.LedgerEntry{
			ID:              uuid.New(),
			ScopeKey:        scope.Key(),
			ReservedAmount:  cost,
			CommittedAmount: &committed,
			Status:          models.EntryCommitted,
			CreatedAt:       now.Add(-time.Duration(i*24) * time.Hour),
		}
	}

	avg, err := l.Forecast(context.Background(), scope, 3)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, avg, 1e-9)
}
