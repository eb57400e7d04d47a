package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/govplane/govplane/models"
)

// PolicyRepository implements repositories.PolicyRepository backed by
// PostgreSQL
type PolicyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *DB, logger *zap.Logger) *PolicyRepository {
	return &PolicyRepository{
		db:     db,
		logger: logger,
	}
}

const policyColumns = `id, org_id, name, description, policy_type, rules,
	enforcement_level, version, status, created_at, updated_at`

// ListActiveForIdentity returns the active policies for the identity's
// organization, ordered by creation time so evaluation order is stable
func (r *PolicyRepository) ListActiveForIdentity(ctx context.Context, identity models.Identity) ([]*models.PolicyDefinition, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM policies
		WHERE org_id = $1 AND status = $2
		ORDER BY created_at ASC`, policyColumns)

	rows, err := r.db.QueryContext(ctx, query, identity.OrgID, models.PolicyStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []*models.PolicyDefinition
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate policies: %w", err)
	}

	return policies, nil
}

// GetByID fetches a single policy definition, or nil when it does not
// exist
func (r *PolicyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PolicyDefinition, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM policies
		WHERE id = $1`, policyColumns)

	policy, err := scanPolicy(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return policy, nil
}

// rowScanner covers both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*models.PolicyDefinition, error) {
	var policy models.PolicyDefinition
	var rules []byte

	err := row.Scan(
		&policy.ID,
		&policy.OrgID,
		&policy.Name,
		&policy.Description,
		&policy.PolicyType,
		&rules,
		&policy.EnforcementLevel,
		&policy.Version,
		&policy.Status,
		&policy.CreatedAt,
		&policy.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan policy: %w", err)
	}

	policy.Rules = rules
	return &policy, nil
}
