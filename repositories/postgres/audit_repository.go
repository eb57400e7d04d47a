package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/govplane/govplane/models"
)

// AuditRepository implements repositories.AuditRepository backed by
// PostgreSQL
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

const auditColumns = `id, partition, sequence, request_id, identity,
	decision, provider_outcome, cost, prev_checksum, checksum, created_at`

// Insert appends a fully-populated record. The unique constraint on
// (partition, sequence) rejects concurrent writers that lost the race.
func (r *AuditRepository) Insert(ctx context.Context, record *models.AuditRecord) error {
	identity, err := json.Marshal(record.Identity)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	decision, err := json.Marshal(record.Decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	outcome, err := json.Marshal(record.Outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	query := `
		INSERT INTO audit_records (id, partition, sequence, request_id,
			identity, decision, provider_outcome, cost, prev_checksum,
			checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.db.ExecContext(ctx, query,
		record.ID,
		record.Partition,
		record.Sequence,
		record.RequestID,
		identity,
		decision,
		outcome,
		record.Cost,
		record.PrevChecksum,
		record.Checksum,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	return nil
}

// Latest returns the newest record in a partition, or nil when the
// partition is empty
func (r *AuditRepository) Latest(ctx context.Context, partition string) (*models.AuditRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM audit_records
		WHERE partition = $1
		ORDER BY sequence DESC
		LIMIT 1`, auditColumns)

	record, err := scanAuditRecord(r.db.QueryRowContext(ctx, query, partition))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListByPartition returns a partition's records ordered by sequence.
// toSeq <= 0 means no upper bound.
func (r *AuditRepository) ListByPartition(ctx context.Context, partition string, fromSeq, toSeq int64) ([]*models.AuditRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM audit_records
		WHERE partition = $1 AND sequence >= $2`, auditColumns)
	args := []interface{}{partition, fromSeq}

	if toSeq > 0 {
		query += " AND sequence <= $3"
		args = append(args, toSeq)
	}
	query += " ORDER BY sequence ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	return collectAuditRecords(rows)
}

// Query returns records matching the filter, newest first
func (r *AuditRepository) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditRecord, error) {
	var conditions []string
	var args []interface{}

	addCondition := func(clause string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.Partition != "" {
		addCondition("partition = $%d", filter.Partition)
	}
	if filter.UserID != nil {
		addCondition("identity->>'user_id' = $%d", filter.UserID.String())
	}
	if filter.RequestID != nil {
		addCondition("request_id = $%d", *filter.RequestID)
	}
	if filter.Status != "" {
		addCondition("provider_outcome->>'status' = $%d", string(filter.Status))
	}
	if filter.From != nil {
		addCondition("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		addCondition("created_at < $%d", *filter.To)
	}

	query := fmt.Sprintf("SELECT %s FROM audit_records", auditColumns)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, sequence DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	return collectAuditRecords(rows)
}

func collectAuditRecords(rows *sql.Rows) ([]*models.AuditRecord, error) {
	var records []*models.AuditRecord
	for rows.Next() {
		record, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit records: %w", err)
	}
	return records, nil
}

func scanAuditRecord(row rowScanner) (*models.AuditRecord, error) {
	var record models.AuditRecord
	var identity, decision, outcome []byte

	err := row.Scan(
		&record.ID,
		&record.Partition,
		&record.Sequence,
		&record.RequestID,
		&identity,
		&decision,
		&outcome,
		&record.Cost,
		&record.PrevChecksum,
		&record.Checksum,
		&record.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit record: %w", err)
	}

	if err := json.Unmarshal(identity, &record.Identity); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}
	if err := json.Unmarshal(decision, &record.Decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	if err := json.Unmarshal(outcome, &record.Outcome); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outcome: %w", err)
	}

	return &record, nil
}
