package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/govplane/govplane/config"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema creates the governance tables when they do not exist
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS policies (
			id UUID PRIMARY KEY,
			org_id UUID NOT NULL,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			policy_type VARCHAR(32) NOT NULL,
			rules JSONB NOT NULL,
			enforcement_level VARCHAR(16) NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_policies_org_status
			ON policies(org_id, status);

		CREATE TABLE IF NOT EXISTS budgets (
			id UUID PRIMARY KEY,
			scope VARCHAR(16) NOT NULL,
			scope_id UUID NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			currency VARCHAR(8) NOT NULL DEFAULT 'USD',
			period VARCHAR(16) NOT NULL,
			enforcement_level VARCHAR(16) NOT NULL DEFAULT 'strict',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (scope, scope_id)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id UUID PRIMARY KEY,
			budget_id UUID NOT NULL REFERENCES budgets(id),
			scope_key VARCHAR(64) NOT NULL,
			request_id UUID NOT NULL,
			reserved_amount DOUBLE PRECISION NOT NULL,
			committed_amount DOUBLE PRECISION,
			over_budget BOOLEAN NOT NULL DEFAULT FALSE,
			status VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_entries_scope_created
			ON ledger_entries(scope_key, created_at);

		CREATE TABLE IF NOT EXISTS audit_records (
			id UUID PRIMARY KEY,
			partition VARCHAR(64) NOT NULL,
			sequence BIGINT NOT NULL,
			request_id UUID NOT NULL,
			identity JSONB NOT NULL,
			decision JSONB NOT NULL,
			provider_outcome JSONB NOT NULL,
			cost DOUBLE PRECISION NOT NULL,
			prev_checksum VARCHAR(64) NOT NULL DEFAULT '',
			checksum VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (partition, sequence)
		);

		CREATE INDEX IF NOT EXISTS idx_audit_records_partition_seq
			ON audit_records(partition, sequence);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized")
	return nil
}
