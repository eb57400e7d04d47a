package auditchain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/govplane/govplane/models"
	"github.com/govplane/govplane/repositories"
	"github.com/govplane/govplane/services"
)

// Chain appends governance outcomes to a per-partition hash chain and
// verifies chain integrity. Appends within one partition are serialized
// by a per-partition lock so sequence numbers and checksum links never
// race; different partitions append in parallel.
type Chain struct {
	repo   repositories.AuditRepository
	logger *zap.Logger

	mu    sync.Mutex
	parts map[string]*sync.Mutex

	now func() time.Time
}

// NewChain creates an audit chain service
func NewChain(repo repositories.AuditRepository, logger *zap.Logger) *Chain {
	return &Chain{
		repo:   repo,
		logger: logger,
		parts:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

func (c *Chain) partitionLock(partition string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.parts[partition]
	if !ok {
		l = &sync.Mutex{}
		c.parts[partition] = l
	}
	return l
}

// Append links record into its partition's chain and persists it. The
// caller fills identity, decision, outcome and cost; sequence, checksum
// linkage and timestamps are assigned here.
func (c *Chain) Append(ctx context.Context, record *models.AuditRecord) (*models.AuditRecord, error) {
	if record.Partition == "" {
		return nil, services.NewValidationError("audit record requires a partition", nil)
	}

	lock := c.partitionLock(record.Partition)
	lock.Lock()
	defer lock.Unlock()

	latest, err := c.repo.Latest(ctx, record.Partition)
	if err != nil {
		return nil, fmt.Errorf("loading latest audit record: %w", err)
	}

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	// Postgres timestamptz keeps microseconds; the checksum must hash
	// exactly what a later read returns
	record.CreatedAt = c.now().UTC().Truncate(time.Microsecond)

	if latest == nil {
		record.Sequence = 1
		record.PrevChecksum = ""
	} else {
		record.Sequence = latest.Sequence + 1
		record.PrevChecksum = latest.Checksum
	}

	sum, err := computeChecksum(record)
	if err != nil {
		return nil, fmt.Errorf("computing audit checksum: %w", err)
	}
	record.Checksum = sum

	if err := c.repo.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("inserting audit record: %w", err)
	}

	c.logger.Debug("audit record appended",
		zap.String("partition", record.Partition),
		zap.Int64("sequence", record.Sequence),
		zap.String("request_id", record.RequestID.String()))

	return record, nil
}

// computeChecksum hashes the record without its Checksum field,
// followed by the previous record's checksum.
func computeChecksum(record *models.AuditRecord) (string, error) {
	clone := *record
	clone.Checksum = ""

	payload, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(record.PrevChecksum))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyResult reports the outcome of an integrity walk
type VerifyResult struct {
	Partition string `json:"partition"`
	Checked   int    `json:"checked"`
	Valid     bool   `json:"valid"`

	// Set when Valid is false
	FailedRecordID *uuid.UUID `json:"failed_record_id,omitempty"`
	FailedSequence int64      `json:"failed_sequence,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// Verify recomputes checksums over [fromSeq, toSeq] of a partition and
// reports the first mismatch. It reads but never writes; repeated runs
// over an untouched partition return identical results. toSeq <= 0
// means the end of the chain.
func (c *Chain) Verify(ctx context.Context, partition string, fromSeq, toSeq int64) (*VerifyResult, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	records, err := c.repo.ListByPartition(ctx, partition, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}

	result := &VerifyResult{Partition: partition, Valid: true}
	var prevChecksum string
	havePrev := false

	if fromSeq == 1 {
		prevChecksum = ""
		havePrev = true
	}

	for i, record := range records {
		if record.Checksum == "" {
			return c.fail(result, record, "missing checksum"), nil
		}

		if havePrev && record.PrevChecksum != prevChecksum {
			return c.fail(result, record, "previous checksum link broken"), nil
		}

		expected, err := computeChecksum(record)
		if err != nil {
			return nil, fmt.Errorf("recomputing checksum: %w", err)
		}
		if expected != record.Checksum {
			return c.fail(result, record, "checksum mismatch"), nil
		}

		if i > 0 && record.Sequence != records[i-1].Sequence+1 {
			return c.fail(result, record, "sequence gap"), nil
		}

		prevChecksum = record.Checksum
		havePrev = true
		result.Checked++
	}

	return result, nil
}

func (c *Chain) fail(result *VerifyResult, record *models.AuditRecord, reason string) *VerifyResult {
	id := record.ID
	result.Valid = false
	result.FailedRecordID = &id
	result.FailedSequence = record.Sequence
	result.Reason = reason

	c.logger.Warn("audit chain verification failed",
		zap.String("partition", result.Partition),
		zap.String("record_id", id.String()),
		zap.Int64("sequence", record.Sequence),
		zap.String("reason", reason))

	return result
}

// Query returns audit records matching the filter, newest first
func (c *Chain) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditRecord, error) {
	records, err := c.repo.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	return records, nil
}

// csvHeader mirrors the audit export layout consumed downstream
var csvHeader = []string{"id", "timestamp", "user_id", "org_id", "request_id", "status", "cost", "checksum"}

// ExportCSV verifies the partition and renders matching records as CSV.
// A partition that fails verification is never exported.
func (c *Chain) ExportCSV(ctx context.Context, filter models.AuditFilter) ([]byte, error) {
	records, err := c.verifiedRecords(ctx, filter)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}

	for _, record := range records {
		row := []string{
			record.ID.String(),
			record.CreatedAt.UTC().Format(time.RFC3339),
			record.Identity.UserID.String(),
			record.Identity.OrgID.String(),
			record.RequestID.String(),
			string(record.Outcome.Status),
			strconv.FormatFloat(record.Cost, 'f', -1, 64),
			record.Checksum,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("writing csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportJSON verifies the partition and renders matching records as a
// JSON array.
func (c *Chain) ExportJSON(ctx context.Context, filter models.AuditFilter) ([]byte, error) {
	records, err := c.verifiedRecords(ctx, filter)
	if err != nil {
		return nil, err
	}

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling audit export: %w", err)
	}
	return out, nil
}

func (c *Chain) verifiedRecords(ctx context.Context, filter models.AuditFilter) ([]*models.AuditRecord, error) {
	if filter.Partition == "" {
		return nil, services.NewValidationError("audit export requires a partition", nil)
	}

	verdict, err := c.Verify(ctx, filter.Partition, 1, 0)
	if err != nil {
		return nil, err
	}
	if !verdict.Valid {
		return nil, services.NewDomainError(services.ErrorTypeAuditIntegrity, "audit chain integrity violation", nil).
			WithDetail("partition", filter.Partition).
			WithDetail("failed_sequence", verdict.FailedSequence).
			WithDetail("reason", verdict.Reason)
	}

	return c.Query(ctx, filter)
}
