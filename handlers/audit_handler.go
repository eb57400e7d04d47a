package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/govplane/govplane/models"
	"github.com/govplane/govplane/services/auditchain"
	"github.com/govplane/govplane/utils"
)

// AuditReader exposes the read-only audit trail surface
type AuditReader interface {
	Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditRecord, error)
	Verify(ctx context.Context, partition string, fromSeq, toSeq int64) (*auditchain.VerifyResult, error)
	ExportCSV(ctx context.Context, filter models.AuditFilter) ([]byte, error)
	ExportJSON(ctx context.Context, filter models.AuditFilter) ([]byte, error)
}

// AuditHandler serves audit trail queries, integrity checks and exports
type AuditHandler struct {
	chain  AuditReader
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(chain AuditReader, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		chain:  chain,
		logger: logger,
	}
}

// HandleQuery handles GET /v1/audit/records
func (h *AuditHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseAuditFilter(w, r)
	if !ok {
		return
	}

	records, err := h.chain.Query(r.Context(), filter)
	if err != nil {
		_ = utils.WriteDomainError(w, err)
		return
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// HandleVerify handles GET /v1/audit/verify
func (h *AuditHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	partition := r.URL.Query().Get("partition")
	if partition == "" {
		_ = utils.WriteBadRequest(w, "partition is required", nil)
		return
	}

	fromSeq, ok := parseSeqParam(w, r, "from", 1)
	if !ok {
		return
	}
	toSeq, ok := parseSeqParam(w, r, "to", 0)
	if !ok {
		return
	}

	result, err := h.chain.Verify(r.Context(), partition, fromSeq, toSeq)
	if err != nil {
		_ = utils.WriteDomainError(w, err)
		return
	}

	_ = utils.WriteOK(w, result)
}

// HandleExport handles GET /v1/audit/export. The chain is verified
// before anything is written; a broken chain refuses the export.
func (h *AuditHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseAuditFilter(w, r)
	if !ok {
		return
	}
	if filter.Partition == "" {
		_ = utils.WriteBadRequest(w, "partition is required", nil)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}

	var payload []byte
	var contentType, filename string
	var err error

	switch format {
	case "csv":
		payload, err = h.chain.ExportCSV(r.Context(), filter)
		contentType = "text/csv"
		filename = "audit_export.csv"
	case "json":
		payload, err = h.chain.ExportJSON(r.Context(), filter)
		contentType = "application/json"
		filename = "audit_export.json"
	default:
		_ = utils.WriteBadRequest(w, "format must be csv or json", nil)
		return
	}

	if err != nil {
		h.logger.Warn("audit export refused",
			zap.String("partition", filter.Partition),
			zap.Error(err))
		_ = utils.WriteDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func parseAuditFilter(w http.ResponseWriter, r *http.Request) (models.AuditFilter, bool) {
	q := r.URL.Query()
	filter := models.AuditFilter{
		Partition: q.Get("partition"),
		Status:    models.OutcomeStatus(q.Get("status")),
	}

	if raw := q.Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, "user_id must be a UUID", nil)
			return filter, false
		}
		filter.UserID = &id
	}
	if raw := q.Get("request_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, "request_id must be a UUID", nil)
			return filter, false
		}
		filter.RequestID = &id
	}
	if raw := q.Get("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, "from must be an RFC3339 timestamp", nil)
			return filter, false
		}
		filter.From = &ts
	}
	if raw := q.Get("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, "to must be an RFC3339 timestamp", nil)
			return filter, false
		}
		filter.To = &ts
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			_ = utils.WriteBadRequest(w, "limit must be an integer between 1 and 1000", nil)
			return filter, false
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			_ = utils.WriteBadRequest(w, "offset must be a non-negative integer", nil)
			return filter, false
		}
		filter.Offset = offset
	}

	return filter, true
}

func parseSeqParam(w http.ResponseWriter, r *http.Request, name string, fallback int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		_ = utils.WriteBadRequest(w, name+" must be a non-negative integer", nil)
		return 0, false
	}
	return seq, true
}
