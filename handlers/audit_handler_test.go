package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/govplane/govplane/models"
	"github.com/govplane/govplane/services"
	"github.com/govplane/govplane/services/auditchain"
)

type fakeAuditReader struct {
	records   []*models.AuditRecord
	verify    *auditchain.VerifyResult
	csv       []byte
	jsonBytes []byte
	err       error

	filter  models.AuditFilter
	fromSeq int64
	toSeq   int64
}

func (f *fakeAuditReader) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditRecord, error) {
	f.filter = filter
	return f.records, f.err
}

func (f *fakeAuditReader) Verify(ctx context.Context, partition string, fromSeq, toSeq int64) (*auditchain.VerifyResult, error) {
	f.fromSeq = fromSeq
	f.toSeq = toSeq
	return f.verify, f.err
}

func (f *fakeAuditReader) ExportCSV(ctx context.Context, filter models.AuditFilter) ([]byte, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.csv, nil
}

func (f *fakeAuditReader) ExportJSON(ctx context.Context, filter models.AuditFilter) ([]byte, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.jsonBytes, nil
}

func TestHandleAuditQuery(t *testing.T) {
	t.Run("passes filters through", func(t *testing.T) {
		userID := uuid.New()
		reader := &fakeAuditReader{
			records: []*models.AuditRecord{{ID: uuid.New(), Partition: "org-1"}},
		}
		handler := NewAuditHandler(reader, zap.NewNop())

		req := httptest.NewRequest(http.MethodGet,
			"/v1/audit/records?partition=org-1&status=blocked&user_id="+userID.String()+"&limit=50", nil)
		w := httptest.NewRecorder()

		handler.HandleQuery(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "org-1", reader.filter.Partition)
		assert.Equal(t, models.OutcomeBlocked, reader.filter.Status)
		require.NotNil(t, reader.filter.UserID)
		assert.Equal(t, userID, *reader.filter.UserID)
		assert.Equal(t, 50, reader.filter.Limit)

		var response map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		data := response["data"].(map[string]interface{})
		assert.Equal(t, float64(1), data["count"])
	})

	t.Run("rejects a malformed user id", func(t *testing.T) {
		handler := NewAuditHandler(&fakeAuditReader{}, zap.NewNop())

		req := httptest.NewRequest(http.MethodGet, "/v1/audit/records?user_id=nope", nil)
		w := httptest.NewRecorder()

		handler.HandleQuery(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects an oversized limit", func(t *testing.T) {
		handler := NewAuditHandler(&fakeAuditReader{}, zap.NewNop())

		req := httptest.NewRequest(http.MethodGet, "/v1/audit/records?limit=5000", nil)
		w := httptest.NewRecorder()

		handler.HandleQuery(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleAuditVerify(t *testing.T) {
	t.Run("reports a valid chain", func(t *testing.T) {
		reader := &fakeAuditReader{
			verify: &auditchain.VerifyResult{Partition: "org-1", Checked: 12, Valid: true},
		}
		handler := NewAuditHandler(reader, zap.NewNop())

		req := httptest.NewRequest(http.MethodGet,
			"/v1/audit/verify?partition=org-1&from=1&to=12", nil)
		w := httptest.NewRecorder()

		handler.HandleVerify(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(1), reader.fromSeq)
		assert.Equal(t, int64(12), reader.toSeq)

		var response map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		data := response["data"].(map[string]interface{})
		assert.Equal(t, true, data["valid"])
	})

	t.Run("requires a partition", func(t *testing.T) {
		handler := NewAuditHandler(&fakeAuditReader{}, zap.NewNop())

		req := httptest.NewRequest(http.MethodGet, "/v1/audit/verify", nil)
		w := httptest.NewRecorder()

		handler.HandleVerify(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleAuditExport(t *testing.T) {
	t.Run("streams a CSV attachment", func(t *testing.T) {
		reader := &fakeAuditReader{
			csv: []byte("id,timestamp,user_id,org_id,request_id,status,cost,checksum\n"),
		}
		handler := NewAuditHandler(reader, zap.NewNop())

		req := httptest.NewRequest(http.MethodGet, "/v1/audit/export?partition=org-1", nil)
		w := httptest.NewRecorder()

		handler.HandleExport(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Header().Get("Content-Disposition"), "audit_export.csv")
		assert.Contains(t, w.Body.String(), "checksum")
	})

	t.Run("streams a JSON attachment", func(t *testing.T) {
		reader := &fakeAuditReader{jsonBytes: []byte(`[]`)}
		handler := NewAuditHandler(reader, zap.NewNop())

		req := httptest.NewRequest(http.MethodGet,
			"/v1/audit/export?partition=org-1&format=json", nil)
		w := httptest.NewRecorder()

		handler.HandleExport(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	})

	t.Run("refuses export when the chain is broken", func(t *testing.T) {
		reader := &fakeAuditReader{
			err: services.NewDomainError(services.ErrorTypeAuditIntegrity,
				"audit chain integrity violation", nil),
		}
		handler := NewAuditHandler(reader, zap.NewNop())

		req := httptest.NewRequest(http.MethodGet, "/v1/audit/export?partition=org-1", nil)
		w := httptest.NewRecorder()

		handler.HandleExport(w, req)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("requires a partition", func(t *testing.T) {
		handler := NewAuditHandler(&fakeAuditReader{}, zap.NewNop())

		req := httptest.NewRequest(http.MethodGet, "/v1/audit/export", nil)
		w := httptest.NewRecorder()

		handler.HandleExport(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects an unknown format", func(t *testing.T) {
		handler := NewAuditHandler(&fakeAuditReader{}, zap.NewNop())

		req := httptest.NewRequest(http.MethodGet,
			"/v1/audit/export?partition=org-1&format=xml", nil)
		w := httptest.NewRecorder()

		handler.HandleExport(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
