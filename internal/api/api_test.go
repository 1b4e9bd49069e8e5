package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/bordereaux/internal/parse"
	"github.com/ignite/bordereaux/internal/pipeline"
	"github.com/ignite/bordereaux/internal/proposal"
	"github.com/ignite/bordereaux/internal/storage"
	"github.com/ignite/bordereaux/internal/template"
	"github.com/ignite/bordereaux/internal/validate"
)

type fixture struct {
	h    *Handlers
	mux  http.Handler
	mock sqlmock.Sqlmock
	dirs struct{ storage, templates, proposals string }
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fx := &fixture{mock: mock}
	fx.dirs.storage = t.TempDir()
	fx.dirs.templates = t.TempDir()
	fx.dirs.proposals = t.TempDir()

	store := storage.New(db, fx.dirs.storage)
	repo := template.NewRepository(db, fx.dirs.templates)
	pipe := pipeline.New(db, store,
		parse.New([]string{"xlsx", "xls", "csv"}),
		repo,
		validate.New(nil),
		proposal.NewGenerator(db, fx.dirs.proposals),
		t.TempDir(),
	)

	fx.h = NewHandlers(store, repo, pipe, nil)
	fx.mux = SetupRoutes(fx.h)
	return fx
}

func (fx *fixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, path, bytes.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	fx.mux.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func fileRowColumns() []string {
	return []string{
		"id", "filename", "file_path", "file_size", "mime_type",
		"content_hash", "status", "error_message", "total_rows", "processed_rows",
		"sender", "subject", "received_at", "proposal_path",
		"created_at", "updated_at", "processed_at",
	}
}

func fileRow(id int64, status, proposalPath string) *sqlmock.Rows {
	return sqlmock.NewRows(fileRowColumns()).
		AddRow(id, "claims.csv", "/tmp/claims.csv", 100, "text/csv", "hash", status, "",
			2, 2, "carrier@example.com", "Monthly claims", nil, proposalPath,
			time.Now(), time.Now(), nil)
}

func TestHealthCheck(t *testing.T) {
	fx := newFixture(t)
	w := fx.do(t, http.MethodGet, "/health/", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestListFiles_StatusFilter(t *testing.T) {
	fx := newFixture(t)

	fx.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bordereaux_files`).
		WithArgs("processed_ok").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_files").
		WillReturnRows(fileRow(5, "processed_ok", ""))

	w := fx.do(t, http.MethodGet, "/files/api?status=processed_ok&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Total int        `json:"total"`
		Files []fileView `json:"files"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, int64(5), resp.Files[0].ID)
	assert.Equal(t, "processed_ok", resp.Files[0].Status)
}

func TestListFiles_UnknownStatusRejected(t *testing.T) {
	fx := newFixture(t)
	w := fx.do(t, http.MethodGet, "/files/api?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetFile_WithRows(t *testing.T) {
	fx := newFixture(t)

	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_files").
		WillReturnRows(fileRow(5, "processed_ok", ""))
	rowCols := []string{
		"id", "file_id", "policy_number", "insured_name", "inception_date", "expiry_date",
		"premium_amount", "currency", "claim_amount", "commission_amount", "net_premium",
		"broker_name", "product_type", "coverage_type", "risk_location",
		"row_number", "raw_data", "created_at", "updated_at",
	}
	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_rows").
		WillReturnRows(sqlmock.NewRows(rowCols).
			AddRow(1, 5, "POL1", "Acme Ltd", time.Now(), nil, 1234.56, "USD",
				nil, nil, nil, nil, nil, nil, nil, 1, `{"policy":"POL1"}`,
				time.Now(), time.Now()))

	w := fx.do(t, http.MethodGet, "/files/5/api", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		File fileView  `json:"file"`
		Rows []rowView `json:"rows"`
	}
	decode(t, w, &resp)
	assert.Equal(t, int64(5), resp.File.ID)
	require.Len(t, resp.Rows, 1)
	require.NotNil(t, resp.Rows[0].PolicyNumber)
	assert.Equal(t, "POL1", *resp.Rows[0].PolicyNumber)
	require.NotNil(t, resp.Rows[0].Currency)
	assert.Equal(t, "USD", string(*resp.Rows[0].Currency))
}

func TestGetFile_NotFound(t *testing.T) {
	fx := newFixture(t)
	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_files").
		WillReturnError(sql.ErrNoRows)

	w := fx.do(t, http.MethodGet, "/files/99/api", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetFile_BadID(t *testing.T) {
	fx := newFixture(t)
	w := fx.do(t, http.MethodGet, "/files/abc/api", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListFileErrors(t *testing.T) {
	fx := newFixture(t)

	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_files").
		WillReturnRows(fileRow(5, "processed_with_errors", ""))
	errCols := []string{
		"id", "file_id", "row_index", "error_code", "error_message",
		"field_name", "field_value", "rule_name", "created_at",
	}
	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_validation_errors").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(errCols).
			AddRow(1, 5, 0, "REQUIRED_FIELD_MISSING",
				"Required field 'policy_number' is missing or null",
				"policy_number", "", "required_field", time.Now()))

	w := fx.do(t, http.MethodGet, "/files/5/errors/api", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		FileID      int64 `json:"file_id"`
		TotalErrors int   `json:"total_errors"`
		Errors      []struct {
			RowIndex  int    `json:"row_index"`
			ErrorCode string `json:"error_code"`
		} `json:"errors"`
	}
	decode(t, w, &resp)
	assert.Equal(t, int64(5), resp.FileID)
	assert.Equal(t, 1, resp.TotalErrors)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "REQUIRED_FIELD_MISSING", resp.Errors[0].ErrorCode)
}

func TestDeleteFile(t *testing.T) {
	fx := newFixture(t)

	// Get for the path lookup, then the row delete. The on-disk file is
	// already gone, which Delete tolerates.
	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_files").
		WillReturnRows(fileRow(5, "processed_ok", ""))
	fx.mock.ExpectExec("DELETE FROM bordereaux_files").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := fx.do(t, http.MethodDelete, "/files/5/delete", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestUploadFiles_Duplicate(t *testing.T) {
	fx := newFixture(t)

	// Dedup lookup finds an existing record, so nothing is written or
	// processed.
	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_files").
		WillReturnRows(fileRow(4, "processed_ok", ""))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "claims.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("policy_number,premium\nPOL1,100\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/files/upload", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	fx.mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		BatchID string       `json:"batch_id"`
		Results []uploadItem `json:"results"`
	}
	decode(t, w, &resp)
	assert.NotEmpty(t, resp.BatchID)
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Results[0].IsDuplicate)
	assert.Equal(t, int64(4), resp.Results[0].FileID)
	assert.Nil(t, resp.Results[0].Result, "duplicates are not reprocessed")
}

func TestUploadFiles_UntypedTemplateMatchesNamedUpload(t *testing.T) {
	fx := newFixture(t)

	csvBody := "Policy Number,Premium\nPOL1,100\n"
	storedPath := filepath.Join(fx.dirs.storage, "stored_claims.csv")
	require.NoError(t, os.WriteFile(storedPath, []byte(csvBody), 0o644))

	// Save: no duplicate; the insert must carry the fixed web upload
	// subject, not the filename.
	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_files").
		WillReturnError(sql.ErrNoRows)
	fx.mock.ExpectQuery("INSERT INTO bordereaux_files").
		WithArgs("Claims_Bordereaux_Jan2024.csv", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"web_upload", "Web Upload", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
	fx.mock.ExpectExec("UPDATE bordereaux_files").
		WillReturnResult(sqlmock.NewResult(0, 1)) // mark received

	// Pipeline run: "Web Upload" infers no file type, so an untyped
	// template stays visible and matches the headers exactly.
	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_files").
		WillReturnRows(sqlmock.NewRows(fileRowColumns()).
			AddRow(9, "Claims_Bordereaux_Jan2024.csv", storedPath, int64(len(csvBody)),
				"text/csv", "hash", "received", "", 0, 0, "web_upload", "Web Upload",
				nil, "", time.Now(), time.Now(), nil))
	fx.mock.ExpectExec("UPDATE bordereaux_files").
		WillReturnResult(sqlmock.NewResult(0, 1)) // processing
	fx.mock.ExpectQuery("SELECT (.+) FROM templates").
		WillReturnRows(sqlmock.NewRows(templateRowColumns()).
			AddRow(1, "generic_bordereaux", "Generic", "", "", "",
				[]byte(`{"Policy Number":"policy_number","Premium":"premium_amount"}`),
				"1.0.0", true, "", time.Now(), time.Now()))
	fx.mock.ExpectBegin()
	fx.mock.ExpectExec("DELETE FROM bordereaux_rows").
		WillReturnResult(sqlmock.NewResult(0, 0))
	fx.mock.ExpectExec("DELETE FROM bordereaux_validation_errors").
		WillReturnResult(sqlmock.NewResult(0, 0))
	fx.mock.ExpectExec("INSERT INTO bordereaux_rows").
		WillReturnResult(sqlmock.NewResult(1, 1))
	fx.mock.ExpectExec("UPDATE bordereaux_files").
		WillReturnResult(sqlmock.NewResult(0, 1))
	fx.mock.ExpectCommit()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "Claims_Bordereaux_Jan2024.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(csvBody))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/files/upload", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	fx.mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Results []uploadItem `json:"results"`
	}
	decode(t, w, &resp)
	require.Len(t, resp.Results, 1)
	require.NotNil(t, resp.Results[0].Result)
	assert.Equal(t, "processed_ok", resp.Results[0].Status)
	assert.Equal(t, "generic_bordereaux", resp.Results[0].Result.TemplateID)
	assert.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestUploadFiles_NoFiles(t *testing.T) {
	fx := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "empty"))
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/files/upload", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	fx.mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadTemplate(t *testing.T) {
	fx := newFixture(t)

	fx.mock.ExpectQuery("INSERT INTO templates").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	body := `{
		"template_id": "acme_claims_v1",
		"name": "Acme claims",
		"file_type": "claims",
		"column_mappings": {"Policy No": "policy_number", "Premium": "premium_amount"}
	}`
	w := fx.do(t, http.MethodPost, "/mappings/upload", []byte(body))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp templateView
	decode(t, w, &resp)
	assert.Equal(t, "acme_claims_v1", resp.TemplateID)
	assert.True(t, resp.Active)
	assert.Equal(t, "1.0.0", resp.Version)

	// Sidecar mirrors the created template.
	_, err := os.Stat(filepath.Join(fx.dirs.templates, "acme_claims_v1.json"))
	assert.NoError(t, err)
}

func TestUploadTemplate_Conflict(t *testing.T) {
	fx := newFixture(t)

	fx.mock.ExpectQuery("INSERT INTO templates").
		WillReturnError(&pq.Error{Code: "23505"})

	body := `{"template_id": "dup", "column_mappings": {"a": "policy_number"}}`
	w := fx.do(t, http.MethodPost, "/mappings/upload", []byte(body))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUploadTemplate_UnknownField(t *testing.T) {
	fx := newFixture(t)

	body := `{"template_id": "bad", "column_mappings": {"a": "not_a_field"}}`
	w := fx.do(t, http.MethodPost, "/mappings/upload", []byte(body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "not_a_field")
}

func templateRowColumns() []string {
	return []string{
		"id", "template_id", "name", "carrier", "file_type", "pattern",
		"column_mappings", "version", "active_flag", "json_file_path",
		"created_at", "updated_at",
	}
}

func TestGetTemplate(t *testing.T) {
	fx := newFixture(t)

	fx.mock.ExpectQuery("SELECT (.+) FROM templates").
		WithArgs("acme_claims_v1").
		WillReturnRows(sqlmock.NewRows(templateRowColumns()).
			AddRow(1, "acme_claims_v1", "Acme claims", "Acme", "claims", "",
				[]byte(`{"Policy No":"policy_number"}`), "1.0.0", true, "",
				time.Now(), time.Now()))

	w := fx.do(t, http.MethodGet, "/mappings/template/acme_claims_v1/edit", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp templateView
	decode(t, w, &resp)
	assert.Equal(t, "Acme claims", resp.Name)
	assert.Equal(t, "policy_number", resp.ColumnMappings["Policy No"])
}

func TestEditTemplate_PartialUpdate(t *testing.T) {
	fx := newFixture(t)

	fx.mock.ExpectQuery("SELECT (.+) FROM templates").
		WillReturnRows(sqlmock.NewRows(templateRowColumns()).
			AddRow(1, "acme_claims_v1", "Acme claims", "Acme", "claims", "",
				[]byte(`{"Policy No":"policy_number"}`), "1.0.0", true, "",
				time.Now(), time.Now()))
	fx.mock.ExpectExec("UPDATE templates").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"active_flag": false}`
	w := fx.do(t, http.MethodPost, "/mappings/template/acme_claims_v1/edit", []byte(body))
	require.Equal(t, http.StatusOK, w.Code)

	var resp templateView
	decode(t, w, &resp)
	assert.False(t, resp.Active)
	assert.Equal(t, "Acme claims", resp.Name, "absent fields keep their value")
}

func TestDeleteTemplate_NotFound(t *testing.T) {
	fx := newFixture(t)

	fx.mock.ExpectExec("DELETE FROM templates").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := fx.do(t, http.MethodDelete, "/mappings/template/nope/delete", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetProposal(t *testing.T) {
	fx := newFixture(t)

	path := filepath.Join(fx.dirs.proposals, "proposal_5_20240101_000000.json")
	doc := `{
		"file_id": 5,
		"created_at": "2024-01-01T00:00:00Z",
		"file_headers": ["polno", "prem"],
		"column_mappings": {"polno": "policy_number"},
		"confidence_scores": {"polno": 0.8},
		"metadata": {"filename": "claims.csv"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_files").
		WillReturnRows(fileRow(5, "new_template_required", path))

	w := fx.do(t, http.MethodGet, "/mappings/file/5/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"policy_number"`)
}

func TestGetProposal_NoneWritten(t *testing.T) {
	fx := newFixture(t)

	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_files").
		WillReturnRows(fileRow(5, "received", ""))

	w := fx.do(t, http.MethodGet, "/mappings/file/5/", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPollMailbox_NotConfigured(t *testing.T) {
	fx := newFixture(t)
	w := fx.do(t, http.MethodPost, "/jobs/poll-mailbox", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProcessFiles_Empty(t *testing.T) {
	fx := newFixture(t)

	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_files").
		WillReturnRows(sqlmock.NewRows(fileRowColumns()))

	w := fx.do(t, http.MethodPost, "/jobs/process-files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"processed":0`))
}
