package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/bordereaux/internal/domain"
	"github.com/ignite/bordereaux/internal/parse"
	"github.com/ignite/bordereaux/internal/proposal"
	"github.com/ignite/bordereaux/internal/storage"
	"github.com/ignite/bordereaux/internal/template"
	"github.com/ignite/bordereaux/internal/validate"
)

type fixture struct {
	p    *Pipeline
	mock sqlmock.Sqlmock
	dirs struct{ storage, proposals, reports string }
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fx := &fixture{mock: mock}
	fx.dirs.storage = t.TempDir()
	fx.dirs.proposals = t.TempDir()
	fx.dirs.reports = t.TempDir()

	fx.p = New(db,
		storage.New(db, fx.dirs.storage),
		parse.New([]string{"xlsx", "xls", "csv"}),
		template.NewRepository(db, t.TempDir()),
		validate.New(nil),
		proposal.NewGenerator(db, fx.dirs.proposals),
		fx.dirs.reports,
	)
	return fx
}

// writeStored drops CSV bytes where the mocked file row will point.
func (fx *fixture) writeStored(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(fx.dirs.storage, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func fileRowColumns() []string {
	return []string{
		"id", "filename", "file_path", "file_size", "mime_type",
		"content_hash", "status", "error_message", "total_rows", "processed_rows",
		"sender", "subject", "received_at", "proposal_path",
		"created_at", "updated_at", "processed_at",
	}
}

func (fx *fixture) expectGetFile(id int64, filename, path, subject string) {
	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_files").
		WillReturnRows(sqlmock.NewRows(fileRowColumns()).
			AddRow(id, filename, path, 100, "text/csv", "hash", "received", "",
				0, 0, "sender@example.com", subject, nil, "",
				time.Now(), time.Now(), nil))
}

func templateRowColumns() []string {
	return []string{
		"id", "template_id", "name", "carrier", "file_type", "pattern",
		"column_mappings", "version", "active_flag", "json_file_path",
		"created_at", "updated_at",
	}
}

func claimsTemplateRow() *sqlmock.Rows {
	mappings, _ := json.Marshal(map[string]string{
		"Policy Number": "policy_number",
		"Premium":       "premium_amount",
		"Currency":      "currency",
	})
	return sqlmock.NewRows(templateRowColumns()).
		AddRow(1, "t_claims", "Claims", "", "claims", "", mappings, "1.0.0", true, "",
			time.Now(), time.Now())
}

func TestProcessFile_HappyPath(t *testing.T) {
	fx := newFixture(t)
	path := fx.writeStored(t, "claims.csv",
		"Policy Number,Premium,Currency\nPOL1,\"1,234.56\",USD\n")

	fx.expectGetFile(1, "claims.csv", path, "")
	fx.mock.ExpectExec("UPDATE bordereaux_files").
		WillReturnResult(sqlmock.NewResult(0, 1))
	fx.mock.ExpectQuery("SELECT (.+) FROM templates").
		WillReturnRows(claimsTemplateRow())

	fx.mock.ExpectBegin()
	fx.mock.ExpectExec("DELETE FROM bordereaux_rows").
		WillReturnResult(sqlmock.NewResult(0, 0))
	fx.mock.ExpectExec("DELETE FROM bordereaux_validation_errors").
		WillReturnResult(sqlmock.NewResult(0, 0))
	fx.mock.ExpectExec("INSERT INTO bordereaux_rows").
		WillReturnResult(sqlmock.NewResult(1, 1))
	fx.mock.ExpectExec("UPDATE bordereaux_files").
		WithArgs(string(domain.StatusProcessedOK), "", 1, 1, sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	fx.mock.ExpectCommit()

	res, err := fx.p.ProcessFile(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusProcessedOK, res.Status)
	assert.Equal(t, 1, res.TotalRows)
	assert.Equal(t, 1, res.ProcessedRows)
	assert.Zero(t, res.ErrorCount)
	assert.Equal(t, "t_claims", res.TemplateID)
	assert.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestProcessFile_ValidationErrors(t *testing.T) {
	fx := newFixture(t)
	path := fx.writeStored(t, "claims.csv",
		"Policy Number,Premium,Currency\nPOL1,-50,USD\n")

	fx.expectGetFile(1, "claims.csv", path, "")
	fx.mock.ExpectExec("UPDATE bordereaux_files").
		WillReturnResult(sqlmock.NewResult(0, 1))
	fx.mock.ExpectQuery("SELECT (.+) FROM templates").
		WillReturnRows(claimsTemplateRow())

	fx.mock.ExpectBegin()
	fx.mock.ExpectExec("DELETE FROM bordereaux_rows").
		WillReturnResult(sqlmock.NewResult(0, 0))
	fx.mock.ExpectExec("DELETE FROM bordereaux_validation_errors").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The invalid row is excluded, so only the error record is inserted.
	fx.mock.ExpectExec("INSERT INTO bordereaux_validation_errors").
		WillReturnResult(sqlmock.NewResult(1, 1))
	fx.mock.ExpectExec("UPDATE bordereaux_files").
		WithArgs(string(domain.StatusProcessedWithErrors),
			"Processed with 1 validation errors", 1, 0, sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	fx.mock.ExpectCommit()

	res, err := fx.p.ProcessFile(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusProcessedWithErrors, res.Status)
	assert.Equal(t, 1, res.TotalRows)
	assert.Zero(t, res.ProcessedRows)
	assert.Equal(t, 1, res.ErrorCount)

	reports, err := os.ReadDir(fx.dirs.reports)
	require.NoError(t, err)
	assert.Len(t, reports, 1, "validation report written alongside the errors")
	assert.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestProcessFile_NoTemplateWritesProposal(t *testing.T) {
	fx := newFixture(t)
	path := fx.writeStored(t, "unknown.csv",
		"PolNo,Incept,Exp,Prem\nPOL1,01/01/2024,31/12/2024,100\n")

	fx.expectGetFile(5, "unknown.csv", path, "")
	fx.mock.ExpectExec("UPDATE bordereaux_files").
		WillReturnResult(sqlmock.NewResult(0, 1))
	fx.mock.ExpectQuery("SELECT (.+) FROM templates").
		WillReturnRows(sqlmock.NewRows(templateRowColumns()))
	// Proposal generator records path and status.
	fx.mock.ExpectExec("UPDATE bordereaux_files").
		WithArgs(string(domain.StatusNewTemplateRequired), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := fx.p.ProcessFile(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNewTemplateRequired, res.Status)

	entries, err := os.ReadDir(fx.dirs.proposals)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	p, err := proposal.LoadProposal(filepath.Join(fx.dirs.proposals, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, []string{"polno", "incept", "exp", "prem"}, p.FileHeaders)
	assert.Equal(t, "policy_number", p.ColumnMappings["polno"])
	assert.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestProcessFile_ParseFailure(t *testing.T) {
	fx := newFixture(t)
	path := fx.writeStored(t, "broken.xlsx", "this is not a workbook")

	fx.expectGetFile(9, "broken.xlsx", path, "")
	fx.mock.ExpectExec("UPDATE bordereaux_files").
		WillReturnResult(sqlmock.NewResult(0, 1)) // processing
	fx.mock.ExpectExec("UPDATE bordereaux_files").
		WillReturnResult(sqlmock.NewResult(0, 1)) // failed

	res, err := fx.p.ProcessFile(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.NotEmpty(t, res.Message)
	assert.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestProcessFile_MissingFile(t *testing.T) {
	fx := newFixture(t)
	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_files").
		WillReturnError(sql.ErrNoRows)

	_, err := fx.p.ProcessFile(context.Background(), 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessNewFiles_ContinuesPastFailures(t *testing.T) {
	fx := newFixture(t)
	goodPath := fx.writeStored(t, "good.csv",
		"Policy Number,Premium,Currency\nPOL1,100,USD\n")

	// Batch listing: one file whose bytes are missing, one processable.
	fx.mock.ExpectQuery("SELECT (.+) FROM bordereaux_files").
		WillReturnRows(sqlmock.NewRows(fileRowColumns()).
			AddRow(1, "gone.csv", filepath.Join(fx.dirs.storage, "gone.csv"), 10, "text/csv",
				"h1", "received", "", 0, 0, "", "", nil, "", time.Now(), time.Now(), nil).
			AddRow(2, "good.csv", goodPath, 10, "text/csv",
				"h2", "received", "", 0, 0, "", "", nil, "", time.Now(), time.Now(), nil))

	// File 1: load row, mark processing, fail on missing bytes.
	fx.expectGetFile(1, "gone.csv", filepath.Join(fx.dirs.storage, "gone.csv"), "")
	fx.mock.ExpectExec("UPDATE bordereaux_files").WillReturnResult(sqlmock.NewResult(0, 1))
	fx.mock.ExpectExec("UPDATE bordereaux_files").WillReturnResult(sqlmock.NewResult(0, 1))

	// File 2: full happy path.
	fx.expectGetFile(2, "good.csv", goodPath, "")
	fx.mock.ExpectExec("UPDATE bordereaux_files").WillReturnResult(sqlmock.NewResult(0, 1))
	fx.mock.ExpectQuery("SELECT (.+) FROM templates").WillReturnRows(claimsTemplateRow())
	fx.mock.ExpectBegin()
	fx.mock.ExpectExec("DELETE FROM bordereaux_rows").WillReturnResult(sqlmock.NewResult(0, 0))
	fx.mock.ExpectExec("DELETE FROM bordereaux_validation_errors").WillReturnResult(sqlmock.NewResult(0, 0))
	fx.mock.ExpectExec("INSERT INTO bordereaux_rows").WillReturnResult(sqlmock.NewResult(1, 1))
	fx.mock.ExpectExec("UPDATE bordereaux_files").WillReturnResult(sqlmock.NewResult(0, 1))
	fx.mock.ExpectCommit()

	results, err := fx.p.ProcessNewFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, domain.StatusFailed, results[0].Status)
	assert.Equal(t, domain.StatusProcessedOK, results[1].Status)
}

func TestInferFileType(t *testing.T) {
	tests := []struct {
		subject string
		want    domain.FileType
	}{
		{"Monthly Claims Bordereaux", domain.FileTypeClaims},
		{"PREMIUM report Q3", domain.FileTypePremium},
		{"exposure summary", domain.FileTypeExposure},
		{"Claims and premium combined", domain.FileTypeClaims},
		{"quarterly figures", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferFileType(tt.subject), "subject %q", tt.subject)
	}
}
