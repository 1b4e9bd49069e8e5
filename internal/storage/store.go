// Package storage persists raw bordereaux bytes on disk, content-addressed by
// SHA-256, and binds them to file records in the database.
package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ignite/bordereaux/internal/domain"
)

// ErrNotFound is returned when no file record matches the given id or hash.
var ErrNotFound = errors.New("file not found")

// Store owns the on-disk file area and the bordereaux_files table.
type Store struct {
	db       *sql.DB
	basePath string
}

// New creates a Store rooted at basePath. The directory is created on first
// save, not here.
func New(db *sql.DB, basePath string) *Store {
	return &Store{db: db, basePath: basePath}
}

// SaveResult reports the outcome of a Save call. For duplicate content the id
// and status belong to the previously ingested file.
type SaveResult struct {
	FileID      int64
	Status      domain.FileStatus
	IsDuplicate bool
}

// SaveRequest carries the upload metadata alongside the raw bytes.
type SaveRequest struct {
	Data       []byte
	Filename   string
	Sender     string
	Subject    string
	ReceivedAt *time.Time
}

// Save writes the bytes exactly once per distinct content. If a file with the
// same SHA-256 already exists, its id and current status are returned with
// IsDuplicate set and nothing is written.
func (s *Store) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	sum := sha256.Sum256(req.Data)
	hash := hex.EncodeToString(sum[:])

	existing, err := s.GetByHash(ctx, hash)
	if err == nil {
		return &SaveResult{FileID: existing.ID, Status: existing.Status, IsDuplicate: true}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := os.MkdirAll(s.basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	now := time.Now().UTC()
	storedName := fmt.Sprintf("%s_%s_%s", hash[:8], now.Format("20060102_150405"), sanitizeFilename(req.Filename))
	fullPath := filepath.Join(s.basePath, storedName)
	if err := os.WriteFile(fullPath, req.Data, 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO bordereaux_files
			(filename, file_path, file_size, mime_type, content_hash, status,
			 sender, subject, received_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id
	`, req.Filename, fullPath, int64(len(req.Data)), MimeTypeFor(req.Filename), hash,
		domain.StatusPending, req.Sender, req.Subject, req.ReceivedAt, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert file: %w", err)
	}

	return &SaveResult{FileID: id, Status: domain.StatusPending, IsDuplicate: false}, nil
}

const fileColumns = `id, filename, file_path, file_size, COALESCE(mime_type,''),
	content_hash, status, COALESCE(error_message,''), total_rows, processed_rows,
	COALESCE(sender,''), COALESCE(subject,''), received_at,
	COALESCE(proposal_path,''), created_at, updated_at, processed_at`

func scanFile(row interface{ Scan(...any) error }) (*domain.File, error) {
	f := &domain.File{}
	err := row.Scan(
		&f.ID, &f.Filename, &f.FilePath, &f.FileSize, &f.MimeType,
		&f.ContentHash, &f.Status, &f.ErrorMessage, &f.TotalRows, &f.ProcessedRows,
		&f.Sender, &f.Subject, &f.ReceivedAt,
		&f.ProposalPath, &f.CreatedAt, &f.UpdatedAt, &f.ProcessedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}
	return f, nil
}

// Get returns the file record with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*domain.File, error) {
	return scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM bordereaux_files WHERE id = $1`, id))
}

// GetByHash returns the file record with the given content hash.
func (s *Store) GetByHash(ctx context.Context, hash string) (*domain.File, error) {
	return scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM bordereaux_files WHERE content_hash = $1`, hash))
}

// ListFilter narrows List results. A zero Limit means 50.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

// List returns file records newest first, plus the total count matching the
// filter.
func (s *Store) List(ctx context.Context, f ListFilter) ([]domain.File, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM bordereaux_files`
	args := []interface{}{}
	if f.Status != "" {
		countQ += ` WHERE status = $1`
		args = append(args, f.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
	}

	q := `SELECT ` + fileColumns + ` FROM bordereaux_files`
	qArgs := []interface{}{}
	idx := 1
	if f.Status != "" {
		q += fmt.Sprintf(` WHERE status = $%d`, idx)
		qArgs = append(qArgs, f.Status)
		idx++
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	qArgs = append(qArgs, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, qArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []domain.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *f)
	}
	return out, total, rows.Err()
}

// ListByStatusAsc returns every file in the given status, oldest first. The
// batch processor uses this to work through received files in arrival order.
func (s *Store) ListByStatusAsc(ctx context.Context, status domain.FileStatus) ([]domain.File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM bordereaux_files WHERE status = $1 ORDER BY created_at ASC`,
		status)
	if err != nil {
		return nil, fmt.Errorf("list files by status: %w", err)
	}
	defer rows.Close()

	var out []domain.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// ListRows returns the persisted canonical rows for a file in source order.
func (s *Store) ListRows(ctx context.Context, fileID int64) ([]domain.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_id, policy_number, insured_name, inception_date, expiry_date,
		       premium_amount, currency, claim_amount, commission_amount, net_premium,
		       broker_name, product_type, coverage_type, risk_location,
		       row_number, COALESCE(raw_data,''), created_at, updated_at
		FROM bordereaux_rows
		WHERE file_id = $1
		ORDER BY row_number
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	var out []domain.Row
	for rows.Next() {
		var r domain.Row
		var currency *string
		if err := rows.Scan(&r.ID, &r.FileID, &r.PolicyNumber, &r.InsuredName,
			&r.InceptionDate, &r.ExpiryDate, &r.PremiumAmount, &currency,
			&r.ClaimAmount, &r.CommissionAmount, &r.NetPremium,
			&r.BrokerName, &r.ProductType, &r.CoverageType, &r.RiskLocation,
			&r.RowNumber, &r.RawData, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if currency != nil {
			c := domain.Currency(*currency)
			r.Currency = &c
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListValidationErrors returns the persisted validation errors for a file in
// row order.
func (s *Store) ListValidationErrors(ctx context.Context, fileID int64) ([]domain.ValidationError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_id, row_index, error_code, error_message,
		       COALESCE(field_name,''), COALESCE(field_value,''),
		       COALESCE(rule_name,''), created_at
		FROM bordereaux_validation_errors
		WHERE file_id = $1
		ORDER BY row_index, id
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list validation errors: %w", err)
	}
	defer rows.Close()

	var out []domain.ValidationError
	for rows.Next() {
		var e domain.ValidationError
		if err := rows.Scan(&e.ID, &e.FileID, &e.RowIndex, &e.ErrorCode, &e.Message,
			&e.FieldName, &e.FieldValue, &e.RuleName, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan validation error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes the on-disk bytes (tolerating an already-absent file) and
// the DB row; rows and validation errors go with it via cascade.
func (s *Store) Delete(ctx context.Context, id int64) error {
	f, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := os.Remove(f.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM bordereaux_files WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete file row: %w", err)
	}
	return nil
}

// MarkReceived moves a pending file to received.
func (s *Store) MarkReceived(ctx context.Context, id int64) error {
	return s.UpdateStatus(ctx, id, domain.StatusReceived, "")
}

// UpdateStatus sets the file status and error message.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status domain.FileStatus, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bordereaux_files
		SET status = $1, error_message = NULLIF($2, ''), updated_at = $3
		WHERE id = $4
	`, status, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update file status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReadBytes loads the stored bytes for a file record.
func (s *Store) ReadBytes(f *domain.File) ([]byte, error) {
	data, err := os.ReadFile(f.FilePath)
	if err != nil {
		return nil, fmt.Errorf("read stored file: %w", err)
	}
	return data, nil
}

// sanitizeFilename keeps alphanumerics, '.', '_' and '-'; everything else
// becomes '_'.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// MimeTypeFor maps a filename extension to the content type recorded on the
// file row.
func MimeTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".csv":
		return "text/csv"
	}
	return "application/octet-stream"
}
