// Package pipeline orchestrates file processing: parse, template match, map,
// validate, persist. It is the only component that moves a file's status out
// of processing.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ignite/bordereaux/internal/domain"
	"github.com/ignite/bordereaux/internal/mapper"
	"github.com/ignite/bordereaux/internal/parse"
	"github.com/ignite/bordereaux/internal/proposal"
	"github.com/ignite/bordereaux/internal/storage"
	"github.com/ignite/bordereaux/internal/template"
	"github.com/ignite/bordereaux/internal/validate"
)

// Pipeline wires the processing stages together. Concurrent ProcessFile
// calls for the same file are serialized by a per-file lock.
type Pipeline struct {
	db         *sql.DB
	store      *storage.Store
	parser     *parse.Parser
	templates  *template.Repository
	validator  *validate.Validator
	proposals  *proposal.Generator
	reportsDir string

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates a Pipeline. reportsDir receives JSON validation reports; an
// empty value disables them.
func New(db *sql.DB, store *storage.Store, parser *parse.Parser,
	templates *template.Repository, validator *validate.Validator,
	proposals *proposal.Generator, reportsDir string) *Pipeline {
	return &Pipeline{
		db:         db,
		store:      store,
		parser:     parser,
		templates:  templates,
		validator:  validator,
		proposals:  proposals,
		reportsDir: reportsDir,
		locks:      map[int64]*sync.Mutex{},
	}
}

// Result is the outcome of one ProcessFile run.
type Result struct {
	FileID        int64             `json:"file_id"`
	Status        domain.FileStatus `json:"status"`
	TotalRows     int               `json:"total_rows"`
	ProcessedRows int               `json:"processed_rows"`
	ErrorCount    int               `json:"error_count"`
	TemplateID    string            `json:"template_id,omitempty"`
	Message       string            `json:"message,omitempty"`
}

func (p *Pipeline) fileLock(id int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	return l
}

// ProcessFile runs the full pipeline for one stored file.
func (p *Pipeline) ProcessFile(ctx context.Context, fileID int64) (*Result, error) {
	lock := p.fileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	f, err := p.store.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}

	if err := p.store.UpdateStatus(ctx, fileID, domain.StatusProcessing, ""); err != nil {
		return nil, err
	}

	data, err := p.store.ReadBytes(f)
	if err != nil {
		return p.fail(ctx, fileID, err)
	}
	tbl, err := p.parser.Parse(data, f.Filename)
	if err != nil {
		return p.fail(ctx, fileID, err)
	}

	fileType := InferFileType(f.Subject)
	templates, err := p.templates.ListActive(ctx, fileType)
	if err != nil {
		return p.fail(ctx, fileID, err)
	}

	tpl := template.Match(templates, tbl.Headers)
	if tpl == nil {
		// No clearing of prior rows: they remain from the last good run.
		meta := map[string]string{
			"filename": f.Filename,
			"sender":   f.Sender,
			"subject":  f.Subject,
		}
		if _, err := p.proposals.ProcessFile(ctx, fileID, tbl.Headers, meta); err != nil {
			return p.fail(ctx, fileID, err)
		}
		log.Printf("[pipeline] file %d: no template matched, proposal written", fileID)
		return &Result{
			FileID:    fileID,
			Status:    domain.StatusNewTemplateRequired,
			TotalRows: len(tbl.Rows),
			Message:   "no matching template; mapping proposal generated",
		}, nil
	}

	rows := mapper.MapRows(tbl, tpl, fileID)
	valid, rowErrs := p.validator.Validate(rows)

	status := domain.StatusProcessedOK
	message := ""
	if len(rowErrs) > 0 {
		status = domain.StatusProcessedWithErrors
		message = fmt.Sprintf("Processed with %d validation errors", len(rowErrs))
	}

	if err := p.persist(ctx, fileID, len(rows), valid, rowErrs, status, message); err != nil {
		return p.fail(ctx, fileID, err)
	}

	if len(rowErrs) > 0 && p.reportsDir != "" {
		if _, err := validate.SaveReport(p.reportsDir, fileID, rowErrs); err != nil {
			log.Printf("[pipeline] warn: validation report for file %d: %v", fileID, err)
		}
	}

	log.Printf("[pipeline] file %d: %s via template %s (%d/%d rows, %d errors)",
		fileID, status, tpl.TemplateID, len(valid), len(rows), len(rowErrs))
	return &Result{
		FileID:        fileID,
		Status:        status,
		TotalRows:     len(rows),
		ProcessedRows: len(valid),
		ErrorCount:    len(rowErrs),
		TemplateID:    tpl.TemplateID,
		Message:       message,
	}, nil
}

func (p *Pipeline) fail(ctx context.Context, fileID int64, cause error) (*Result, error) {
	if err := p.store.UpdateStatus(ctx, fileID, domain.StatusFailed, cause.Error()); err != nil {
		log.Printf("[pipeline] file %d: could not record failure: %v", fileID, err)
	}
	return &Result{FileID: fileID, Status: domain.StatusFailed, Message: cause.Error()}, nil
}

// persist replaces the file's rows and errors and updates its stats under a
// single transaction.
func (p *Pipeline) persist(ctx context.Context, fileID int64, totalRows int,
	rows []domain.Row, rowErrs []domain.RowError,
	status domain.FileStatus, message string) error {

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM bordereaux_rows WHERE file_id = $1`, fileID); err != nil {
		return fmt.Errorf("clear rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM bordereaux_validation_errors WHERE file_id = $1`, fileID); err != nil {
		return fmt.Errorf("clear errors: %w", err)
	}

	now := time.Now().UTC()
	for _, r := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bordereaux_rows
				(file_id, policy_number, insured_name, inception_date, expiry_date,
				 premium_amount, currency, claim_amount, commission_amount, net_premium,
				 broker_name, product_type, coverage_type, risk_location,
				 row_number, raw_data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
		`, fileID, r.PolicyNumber, r.InsuredName, r.InceptionDate, r.ExpiryDate,
			r.PremiumAmount, currencyArg(r.Currency), r.ClaimAmount, r.CommissionAmount, r.NetPremium,
			r.BrokerName, r.ProductType, r.CoverageType, r.RiskLocation,
			r.RowNumber, r.RawData, now)
		if err != nil {
			return fmt.Errorf("insert row %d: %w", r.RowNumber, err)
		}
	}

	for _, e := range rowErrs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bordereaux_validation_errors
				(file_id, row_index, error_code, error_message, field_name, field_value,
				 rule_name, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, fileID, e.RowIndex, e.ErrorCode, e.Message, e.FieldName, e.FieldValue,
			e.RuleName, now)
		if err != nil {
			return fmt.Errorf("insert validation error: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bordereaux_files
		SET status = $1, error_message = NULLIF($2, ''), total_rows = $3,
		    processed_rows = $4, processed_at = $5, updated_at = $5
		WHERE id = $6
	`, status, message, totalRows, len(rows), now, fileID)
	if err != nil {
		return fmt.Errorf("update file stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func currencyArg(c *domain.Currency) interface{} {
	if c == nil {
		return nil
	}
	return string(*c)
}

// ProcessNewFiles runs the pipeline over every received file in arrival
// order. Individual failures are recorded per file; the batch never aborts.
func (p *Pipeline) ProcessNewFiles(ctx context.Context) ([]Result, error) {
	files, err := p.store.ListByStatusAsc(ctx, domain.StatusReceived)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(files))
	for _, f := range files {
		res, err := p.ProcessFile(ctx, f.ID)
		if err != nil {
			log.Printf("[pipeline] batch: file %d: %v", f.ID, err)
			results = append(results, Result{
				FileID:  f.ID,
				Status:  domain.StatusFailed,
				Message: err.Error(),
			})
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

// InferFileType guesses a bordereau's type from an email subject. First
// matching keyword wins; an empty result means untyped.
func InferFileType(subject string) domain.FileType {
	s := strings.ToLower(subject)
	switch {
	case strings.Contains(s, "claim"):
		return domain.FileTypeClaims
	case strings.Contains(s, "premium"):
		return domain.FileTypePremium
	case strings.Contains(s, "exposure"):
		return domain.FileTypeExposure
	}
	return ""
}
