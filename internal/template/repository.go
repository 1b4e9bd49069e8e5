// Package template manages bordereaux mapping templates: a Postgres-backed
// repository with JSON sidecar files, and the matcher that selects a template
// for a parsed file's headers.
package template

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/bordereaux/internal/domain"
)

var (
	ErrNotFound = errors.New("template not found")
	ErrConflict = errors.New("template id already exists")
)

// Repository owns the templates table and the sidecar directory. The DB is
// authoritative; sidecar writes that fail only log a warning.
type Repository struct {
	db  *sql.DB
	dir string
}

// NewRepository creates a Repository writing sidecars under dir.
func NewRepository(db *sql.DB, dir string) *Repository {
	return &Repository{db: db, dir: dir}
}

// sidecar is the on-disk JSON form of a template.
type sidecar struct {
	TemplateID     string            `json:"template_id"`
	Name           string            `json:"name"`
	Carrier        string            `json:"carrier,omitempty"`
	FileType       string            `json:"file_type"`
	Pattern        string            `json:"pattern,omitempty"`
	ColumnMappings map[string]string `json:"column_mappings"`
	Version        string            `json:"version"`
	// Pointer so a sidecar that omits the flag defaults to active.
	Active *bool `json:"active_flag,omitempty"`
}

// Create inserts a template and writes its sidecar. A duplicate template_id
// returns ErrConflict.
func (r *Repository) Create(ctx context.Context, t *domain.Template) error {
	if t.Version == "" {
		t.Version = "1.0.0"
	}
	mappings, err := json.Marshal(t.ColumnMappings)
	if err != nil {
		return fmt.Errorf("marshal mappings: %w", err)
	}

	t.JSONFilePath = r.sidecarPath(t.TemplateID)
	now := time.Now().UTC()
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO templates
			(template_id, name, carrier, file_type, pattern, column_mappings,
			 version, active_flag, json_file_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id
	`, t.TemplateID, t.Name, t.Carrier, t.FileType, t.Pattern, mappings,
		t.Version, t.Active, t.JSONFilePath, now).Scan(&t.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert template: %w", err)
	}
	t.CreatedAt = now
	t.UpdatedAt = now

	r.writeSidecar(t)
	return nil
}

// Update rewrites a template row by template_id and refreshes its sidecar.
func (r *Repository) Update(ctx context.Context, t *domain.Template) error {
	mappings, err := json.Marshal(t.ColumnMappings)
	if err != nil {
		return fmt.Errorf("marshal mappings: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE templates
		SET name = $1, carrier = $2, file_type = $3, pattern = $4,
		    column_mappings = $5, version = $6, active_flag = $7, updated_at = $8
		WHERE template_id = $9
	`, t.Name, t.Carrier, t.FileType, t.Pattern, mappings, t.Version, t.Active,
		time.Now().UTC(), t.TemplateID)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	t.JSONFilePath = r.sidecarPath(t.TemplateID)
	r.writeSidecar(t)
	return nil
}

// Delete removes the template row and its sidecar. A missing sidecar is not
// an error.
func (r *Repository) Delete(ctx context.Context, templateID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM templates WHERE template_id = $1`, templateID)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	if err := os.Remove(r.sidecarPath(templateID)); err != nil && !os.IsNotExist(err) {
		log.Printf("[template] warn: remove sidecar for %s: %v", templateID, err)
	}
	return nil
}

const templateColumns = `id, template_id, name, COALESCE(carrier,''), file_type,
	COALESCE(pattern,''), column_mappings, version, active_flag,
	COALESCE(json_file_path,''), created_at, updated_at`

func scanTemplate(row interface{ Scan(...any) error }) (*domain.Template, error) {
	t := &domain.Template{}
	var mappings []byte
	err := row.Scan(
		&t.ID, &t.TemplateID, &t.Name, &t.Carrier, &t.FileType,
		&t.Pattern, &mappings, &t.Version, &t.Active,
		&t.JSONFilePath, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	if err := json.Unmarshal(mappings, &t.ColumnMappings); err != nil {
		return nil, fmt.Errorf("decode mappings for %s: %w", t.TemplateID, err)
	}
	return t, nil
}

// Get returns the template with the given template_id.
func (r *Repository) Get(ctx context.Context, templateID string) (*domain.Template, error) {
	return scanTemplate(r.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE template_id = $1`, templateID))
}

// List returns every template, newest first.
func (r *Repository) List(ctx context.Context) ([]domain.Template, error) {
	return r.query(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY created_at DESC`)
}

// ListActive returns active templates in creation order, optionally filtered
// by file type. The matcher scans them in this order, so the oldest matching
// template wins ties.
func (r *Repository) ListActive(ctx context.Context, fileType domain.FileType) ([]domain.Template, error) {
	if fileType != "" {
		return r.query(ctx,
			`SELECT `+templateColumns+` FROM templates
			 WHERE active_flag = true AND file_type = $1 ORDER BY created_at ASC`,
			fileType)
	}
	return r.query(ctx,
		`SELECT `+templateColumns+` FROM templates
		 WHERE active_flag = true ORDER BY created_at ASC`)
}

func (r *Repository) query(ctx context.Context, q string, args ...interface{}) ([]domain.Template, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var out []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SeedFromDir registers any sidecar files in the repository directory whose
// template_id is not yet in the DB. Returns the number of templates added.
func (r *Repository) SeedFromDir(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read templates dir: %w", err)
	}

	added := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[template] warn: read sidecar %s: %v", path, err)
			continue
		}
		var sc sidecar
		if err := json.Unmarshal(data, &sc); err != nil {
			log.Printf("[template] warn: decode sidecar %s: %v", path, err)
			continue
		}
		if sc.TemplateID == "" || len(sc.ColumnMappings) == 0 {
			log.Printf("[template] warn: sidecar %s missing template_id or mappings", path)
			continue
		}

		active := true
		if sc.Active != nil {
			active = *sc.Active
		}
		t := &domain.Template{
			TemplateID:     sc.TemplateID,
			Name:           sc.Name,
			Carrier:        sc.Carrier,
			FileType:       domain.ParseFileType(sc.FileType),
			Pattern:        sc.Pattern,
			ColumnMappings: sc.ColumnMappings,
			Version:        sc.Version,
			Active:         active,
		}
		err = r.Create(ctx, t)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return added, fmt.Errorf("seed %s: %w", sc.TemplateID, err)
		}
		added++
	}
	return added, nil
}

func (r *Repository) sidecarPath(templateID string) string {
	return filepath.Join(r.dir, templateID+".json")
}

// writeSidecar mirrors the template to disk. The DB row is already committed;
// a failed mirror is logged, not returned.
func (r *Repository) writeSidecar(t *domain.Template) {
	active := t.Active
	sc := sidecar{
		TemplateID:     t.TemplateID,
		Name:           t.Name,
		Carrier:        t.Carrier,
		FileType:       string(t.FileType),
		Pattern:        t.Pattern,
		ColumnMappings: t.ColumnMappings,
		Version:        t.Version,
		Active:         &active,
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		log.Printf("[template] warn: encode sidecar for %s: %v", t.TemplateID, err)
		return
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		log.Printf("[template] warn: create templates dir: %v", err)
		return
	}
	if err := os.WriteFile(r.sidecarPath(t.TemplateID), data, 0o644); err != nil {
		log.Printf("[template] warn: write sidecar for %s: %v", t.TemplateID, err)
	}
}
