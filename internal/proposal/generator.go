package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ignite/bordereaux/internal/domain"
)

// DefaultMinConfidence is the floor below which a suggested mapping is
// dropped.
const DefaultMinConfidence = 0.30

// Generator produces mapping proposals for unmatched files and records them.
type Generator struct {
	db            *sql.DB
	dir           string
	minConfidence float64
	llm           *LLMClient
}

// Option configures a Generator.
type Option func(*Generator)

// WithLLM enables the LLM suggestion path. The heuristic remains the
// fallback for every LLM failure.
func WithLLM(c *LLMClient) Option {
	return func(g *Generator) { g.llm = c }
}

// WithMinConfidence overrides the default confidence floor.
func WithMinConfidence(v float64) Option {
	return func(g *Generator) {
		if v > 0 {
			g.minConfidence = v
		}
	}
}

// NewGenerator creates a Generator writing proposals under dir.
func NewGenerator(db *sql.DB, dir string, opts ...Option) *Generator {
	g := &Generator{db: db, dir: dir, minConfidence: DefaultMinConfidence}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Suggest computes mappings and confidence scores for the given headers.
// The LLM path is tried first when configured; any failure falls through to
// the heuristic silently (logged, never surfaced).
func (g *Generator) Suggest(ctx context.Context, headers []string, meta map[string]string) (map[string]string, map[string]float64) {
	if g.llm != nil {
		mappings, scores, err := g.llm.Suggest(ctx, headers, meta)
		if err == nil {
			filtered := make(map[string]string)
			filteredScores := make(map[string]float64)
			for col, field := range mappings {
				if scores[col] >= g.minConfidence {
					filtered[col] = field
					filteredScores[col] = scores[col]
				}
			}
			return filtered, filteredScores
		}
		log.Printf("[proposal] llm suggestion failed, using heuristic: %v", err)
	}
	return suggestHeuristic(headers, g.minConfidence)
}

// ProcessFile computes a proposal for the file, writes it to disk, and moves
// the file to new_template_required with the proposal path recorded.
func (g *Generator) ProcessFile(ctx context.Context, fileID int64, headers []string, meta map[string]string) (*domain.Proposal, error) {
	mappings, scores := g.Suggest(ctx, headers, meta)

	if meta == nil {
		meta = map[string]string{}
	}
	p := &domain.Proposal{
		FileID:           fileID,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
		FileHeaders:      headers,
		ColumnMappings:   mappings,
		ConfidenceScores: scores,
		Metadata:         meta,
	}

	path, err := g.save(p)
	if err != nil {
		return nil, err
	}

	_, err = g.db.ExecContext(ctx, `
		UPDATE bordereaux_files
		SET status = $1, proposal_path = $2, updated_at = $3
		WHERE id = $4
	`, domain.StatusNewTemplateRequired, path, time.Now().UTC(), fileID)
	if err != nil {
		return nil, fmt.Errorf("record proposal: %w", err)
	}
	return p, nil
}

// LoadProposal reads a previously written proposal file.
func LoadProposal(path string) (*domain.Proposal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read proposal: %w", err)
	}
	var p domain.Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	return &p, nil
}

func (g *Generator) save(p *domain.Proposal) (string, error) {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return "", fmt.Errorf("create proposals dir: %w", err)
	}
	name := fmt.Sprintf("proposal_%d_%s.json", p.FileID, time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(g.dir, name)

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode proposal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write proposal: %w", err)
	}
	return path, nil
}
