package template

import (
	"log"

	"github.com/ignite/bordereaux/internal/domain"
	"github.com/ignite/bordereaux/internal/parse"
)

// Match selects the template whose mapped columns best cover the given
// normalized headers. Templates are scanned in the order given (creation
// order when they come from Repository.ListActive), exact matches first,
// then a lenient pass that tolerates up to 10% extra headers. Returns nil
// when nothing qualifies.
func Match(templates []domain.Template, headers []string) *domain.Template {
	headerSet := make(map[string]bool, len(headers))
	for _, h := range headers {
		headerSet[h] = true
	}

	// Exact pass: every template key present and no extra headers.
	for i := range templates {
		t := &templates[i]
		keys := normalizedKeys(t)
		if len(keys) == 0 {
			continue
		}
		if overlap(keys, headerSet) == len(keys) && len(headers) == len(keys) {
			return t
		}
	}

	// Lenient pass: near-total key coverage with a small header surplus.
	for i := range templates {
		t := &templates[i]
		keys := normalizedKeys(t)
		if len(keys) == 0 {
			continue
		}
		m := overlap(keys, headerSet)
		if float64(m) >= 0.99*float64(len(keys)) &&
			float64(len(headers)-len(keys)) <= 0.10*float64(len(keys)) {
			if len(headers) < len(keys) {
				log.Printf("[matcher] template %s matched leniently with fewer headers (%d) than mapped columns (%d)",
					t.TemplateID, len(headers), len(keys))
			}
			return t
		}
	}
	return nil
}

// normalizedKeys returns the template's source columns in their canonical
// header spelling, deduplicated.
func normalizedKeys(t *domain.Template) []string {
	seen := make(map[string]bool, len(t.ColumnMappings))
	var keys []string
	for col := range t.ColumnMappings {
		n := parse.NormalizeHeader(col)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		keys = append(keys, n)
	}
	return keys
}

func overlap(keys []string, headerSet map[string]bool) int {
	m := 0
	for _, k := range keys {
		if headerSet[k] {
			m++
		}
	}
	return m
}
