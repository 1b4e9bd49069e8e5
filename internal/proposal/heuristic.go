// Package proposal generates draft column mappings for files that matched no
// template, either heuristically or via an LLM, and records the proposal on
// disk and against the file row.
package proposal

import (
	"strings"

	"github.com/hbollon/go-edlib"

	"github.com/ignite/bordereaux/internal/domain"
)

// fieldKeywords drives the heuristic: common spellings seen in carrier files
// for each canonical field.
var fieldKeywords = map[domain.CanonicalField][]string{
	domain.FieldPolicyNumber:     {"policy", "pol", "policy_no", "policy#", "policy number", "pol_no", "pol#"},
	domain.FieldInsuredName:      {"insured", "client", "customer", "name", "insured_name", "client_name"},
	domain.FieldInceptionDate:    {"inception", "start", "start_date", "effective", "effective_date", "incept", "commence"},
	domain.FieldExpiryDate:       {"expiry", "expire", "end", "end_date", "expiration", "exp_date"},
	domain.FieldPremiumAmount:    {"premium", "prem", "premium_amount", "premium_amt", "premium_total", "total_premium"},
	domain.FieldCurrency:         {"currency", "curr", "ccy", "currency_code", "curr_code"},
	domain.FieldClaimAmount:      {"claim", "claim_amount", "claim_amt", "claim_total", "loss", "loss_amount", "paid"},
	domain.FieldCommissionAmount: {"commission", "comm", "commission_amount", "comm_amt", "brokerage"},
	domain.FieldNetPremium:       {"net", "net_premium", "net_prem", "net_amount"},
	domain.FieldBrokerName:       {"broker", "broker_name", "brokerage", "intermediary", "agent"},
	domain.FieldProductType:      {"product", "product_type", "product_name", "line", "line_of_business"},
	domain.FieldCoverageType:     {"coverage", "cover", "coverage_type", "type", "class"},
	domain.FieldRiskLocation:     {"location", "loc", "risk_location", "address", "premises", "property"},
}

// normalizeString lower-cases and strips everything but letters, digits and
// single spaces.
func normalizeString(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastSpace = false
		case r == ' ' || r == '\t':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// fuzzyScore rates the similarity of two strings in [0,1]: exact match 1.0,
// containment 0.9, otherwise a longest-common-subsequence ratio.
func fuzzyScore(a, b string) float64 {
	na, nb := normalizeString(a), normalizeString(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1.0
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return 0.9
	}
	sim, err := edlib.StringsSimilarity(na, nb, edlib.Lcs)
	if err != nil {
		return 0
	}
	return float64(sim)
}

// keywordScore rates a column name against a field's keyword list, keeping
// the best keyword's score.
func keywordScore(column string, field domain.CanonicalField) float64 {
	col := normalizeString(column)
	if col == "" {
		return 0
	}

	best := 0.0
	for _, kw := range fieldKeywords[field] {
		k := normalizeString(kw)
		if k == col {
			return 1.0
		}
		if strings.Contains(col, k) {
			if s := min(float64(len(k))/float64(len(col)), 0.9); s > best {
				best = s
			}
		}
		if strings.Contains(k, col) {
			if s := min(float64(len(col))/float64(len(k)), 0.8); s > best {
				best = s
			}
		}
		if s := fuzzyScore(k, col) * 0.7; s > best {
			best = s
		}
	}
	return best
}

// confidence blends the fuzzy and keyword signals; keywords carry more
// weight.
func confidence(column string, field domain.CanonicalField) float64 {
	c := 0.3*fuzzyScore(column, string(field)) + 0.7*keywordScore(column, field)
	return min(c, 1.0)
}

// suggestHeuristic assigns headers to canonical fields greedily in header
// order. Each field is claimed by at most one header.
func suggestHeuristic(headers []string, minConfidence float64) (map[string]string, map[string]float64) {
	mappings := make(map[string]string)
	scores := make(map[string]float64)
	claimed := make(map[domain.CanonicalField]bool)

	for _, header := range headers {
		var best domain.CanonicalField
		bestScore := 0.0
		for _, field := range domain.CanonicalFields {
			if claimed[field] {
				continue
			}
			if c := confidence(header, field); c > bestScore && c >= minConfidence {
				bestScore = c
				best = field
			}
		}
		if best != "" {
			mappings[header] = string(best)
			scores[header] = bestScore
			claimed[best] = true
		}
	}
	return mappings, scores
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
