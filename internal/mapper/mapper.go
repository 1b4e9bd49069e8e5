// Package mapper applies a template's column mappings to a parsed table,
// producing canonical bordereaux rows.
package mapper

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/ignite/bordereaux/internal/domain"
	"github.com/ignite/bordereaux/internal/normalize"
	"github.com/ignite/bordereaux/internal/parse"
)

// MapRows converts every table row into a canonical row owned by fileID.
// Unresolvable source columns are skipped; unmapped canonical fields stay
// null. Rows are returned in table order with 1-based row numbers.
func MapRows(tbl *parse.Table, tpl *domain.Template, fileID int64) []domain.Row {
	sources := resolveSources(tbl, tpl)

	rows := make([]domain.Row, 0, len(tbl.Rows))
	for i, raw := range tbl.Rows {
		row := domain.Row{
			FileID:    fileID,
			RowNumber: i + 1,
			RawData:   rawJSON(tbl.Headers, raw),
		}
		for _, field := range domain.CanonicalFields {
			assign(&row, field, firstValue(field, sources[field], raw))
		}
		rows = append(rows, row)
	}
	return rows
}

// resolveSources maps each canonical field to the table headers feeding it,
// in template iteration order (sorted by source column, so two runs over the
// same template agree). A source column resolves to the first header that
// matches it exactly, then by containment in either direction.
func resolveSources(tbl *parse.Table, tpl *domain.Template) map[domain.CanonicalField][]string {
	cols := make([]string, 0, len(tpl.ColumnMappings))
	for col := range tpl.ColumnMappings {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	out := make(map[domain.CanonicalField][]string)
	for _, col := range cols {
		field := domain.CanonicalField(tpl.ColumnMappings[col])
		if !domain.IsCanonicalField(string(field)) {
			continue
		}
		if h := resolveHeader(parse.NormalizeHeader(col), tbl.Headers); h != "" {
			out[field] = append(out[field], h)
		}
	}
	return out
}

func resolveHeader(col string, headers []string) string {
	if col == "" {
		return ""
	}
	for _, h := range headers {
		if h == col {
			return h
		}
	}
	for _, h := range headers {
		if strings.EqualFold(h, col) {
			return h
		}
	}
	for _, h := range headers {
		if strings.Contains(h, col) || strings.Contains(col, h) {
			return h
		}
	}
	return ""
}

// value is the normalized form of one cell, at most one pointer non-nil.
type value struct {
	str *string
	dt  *time.Time
	num *float64
	cur *domain.Currency
}

func (v value) isNull() bool {
	return v.str == nil && v.dt == nil && v.num == nil && v.cur == nil
}

// firstValue normalizes the candidate cells in order and keeps the first
// non-null result.
func firstValue(field domain.CanonicalField, headers []string, raw map[string]domain.Cell) value {
	for _, h := range headers {
		cell, ok := raw[h]
		if !ok || cell.IsNull() {
			continue
		}
		if v := normalizeCell(field, cell); !v.isNull() {
			return v
		}
	}
	return value{}
}

func normalizeCell(field domain.CanonicalField, cell domain.Cell) value {
	switch domain.KindOf(field) {
	case domain.KindDate:
		return value{dt: normalize.ParseDate(cell)}
	case domain.KindDecimal:
		if d := normalize.ParseDecimal(cell); d != nil {
			f := d.InexactFloat64()
			return value{num: &f}
		}
		return value{}
	case domain.KindCurrency:
		return value{cur: normalize.NormalizeCurrency(cell)}
	default:
		if s := strings.TrimSpace(cell.String()); s != "" {
			return value{str: &s}
		}
		return value{}
	}
}

func assign(row *domain.Row, field domain.CanonicalField, v value) {
	switch field {
	case domain.FieldPolicyNumber:
		row.PolicyNumber = v.str
	case domain.FieldInsuredName:
		row.InsuredName = v.str
	case domain.FieldInceptionDate:
		row.InceptionDate = v.dt
	case domain.FieldExpiryDate:
		row.ExpiryDate = v.dt
	case domain.FieldPremiumAmount:
		row.PremiumAmount = v.num
	case domain.FieldCurrency:
		row.Currency = v.cur
	case domain.FieldClaimAmount:
		row.ClaimAmount = v.num
	case domain.FieldCommissionAmount:
		row.CommissionAmount = v.num
	case domain.FieldNetPremium:
		row.NetPremium = v.num
	case domain.FieldBrokerName:
		row.BrokerName = v.str
	case domain.FieldProductType:
		row.ProductType = v.str
	case domain.FieldCoverageType:
		row.CoverageType = v.str
	case domain.FieldRiskLocation:
		row.RiskLocation = v.str
	}
}

// rawJSON snapshots the source row in header order. Cells are projected to
// JSON-safe scalars; a marshal failure leaves an empty object rather than
// aborting the mapping.
func rawJSON(headers []string, raw map[string]domain.Cell) string {
	m := make(map[string]any, len(headers))
	for _, h := range headers {
		m[h] = raw[h].JSONValue()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}
