// Package normalize is the scalar normalization kernel: pure functions that
// turn heterogeneous raw cell values into dates, decimals, and currency codes.
// Every function returns nil instead of failing; bad input is never an error.
package normalize

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ignite/bordereaux/internal/domain"
)

// dateLayouts are tried in order; the first successful parse wins. Day-first
// layouts precede month-first so ambiguous values like 01/02/2024 resolve as
// 1 February.
var dateLayouts = []string{
	"2006-1-2",
	"2/1/2006",
	"1/2/2006",
	"2-1-2006",
	"2006/1/2",
	"2.1.2006",
	"2006.1.2",
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"20060102",
	"2/1/06",
	"1/2/06",
}

// ParseDate parses a cell into a calendar date (midnight UTC). Time cells are
// truncated to their date; text cells are tried against each known layout.
// Numeric and boolean cells parse to nil.
func ParseDate(c domain.Cell) *time.Time {
	switch c.Kind {
	case domain.CellTime:
		d := time.Date(c.Time.Year(), c.Time.Month(), c.Time.Day(), 0, 0, 0, 0, time.UTC)
		return &d
	case domain.CellText:
		s := strings.TrimSpace(c.Text)
		if s == "" {
			return nil
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
				return &d
			}
		}
	}
	return nil
}

// currencyTokens are stripped from numeric strings before separator analysis.
// Longer tokens first so "ZAR" is removed before the lone "R".
var currencyTokens = []string{"ZAR", "USD", "EUR", "GBP", "$", "€", "£", "¥", "₹", "R"}

// ParseDecimal parses a cell into a decimal value. Text cells may carry
// currency symbols or codes and either US (1,234.56) or European (1.234,56)
// separators; whichever of ',' and '.' occurs last is the decimal separator.
func ParseDecimal(c domain.Cell) *decimal.Decimal {
	switch c.Kind {
	case domain.CellInt:
		d := decimal.NewFromInt(c.Int)
		return &d
	case domain.CellFloat:
		d := decimal.NewFromFloat(c.Float)
		return &d
	case domain.CellText:
		return parseDecimalString(c.Text)
	}
	return nil
}

func parseDecimalString(s string) *decimal.Decimal {
	cleaned := strings.TrimSpace(s)
	if cleaned == "" {
		return nil
	}

	for _, tok := range currencyTokens {
		cleaned = strings.TrimSpace(strings.ReplaceAll(cleaned, tok, ""))
	}

	hasComma := strings.Contains(cleaned, ",")
	hasDot := strings.Contains(cleaned, ".")
	switch {
	case hasComma && hasDot:
		if strings.LastIndex(cleaned, ",") > strings.LastIndex(cleaned, ".") {
			// European: 1.234,56
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.ReplaceAll(cleaned, ",", ".")
		} else {
			// US: 1,234.56
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case hasComma:
		// Comma alone is a thousands separator.
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}

	var b strings.Builder
	for _, r := range cleaned {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	cleaned = b.String()

	if cleaned == "" || cleaned == "." || cleaned == "-" {
		return nil
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return nil
	}
	return &d
}

// currencyAliases maps common spellings to currency codes. Checked after the
// direct ISO-code match fails.
var currencyAliases = map[string]domain.Currency{
	"US DOLLAR": domain.USD,
	"US$":       domain.USD,
	"DOLLAR":    domain.USD,
	"DOLLARS":   domain.USD,
	"$":         domain.USD,

	"EURO":  domain.EUR,
	"EUROS": domain.EUR,
	"€":     domain.EUR,

	"POUND":          domain.GBP,
	"POUNDS":         domain.GBP,
	"POUND STERLING": domain.GBP,
	"£":              domain.GBP,

	"CANADIAN DOLLAR": domain.CAD,
	"CAN$":            domain.CAD,

	"AUSTRALIAN DOLLAR": domain.AUD,
	"A$":                domain.AUD,

	"YEN":  domain.JPY,
	"YENS": domain.JPY,
	"¥":    domain.JPY,

	"SWISS FRANC":  domain.CHF,
	"SWISS FRANCS": domain.CHF,

	"SOUTH AFRICAN RAND": domain.ZAR,
	"RAND":               domain.ZAR,
	"R":                  domain.ZAR,

	"NIGERIAN NAIRA": domain.NGN,
	"NAIRA":          domain.NGN,

	"GHANAIAN CEDI": domain.GHS,
	"GHANA CEDI":    domain.GHS,
	"CEDI":          domain.GHS,

	"KENYAN SHILLING": domain.KES,
	"SHILLING":        domain.KES,
}

// NormalizeCurrency resolves a cell to a currency code: direct ISO match,
// then the alias table, then partial containment as a last resort.
func NormalizeCurrency(c domain.Cell) *domain.Currency {
	if c.Kind != domain.CellText {
		return nil
	}
	v := strings.ToUpper(strings.TrimSpace(c.Text))
	if v == "" {
		return nil
	}

	for _, cur := range domain.Currencies {
		if v == string(cur) {
			out := cur
			return &out
		}
	}

	if cur, ok := currencyAliases[v]; ok {
		out := cur
		return &out
	}

	// Partial containment, accepted only because no exact match was found.
	// Aliases are scanned in sorted order so ambiguous inputs resolve the
	// same way on every run.
	for _, alias := range sortedAliases() {
		if len(alias) > 1 && (strings.Contains(v, alias) || strings.Contains(alias, v)) {
			out := currencyAliases[alias]
			return &out
		}
	}
	for _, cur := range domain.Currencies {
		if strings.Contains(v, string(cur)) {
			out := cur
			return &out
		}
	}
	return nil
}

var (
	aliasOrder     []string
	aliasOrderOnce sync.Once
)

func sortedAliases() []string {
	aliasOrderOnce.Do(func() {
		for alias := range currencyAliases {
			aliasOrder = append(aliasOrder, alias)
		}
		sort.Strings(aliasOrder)
	})
	return aliasOrder
}
