// Package parse decodes uploaded bordereaux files (.xlsx, .xls, .csv) into a
// uniform in-memory table with normalized header names.
package parse

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/ignite/bordereaux/internal/domain"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrEmptyFile       = errors.New("file has no header row")
)

// Table is the parsed form of one file: ordered normalized headers and one
// map per data row keyed by those headers. SourceHeaders keeps the original
// spellings in the same order for template and proposal use.
type Table struct {
	Headers       []string
	SourceHeaders []string
	Rows          []map[string]domain.Cell
}

// Parser decodes file bytes by extension. Extensions not in the allow-list
// are rejected before any decoding happens.
type Parser struct {
	allowed map[string]bool
}

// New returns a Parser accepting the given extensions (without dots).
func New(allowedTypes []string) *Parser {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[strings.ToLower(strings.TrimPrefix(t, "."))] = true
	}
	return &Parser{allowed: allowed}
}

// Parse decodes data according to the extension of filename.
func (p *Parser) Parse(data []byte, filename string) (*Table, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if !p.allowed[ext] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}

	var (
		records [][]string
		err     error
	)
	switch ext {
	case "xlsx":
		records, err = readXLSX(data)
	case "xls":
		records, err = readXLS(data)
	case "csv":
		records, err = readCSV(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	return buildTable(records)
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	// First sheet only.
	return f.GetRows(sheets[0])
}

func readXLS(data []byte) ([][]string, error) {
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, err
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, errors.New("workbook has no sheets")
	}

	var records [][]string
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			records = append(records, nil)
			continue
		}
		records = append(records, xlsRowCells(row.FirstCol(), row.LastCol(), row.Col))
	}
	return records, nil
}

// xlsRowCells pads a sparse xls row with leading blanks up to FirstCol and
// reads the populated half-open range. A degenerate range yields no cells.
func xlsRowCells(first, last int, col func(int) string) []string {
	if last <= first {
		return nil
	}
	cells := make([]string, first, last)
	for j := first; j < last; j++ {
		cells = append(cells, col(j))
	}
	return cells
}

func readCSV(data []byte) ([][]string, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Skip malformed lines rather than abort.
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// decodeText tries utf-8 first, then the single-byte fallbacks in order.
// Latin-1 accepts any byte sequence, so decoding always succeeds eventually.
func decodeText(data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}
	for _, cm := range []*charmap.Charmap{charmap.ISO8859_1, charmap.Windows1252} {
		if out, err := cm.NewDecoder().Bytes(data); err == nil {
			return string(out), nil
		}
	}
	return "", errors.New("undecodable byte stream")
}

func buildTable(records [][]string) (*Table, error) {
	// Drop leading fully-empty rows before the header.
	start := 0
	for start < len(records) && emptyRecord(records[start]) {
		start++
	}
	if start >= len(records) {
		return nil, ErrEmptyFile
	}

	source := make([]string, len(records[start]))
	copy(source, records[start])
	headers := NormalizeHeaders(source)

	t := &Table{Headers: headers, SourceHeaders: source}
	for _, rec := range records[start+1:] {
		if emptyRecord(rec) {
			continue
		}
		row := make(map[string]domain.Cell, len(headers))
		for i, h := range headers {
			if i < len(rec) {
				row[h] = sniffCell(rec[i])
			} else {
				row[h] = domain.NullCell()
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func emptyRecord(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// sniffCell upgrades a raw string cell to a typed one when the text is an
// unambiguous number. Leading-zero values stay text so identifiers like
// "00123" survive intact.
func sniffCell(s string) domain.Cell {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return domain.NullCell()
	}
	if len(trimmed) > 1 && trimmed[0] == '0' && trimmed[1] != '.' {
		return domain.TextCell(trimmed)
	}
	if v, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return domain.IntCell(v)
	}
	if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return domain.FloatCell(v)
	}
	return domain.TextCell(trimmed)
}

// NormalizeHeader rewrites a header to its canonical spelling: lower-case,
// non-alphanumerics collapsed to single underscores, trimmed at both ends.
func NormalizeHeader(name string) string {
	var b strings.Builder
	prevUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if alnum {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// NormalizeHeaders normalizes every header and disambiguates collisions by
// appending _1, _2, ... in source order; the first occurrence keeps the base
// spelling.
func NormalizeHeaders(names []string) []string {
	out := make([]string, len(names))
	seen := make(map[string]int, len(names))
	for i, name := range names {
		n := NormalizeHeader(name)
		if _, ok := seen[n]; !ok {
			seen[n] = 0
			out[i] = n
			continue
		}
		// Suffixed names count as taken too, so a literal "a_1" column
		// cannot collide with a generated one.
		base := n
		for k := seen[base] + 1; ; k++ {
			seen[base] = k
			candidate := fmt.Sprintf("%s_%d", base, k)
			if _, taken := seen[candidate]; !taken {
				seen[candidate] = 0
				out[i] = candidate
				break
			}
		}
	}
	return out
}
