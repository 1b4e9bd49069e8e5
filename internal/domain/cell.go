package domain

import (
	"strconv"
	"time"
)

// CellKind discriminates the variants a raw spreadsheet cell can hold.
type CellKind int

const (
	CellNull CellKind = iota
	CellBool
	CellInt
	CellFloat
	CellText
	CellTime
)

// Cell is a tagged variant for one raw cell value. The parser emits Cells and
// the normalization kernel consumes them; nothing downstream sees raw bytes.
type Cell struct {
	Kind  CellKind
	Bool  bool
	Int   int64
	Float float64
	Text  string
	Time  time.Time
}

func NullCell() Cell               { return Cell{Kind: CellNull} }
func BoolCell(v bool) Cell         { return Cell{Kind: CellBool, Bool: v} }
func IntCell(v int64) Cell         { return Cell{Kind: CellInt, Int: v} }
func FloatCell(v float64) Cell     { return Cell{Kind: CellFloat, Float: v} }
func TextCell(v string) Cell       { return Cell{Kind: CellText, Text: v} }
func TimeCell(v time.Time) Cell    { return Cell{Kind: CellTime, Time: v} }

// IsNull reports whether the cell carries no value.
func (c Cell) IsNull() bool { return c.Kind == CellNull }

// String renders the cell for display and for containment in error messages.
func (c Cell) String() string {
	switch c.Kind {
	case CellBool:
		return strconv.FormatBool(c.Bool)
	case CellInt:
		return strconv.FormatInt(c.Int, 10)
	case CellFloat:
		return strconv.FormatFloat(c.Float, 'f', -1, 64)
	case CellText:
		return c.Text
	case CellTime:
		return c.Time.Format(time.RFC3339)
	}
	return ""
}

// JSONValue projects the cell onto a JSON-serializable value for the raw_data
// snapshot. Times become ISO strings; null cells become nil.
func (c Cell) JSONValue() any {
	switch c.Kind {
	case CellBool:
		return c.Bool
	case CellInt:
		return c.Int
	case CellFloat:
		return c.Float
	case CellText:
		return c.Text
	case CellTime:
		return c.Time.Format(time.RFC3339)
	}
	return nil
}
