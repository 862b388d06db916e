// Package extract walks reconstructed lab-report tables and emits candidate
// measurements.
//
// Column 1 holds the test name. The value is taken from column 2, or from
// column 3 when column 2 holds nothing parseable, which covers the common
// vendor layouts without per-vendor code. Rows that fail any filter are
// skipped with a reason and never raise an error.
package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"labtools/internal/parse"
	"labtools/internal/rules"
	"labtools/internal/tables"
)

const (
	// DefaultUnit is stored when the row has no recognisable unit column.
	DefaultUnit = "extracted"

	MinNameLength = 3
	MaxNameLength = 60

	nameColumn = 1
)

// ValueColumns are tried in order; the first valid parse wins.
var ValueColumns = []int{2, 3}

// SkipReason names the filter that rejected a row.
type SkipReason string

const (
	SkipShortName    SkipReason = "short_name"
	SkipNumericName  SkipReason = "numeric_name"
	SkipLongName     SkipReason = "long_name"
	SkipNoisePhrase  SkipReason = "noise_phrase"
	SkipNoValue      SkipReason = "no_value"
	SkipMissingRow   SkipReason = "missing_row"
	SkipDuplicateRow SkipReason = "duplicate_metric"
)

var (
	numericName = regexp.MustCompile(`^[0-9.\-]+$`)
	unitShape   = regexp.MustCompile(`^[A-Za-zµμ%][A-Za-z0-9µμ%/^*.\-\s]*$|^/[A-Za-z]+$`)
)

const maxUnitLength = 20

// Field is one accepted row before name normalization.
type Field struct {
	RawName            string
	RawValueCandidates []string
	RowIndex           int

	// Value is the cleaned numeric string from the winning candidate.
	Value string
	// OriginalValue is the raw text of the winning candidate.
	OriginalValue string
	ValueColumn   int
	Unit          string
}

// Skip records a rejected row.
type Skip struct {
	RowIndex int
	Name     string
	Reason   SkipReason
	Rule     string
}

// Extractor applies the row filters.
type Extractor struct {
	rules  *rules.Set
	parser *parse.Parser
}

// NewExtractor returns an extractor for rs and p; nil arguments select the
// defaults.
func NewExtractor(rs *rules.Set, p *parse.Parser) *Extractor {
	if rs == nil {
		rs = rules.Default()
	}
	if p == nil {
		p = parse.NewParser(rs)
	}
	return &Extractor{rules: rs, parser: p}
}

// CheckName applies the name filters and returns the reason and matching rule
// when name is rejected.
func (e *Extractor) CheckName(name string) (SkipReason, string, bool) {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	switch {
	case n < MinNameLength:
		return SkipShortName, "", false
	case numericName.MatchString(strings.ReplaceAll(name, " ", "")):
		return SkipNumericName, "", false
	case n > MaxNameLength:
		return SkipLongName, "", false
	}
	if rule := e.rules.NoiseMatch(name); rule != "" {
		return SkipNoisePhrase, rule, false
	}
	return "", "", true
}

// Fields scans rows 1..MaxRow of one table and returns the accepted fields and
// the skipped rows, both in row order.
func (e *Extractor) Fields(cells tables.CellMap) ([]Field, []Skip) {
	var fields []Field
	var skips []Skip
	maxRow := cells.MaxRow()
	for r := 1; r <= maxRow; r++ {
		f, skip, ok := e.Row(cells, r)
		if !ok {
			skips = append(skips, skip)
			continue
		}
		fields = append(fields, f)
	}
	return fields, skips
}

// Row evaluates a single row.
func (e *Extractor) Row(cells tables.CellMap, row int) (Field, Skip, bool) {
	rawName, present := cells[tables.Position{Row: row, Column: nameColumn}]
	name := strings.TrimSpace(rawName)
	if !present {
		return Field{}, Skip{RowIndex: row, Reason: SkipMissingRow}, false
	}
	if reason, rule, ok := e.CheckName(name); !ok {
		return Field{}, Skip{RowIndex: row, Name: name, Reason: reason, Rule: rule}, false
	}

	f := Field{RawName: name, RowIndex: row, Unit: DefaultUnit}
	for _, col := range ValueColumns {
		raw := strings.TrimSpace(cells.Text(row, col))
		if raw == "" {
			continue
		}
		f.RawValueCandidates = append(f.RawValueCandidates, raw)
		if f.Value != "" {
			continue
		}
		if v, ok := e.parser.Value(raw); ok {
			f.Value = v
			f.OriginalValue = raw
			f.ValueColumn = col
		}
	}
	if f.Value == "" {
		return Field{}, Skip{RowIndex: row, Name: name, Reason: SkipNoValue}, false
	}
	if unit := strings.TrimSpace(cells.Text(row, f.ValueColumn+1)); e.looksLikeUnit(unit) {
		f.Unit = unit
	}
	return f, Skip{}, true
}

// looksLikeUnit accepts short unit-shaped text such as "ng/dL", "%" or
// "x10E3/uL" and rejects result flags and reference ranges.
func (e *Extractor) looksLikeUnit(text string) bool {
	if text == "" || utf8.RuneCountInString(text) > maxUnitLength {
		return false
	}
	if e.rules.IsResultFlag(text) || e.rules.IsNoise(text) {
		return false
	}
	return unitShape.MatchString(text)
}
