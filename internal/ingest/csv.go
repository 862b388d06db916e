// Package ingest reads lab results that arrive already tabulated, such as a
// bloodwork CSV exported from a patient portal.
//
// The header row names the columns; Metric and Value are required, Unit,
// Range_Low, Range_High and Date are optional. Header names are matched
// case-insensitively. Records get the same identity as records extracted from
// a PDF, so a CSV and a report for the same document never collide.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"labtools/internal/extract"
	"labtools/internal/metric"
	"labtools/internal/parse"
	"labtools/internal/record"
	"labtools/internal/rules"
	"labtools/pkg/models"
)

// Column names of a bloodwork CSV.
const (
	ColumnMetric    = "Metric"
	ColumnValue     = "Value"
	ColumnUnit      = "Unit"
	ColumnRangeLow  = "Range_Low"
	ColumnRangeHigh = "Range_High"
	ColumnDate      = "Date"
)

// ErrMissingColumn is returned when the header row lacks a required column.
var ErrMissingColumn = errors.New("missing required CSV column")

// Result is everything read from one CSV.
type Result struct {
	Records []*models.Record
	Skipped []extract.Skip
}

// CSVImporter turns CSV rows into canonical records.
type CSVImporter struct {
	parser    *parse.Parser
	extractor *extract.Extractor
}

// NewCSVImporter returns an importer using rs and p; nil arguments select the
// defaults.
func NewCSVImporter(rs *rules.Set, p *parse.Parser) *CSVImporter {
	if rs == nil {
		rs = rules.Default()
	}
	if p == nil {
		p = parse.NewParser(rs)
	}
	return &CSVImporter{parser: p, extractor: extract.NewExtractor(rs, p)}
}

// Records reads r and returns one record per accepted row. docID is the
// object key or file name the rows came from. Rows without a parsable Date
// use fallback. Rows are filtered like table rows; a RowIndex in Skipped is
// the 1-based line number in the file.
func (c *CSVImporter) Records(r io.Reader, subjectID, docID string, fallback int64) (*Result, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: header: %w", err)
	}
	cols := columnIndex(header)
	for _, required := range []string{ColumnMetric, ColumnValue} {
		if _, ok := cols[strings.ToLower(required)]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}

	res := &Result{}
	seen := make(map[string]bool)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		line, _ := reader.FieldPos(0)
		get := func(name string) string {
			if i, ok := cols[strings.ToLower(name)]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}

		name := get(ColumnMetric)
		if reason, rule, ok := c.extractor.CheckName(name); !ok {
			res.Skipped = append(res.Skipped, extract.Skip{RowIndex: line, Name: name, Reason: reason, Rule: rule})
			continue
		}
		raw := get(ColumnValue)
		value, ok := c.parser.Value(raw)
		if !ok {
			res.Skipped = append(res.Skipped, extract.Skip{RowIndex: line, Name: name, Reason: extract.SkipNoValue})
			continue
		}
		id := record.ID(name, docID)
		if seen[id] {
			res.Skipped = append(res.Skipped, extract.Skip{RowIndex: line, Name: name, Reason: extract.SkipDuplicateRow, Rule: id})
			continue
		}
		seen[id] = true

		unit := get(ColumnUnit)
		if unit == "" {
			unit = extract.DefaultUnit
		}
		res.Records = append(res.Records, &models.Record{
			SubjectID:          subjectID,
			RecordID:           id,
			Metric:             metric.Normalize(name),
			Value:              value,
			OriginalValue:      raw,
			Unit:               unit,
			RangeLow:           c.bound(get(ColumnRangeLow)),
			RangeHigh:          c.bound(get(ColumnRangeHigh)),
			SourceDocumentID:   docID,
			EffectiveTimestamp: c.parser.DateOr(get(ColumnDate), fallback),
		})
	}
	return res, nil
}

// bound cleans a reference range limit; unparsable text is dropped.
func (c *CSVImporter) bound(raw string) string {
	if v, ok := c.parser.Value(raw); ok {
		return v
	}
	return ""
}

func columnIndex(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := cols[key]; !dup {
			cols[key] = i
		}
	}
	return cols
}
