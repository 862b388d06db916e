// Package record turns extracted fields into canonical records.
package record

import (
	"labtools/internal/blocks"
	"labtools/internal/extract"
	"labtools/internal/metric"
	"labtools/internal/parse"
	"labtools/internal/rules"
	"labtools/pkg/models"
)

// DateSource tells where a document date came from.
type DateSource string

const (
	DateFromQuery    DateSource = "query"
	DateFromLine     DateSource = "line"
	DateFromFallback DateSource = "fallback"
)

// ID returns the record identity for a metric extracted from docID. It is the
// metric key, an underscore, then docID verbatim.
func ID(metricName, docID string) string {
	return metric.Key(metricName) + "_" + docID
}

// Assemble builds the canonical record for one accepted field.
func Assemble(f extract.Field, subjectID, docID string, ts int64) *models.Record {
	return &models.Record{
		SubjectID:          subjectID,
		RecordID:           ID(f.RawName, docID),
		Metric:             metric.Normalize(f.RawName),
		Value:              f.Value,
		OriginalValue:      f.OriginalValue,
		Unit:               f.Unit,
		SourceDocumentID:   docID,
		EffectiveTimestamp: ts,
	}
}

// DocumentDate resolves the single collection timestamp shared by every
// record of a document. Query answers are tried first, then LINE blocks that
// carry a date label, then fallback.
func DocumentDate(g *blocks.Graph, p *parse.Parser, rs *rules.Set, fallback int64) (int64, DateSource) {
	for _, qa := range g.QueryAnswers() {
		if ts, ok := p.Date(qa.Answer); ok {
			return ts, DateFromQuery
		}
	}
	for _, line := range g.Lines() {
		if !rs.HasDateLabel(line) {
			continue
		}
		if ts, ok := p.Date(line); ok {
			return ts, DateFromLine
		}
	}
	return fallback, DateFromFallback
}
