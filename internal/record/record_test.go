package record

import (
	"testing"

	"labtools/internal/blocks"
	"labtools/internal/extract"
	"labtools/internal/parse"
	"labtools/internal/rules"
)

func TestID(t *testing.T) {
	tests := []struct {
		name, doc, want string
	}{
		{"Vitamin D, 25-Hydroxy", "uploads/u1/report.pdf", "Vitamin_D,_25-Hydroxy_uploads/u1/report.pdf"},
		{"Testosterone, Free and Total", "a.pdf", "TESTOSTERONE,_TOTAL_a.pdf"},
		{"  hemoglobin   a1c ", "a.pdf", "Hemoglobin_A1C_a.pdf"},
	}
	for _, tt := range tests {
		if got := ID(tt.name, tt.doc); got != tt.want {
			t.Errorf("ID(%q, %q) = %q, want %q", tt.name, tt.doc, got, tt.want)
		}
	}
}

func TestIDStableAcrossSpellings(t *testing.T) {
	a := ID("Testosterone, Total, LC/MS", "doc.pdf")
	b := ID("TESTOSTERONE ,TOTAL", "doc.pdf")
	if a != b {
		t.Errorf("same metric produced %q and %q", a, b)
	}
	if ID("TSH", "one.pdf") == ID("TSH", "two.pdf") {
		t.Error("different documents must produce different ids")
	}
}

func TestAssemble(t *testing.T) {
	f := extract.Field{RawName: "Ferritin", Value: "15", OriginalValue: "<15", Unit: "ng/mL"}
	r := Assemble(f, "u1", "uploads/u1/x.pdf", 1704844800)
	if r.SubjectID != "u1" || r.Metric != "Ferritin" || r.Value != "15" || r.OriginalValue != "<15" {
		t.Errorf("Assemble() = %+v", r)
	}
	if r.RecordID != "Ferritin_uploads/u1/x.pdf" || r.SourceDocumentID != "uploads/u1/x.pdf" {
		t.Errorf("Assemble() identity = %+v", r)
	}
	if got := r.EffectiveTime().Format("2006-01-02"); got != "2024-01-10" {
		t.Errorf("EffectiveTime() = %s", got)
	}
}

func TestDocumentDate(t *testing.T) {
	rs := rules.Default()
	p := parse.NewParser(rs)
	const fallback = int64(1700000000)

	query := []blocks.Block{
		{ID: "q", Type: blocks.TypeQuery, Query: &blocks.Query{Text: "Collection date?", Alias: "COLLECTION_DATE"},
			Relationships: []blocks.Relationship{{Type: blocks.RelAnswer, IDs: []string{"a"}}}},
		{ID: "a", Type: blocks.TypeQueryResult, Text: "01/10/2024"},
		{ID: "l", Type: blocks.TypeLine, Text: "Collected: 02/02/2023"},
	}
	if ts, src := DocumentDate(blocks.NewGraph(query), p, rs, fallback); ts != 1704844800 || src != DateFromQuery {
		t.Errorf("query date = %d, %s", ts, src)
	}

	lines := []blocks.Block{
		{ID: "l1", Type: blocks.TypeLine, Text: "Reported 03/03/2023"},
		{ID: "l2", Type: blocks.TypeLine, Text: "Date Collected: 02/02/2023 09:15"},
	}
	if ts, src := DocumentDate(blocks.NewGraph(lines), p, rs, fallback); ts != 1675296000 || src != DateFromLine {
		t.Errorf("line date = %d, %s", ts, src)
	}

	unknown := []blocks.Block{
		{ID: "q", Type: blocks.TypeQuery, Relationships: []blocks.Relationship{{Type: blocks.RelAnswer, IDs: []string{"a"}}}},
		{ID: "a", Type: blocks.TypeQueryResult, Text: "UNKNOWN"},
	}
	if ts, src := DocumentDate(blocks.NewGraph(unknown), p, rs, fallback); ts != fallback || src != DateFromFallback {
		t.Errorf("fallback date = %d, %s", ts, src)
	}
}
