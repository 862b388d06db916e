package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"labtools/internal/analysis"
	"labtools/internal/blocks"
	"labtools/internal/extract"
	"labtools/internal/store"
	"labtools/pkg/models"
)

// pagedAnalyzer serves a fixed block list split into pages.
type pagedAnalyzer struct {
	status  analysis.JobStatus
	pages   [][]blocks.Block
	started []analysis.Request
}

func (a *pagedAnalyzer) StartAnalysis(ctx context.Context, req analysis.Request) (string, error) {
	a.started = append(a.started, req)
	return fmt.Sprintf("job-%d", len(a.started)), nil
}

func (a *pagedAnalyzer) GetAnalysis(ctx context.Context, jobID, token string) (*analysis.Page, error) {
	if a.status != analysis.StatusSucceeded {
		return &analysis.Page{JobStatus: a.status, StatusMessage: "scan unreadable"}, nil
	}
	idx := 0
	if token != "" {
		fmt.Sscanf(token, "page-%d", &idx)
	}
	page := &analysis.Page{JobStatus: analysis.StatusSucceeded, Blocks: a.pages[idx]}
	if idx+1 < len(a.pages) {
		page.NextToken = fmt.Sprintf("page-%d", idx+1)
	}
	return page, nil
}

func child(ids ...string) []blocks.Relationship {
	return []blocks.Relationship{{Type: blocks.RelChild, IDs: ids}}
}

func cell(id string, row, col int, words ...string) blocks.Block {
	b := blocks.Block{ID: id, Type: blocks.TypeCell, RowIndex: row, ColumnIndex: col}
	if len(words) > 0 {
		b.Relationships = child(words...)
	}
	return b
}

func word(id, text string) blocks.Block {
	return blocks.Block{ID: id, Type: blocks.TypeWord, Text: text}
}

// labReport is a one-table report split over two pages: the structure on the
// first page and every word on the second.
func labReport() [][]blocks.Block {
	structure := []blocks.Block{
		{ID: "t1", Type: blocks.TypeTable, Relationships: child("c11", "c12", "c13", "c21", "c22", "c23", "c31", "c32", "c33")},
		cell("c11", 1, 1, "w1", "w2", "w3", "w4", "w5"),
		cell("c12", 1, 2, "w6"),
		cell("c13", 1, 3, "w7"),
		cell("c21", 2, 1, "w8", "w9", "w10", "w11"),
		cell("c22", 2, 2),
		cell("c23", 2, 3),
		cell("c31", 3, 1, "w12", "w13", "w14"),
		cell("c32", 3, 2, "w15"),
		cell("c33", 3, 3, "w16"),
		{ID: "q1", Type: blocks.TypeQuery, Query: &blocks.Query{Text: "What is the specimen collection date?", Alias: analysis.DateQueryAlias},
			Relationships: []blocks.Relationship{{Type: blocks.RelAnswer, IDs: []string{"a1"}}}},
	}
	words := []blocks.Block{
		word("w1", "Testosterone,"), word("w2", "Free"), word("w3", "and"), word("w4", "Total"), word("w5", ""),
		word("w6", "750"), word("w7", "ng/dL"),
		word("w8", "Page"), word("w9", "2"), word("w10", "of"), word("w11", "4"),
		word("w12", "Vitamin"), word("w13", "D,"), word("w14", "25-Hydroxy"),
		word("w15", "42"), word("w16", "ng/mL"),
		{ID: "a1", Type: blocks.TypeQueryResult, Text: "01/10/2024"},
	}
	return [][]blocks.Block{structure, words}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Poll = analysis.PollConfig{Interval: time.Millisecond, MaxAttempts: 5, Timeout: time.Second}
	return cfg
}

func newMemoryStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProcessLabReport(t *testing.T) {
	an := &pagedAnalyzer{status: analysis.StatusSucceeded, pages: labReport()}
	st := newMemoryStore(t)
	p := NewProcessor(an, st, testConfig())
	ctx := context.Background()
	const key = "uploads/u1/1704900000_report.pdf"

	res, err := p.Process(ctx, models.DocumentEvent{Bucket: "labs", Key: key})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != StatusSuccess || res.SubjectID != "u1" || res.Written != 2 || res.RunID == "" {
		t.Errorf("Process() = %+v", res)
	}
	if len(an.started) != 1 || an.started[0].Bucket != "labs" || len(an.started[0].Queries) == 0 {
		t.Errorf("analysis requests = %+v", an.started)
	}

	stored, err := st.ListBySubject(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]models.Record{
		"TESTOSTERONE,_TOTAL_" + key:   {Metric: "TESTOSTERONE, TOTAL", Value: "750", Unit: "ng/dL"},
		"Vitamin_D,_25-Hydroxy_" + key: {Metric: "Vitamin D, 25-Hydroxy", Value: "42", Unit: "ng/mL"},
	}
	if len(stored) != len(want) {
		t.Fatalf("stored %d records, want %d: %+v", len(stored), len(want), stored)
	}
	for _, r := range stored {
		w, ok := want[r.RecordID]
		if !ok {
			t.Errorf("unexpected record %+v", r)
			continue
		}
		if r.Metric != w.Metric || r.Value != w.Value || r.Unit != w.Unit {
			t.Errorf("record %s = %+v, want %+v", r.RecordID, r, w)
		}
		if r.EffectiveTimestamp != 1704844800 || r.SourceDocumentID != key {
			t.Errorf("record %s timestamp/source = %d/%s", r.RecordID, r.EffectiveTimestamp, r.SourceDocumentID)
		}
	}

	var pageSkipped bool
	for _, s := range res.Skipped {
		if s.RowIndex == 2 && s.Reason == extract.SkipNoisePhrase {
			pageSkipped = true
		}
	}
	if !pageSkipped {
		t.Errorf("Page 2 of 4 row not skipped: %+v", res.Skipped)
	}
}

func TestReprocessingIsIdempotent(t *testing.T) {
	an := &pagedAnalyzer{status: analysis.StatusSucceeded, pages: labReport()}
	st := newMemoryStore(t)
	p := NewProcessor(an, st, testConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := p.Process(ctx, models.DocumentEvent{Bucket: "labs", Key: "uploads/u1/a.pdf"}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if got, _ := st.ListBySubject(ctx, "u1"); len(got) != 2 {
		t.Errorf("after reprocessing: %d records, want 2", len(got))
	}

	if _, err := p.Process(ctx, models.DocumentEvent{Bucket: "labs", Key: "uploads/u1/b.pdf"}); err != nil {
		t.Fatal(err)
	}
	if got, _ := st.ListBySubject(ctx, "u1"); len(got) != 4 {
		t.Errorf("after second document: %d records, want 4", len(got))
	}
}

func TestPaginationIsCompleteBeforeExtraction(t *testing.T) {
	an := &pagedAnalyzer{status: analysis.StatusSucceeded, pages: labReport()}
	p := NewProcessor(an, nil, testConfig())

	partial, err := p.Extract(context.Background(), an.pages[0], "u1", "doc.pdf", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(partial.Records) != 0 {
		t.Fatalf("first page alone produced records: %+v", partial.Records)
	}

	res, err := p.Process(context.Background(), models.DocumentEvent{Bucket: "labs", Key: "uploads/u1/doc.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 2 || res.Written != 0 {
		t.Errorf("Process() = %d records, %d written", len(res.Records), res.Written)
	}
}

func TestFailedJobWritesNothing(t *testing.T) {
	an := &pagedAnalyzer{status: analysis.StatusFailed}
	st := newMemoryStore(t)
	p := NewProcessor(an, st, testConfig())

	res, err := p.Process(context.Background(), models.DocumentEvent{Bucket: "labs", Key: "uploads/u9/x.pdf"})
	if !errors.Is(err, ErrAnalysisFailed) || !errors.Is(err, analysis.ErrJobFailed) {
		t.Fatalf("Process error = %v", err)
	}
	if res.Status != StatusFailed || res.Message == "" {
		t.Errorf("Process() = %+v", res)
	}
	if got, _ := st.ListBySubject(context.Background(), "u9"); len(got) != 0 {
		t.Errorf("failed job wrote %d records", len(got))
	}
}

func TestPollTimeoutIsReported(t *testing.T) {
	an := &pagedAnalyzer{status: analysis.StatusInProgress}
	p := NewProcessor(an, nil, testConfig())

	_, err := p.Process(context.Background(), models.DocumentEvent{Bucket: "labs", Key: "uploads/u1/x.pdf"})
	if !errors.Is(err, analysis.ErrPollTimeout) {
		t.Errorf("Process error = %v, want ErrPollTimeout", err)
	}
}

type flakyStore struct {
	attempted int
}

func (f *flakyStore) BatchPut(ctx context.Context, records []*models.Record) error {
	f.attempted += len(records)
	return &store.BatchError{
		Failed:  []store.RecordFailure{{SubjectID: records[0].SubjectID, RecordID: records[0].RecordID, Err: errors.New("throttled")}},
		Written: len(records) - 1,
	}
}

func TestStorageFailurePropagates(t *testing.T) {
	an := &pagedAnalyzer{status: analysis.StatusSucceeded, pages: labReport()}
	fs := &flakyStore{}
	p := NewProcessor(an, fs, testConfig())

	res, err := p.Process(context.Background(), models.DocumentEvent{Bucket: "labs", Key: "uploads/u1/x.pdf"})
	if !errors.Is(err, ErrStoreFailed) || !errors.Is(err, store.ErrWriteFailed) {
		t.Fatalf("Process error = %v", err)
	}
	if fs.attempted != 2 || res.Written != 1 || res.Status != StatusFailed {
		t.Errorf("attempted %d, result %+v", fs.attempted, res)
	}
}

func TestNonDocumentIsSkipped(t *testing.T) {
	an := &pagedAnalyzer{status: analysis.StatusSucceeded, pages: labReport()}
	p := NewProcessor(an, nil, testConfig())

	res, err := p.Process(context.Background(), models.DocumentEvent{Bucket: "labs", Key: "uploads/u1/notes.txt"})
	if err != nil || res.Status != StatusSkipped {
		t.Errorf("Process() = %+v, %v", res, err)
	}
	if len(an.started) != 0 {
		t.Error("analysis started for a non-document key")
	}
}

func TestDuplicateMetricFirstRowWins(t *testing.T) {
	list := []blocks.Block{
		{ID: "t", Type: blocks.TypeTable, Relationships: child("a1", "a2", "b1", "b2")},
		cell("a1", 1, 1, "n1"), cell("a2", 1, 2, "v1"),
		cell("b1", 2, 1, "n2"), cell("b2", 2, 2, "v2"),
		word("n1", "TSH"), word("v1", "2.1"),
		word("n2", "tsh"), word("v2", "9.9"),
	}
	p := NewProcessor(&pagedAnalyzer{}, nil, testConfig())

	ex, err := p.Extract(context.Background(), list, "u1", "d.pdf", 1700000000)
	if err != nil {
		t.Fatal(err)
	}
	if len(ex.Records) != 1 || ex.Records[0].Value != "2.1" {
		t.Errorf("records = %+v", ex.Records)
	}
	if len(ex.Skipped) != 1 || ex.Skipped[0].Reason != extract.SkipDuplicateRow {
		t.Errorf("skipped = %+v", ex.Skipped)
	}
	if ex.DateSource != "fallback" || ex.Records[0].EffectiveTimestamp != 1700000000 {
		t.Errorf("date = %d (%s)", ex.Date, ex.DateSource)
	}
}

func TestSubjectID(t *testing.T) {
	tests := map[string]string{
		"uploads/u1/1704900000_report.pdf": "u1",
		"uploads/u1":                       "u1",
		"report.pdf":                       UnknownSubject,
		"uploads//report.pdf":              UnknownSubject,
		"":                                 UnknownSubject,
	}
	for key, want := range tests {
		if got := SubjectID(key); got != want {
			t.Errorf("SubjectID(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestIsDocument(t *testing.T) {
	tests := map[string]bool{
		"uploads/u1/a.pdf": true,
		"uploads/u1/A.PDF": true,
		"a.pdf.txt":        false,
		"uploads/u1/":      false,
		"scan.png":         false,
	}
	for key, want := range tests {
		if got := IsDocument(key); got != want {
			t.Errorf("IsDocument(%q) = %v, want %v", key, got, want)
		}
	}
}

type memObjects map[string]string // key: bucket/name

func (m memObjects) Read(ctx context.Context, bucket, name string) ([]byte, error) {
	data, ok := m[bucket+"/"+name]
	if !ok {
		return nil, errors.New("object not found")
	}
	return []byte(data), nil
}

func TestProcessCSVExport(t *testing.T) {
	const key = "uploads/u7/1704900000_bloodwork.csv"
	objects := memObjects{"labs/" + key: "Metric,Value,Unit,Range_Low,Range_High\nTSH,2.1,uIU/mL,0.4,4.5\nNotes,see comment,,,\n"}
	an := &pagedAnalyzer{status: analysis.StatusSucceeded}
	st := newMemoryStore(t)
	cfg := testConfig()
	cfg.Objects = objects
	p := NewProcessor(an, st, cfg)

	res, err := p.Process(context.Background(), models.DocumentEvent{Bucket: "labs", Key: key})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != StatusSuccess || res.SubjectID != "u7" || res.Written != 1 || len(res.Skipped) != 1 {
		t.Errorf("Process() = %+v", res)
	}
	if len(an.started) != 0 {
		t.Error("CSV export went through document analysis")
	}

	r, err := st.Get(context.Background(), "u7", "Tsh_"+key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Value != "2.1" || r.RangeLow != "0.4" || r.RangeHigh != "4.5" || r.SourceDocumentID != key {
		t.Errorf("stored record = %+v", r)
	}
}

func TestProcessCSVReadFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Objects = memObjects{}
	p := NewProcessor(&pagedAnalyzer{}, nil, cfg)

	res, err := p.Process(context.Background(), models.DocumentEvent{Bucket: "labs", Key: "uploads/u7/gone.csv"})
	if err == nil || res.Status != StatusFailed {
		t.Errorf("Process() = %+v, %v; want failure", res, err)
	}
}

func TestCSVSkippedWithoutObjectReader(t *testing.T) {
	p := NewProcessor(&pagedAnalyzer{}, nil, testConfig())
	if p.Accepts("uploads/u1/labs.csv") {
		t.Error("Accepts(csv) without an object reader")
	}
	res, err := p.Process(context.Background(), models.DocumentEvent{Bucket: "labs", Key: "uploads/u1/labs.csv"})
	if err != nil || res.Status != StatusSkipped {
		t.Errorf("Process() = %+v, %v", res, err)
	}

	cfg := testConfig()
	cfg.Objects = memObjects{}
	if !NewProcessor(&pagedAnalyzer{}, nil, cfg).Accepts("uploads/u1/LABS.CSV") {
		t.Error("Accepts(csv) with an object reader = false")
	}
}

// countedError reports a partial failure without being a store.BatchError.
type countedError struct{ failed int }

func (e *countedError) Error() string    { return fmt.Sprintf("%d records rejected", e.failed) }
func (e *countedError) FailedCount() int { return e.failed }

type countingStore struct{ err error }

func (s *countingStore) BatchPut(ctx context.Context, records []*models.Record) error { return s.err }

func TestWrittenCountUsesFailureCounter(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"partial", &countedError{failed: 1}, 1},
		{"opaque error fails all", errors.New("disk full"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			an := &pagedAnalyzer{status: analysis.StatusSucceeded, pages: labReport()}
			p := NewProcessor(an, &countingStore{err: tt.err}, testConfig())

			res, err := p.Process(context.Background(), models.DocumentEvent{Bucket: "labs", Key: "uploads/u1/x.pdf"})
			if !errors.Is(err, ErrStoreFailed) {
				t.Fatalf("Process error = %v", err)
			}
			if res.Written != tt.want {
				t.Errorf("Written = %d, want %d", res.Written, tt.want)
			}
		})
	}
}

func TestNewProcessorDefaultsPollConfig(t *testing.T) {
	p := NewProcessor(&pagedAnalyzer{}, nil, Config{})
	if got := p.config.Poll; got != analysis.DefaultPollConfig() {
		t.Errorf("Poll = %+v, want defaults", got)
	}
}
