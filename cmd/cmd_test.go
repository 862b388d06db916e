package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"labtools/internal/analysis"
	"labtools/internal/config"
	"labtools/internal/ingest"
	"labtools/internal/pipeline"
	"labtools/internal/store"
	"labtools/pkg/models"
)

func TestEventFromArgs(t *testing.T) {
	ev, err := eventFromArgs([]string{"gs://labs/uploads/s1/report.pdf"})
	if err != nil || ev.Bucket != "labs" || ev.Key != "uploads/s1/report.pdf" {
		t.Errorf("eventFromArgs(uri) = %+v, %v", ev, err)
	}
	ev, err = eventFromArgs([]string{"labs", "uploads/s1/report.pdf"})
	if err != nil || ev.Bucket != "labs" || ev.Key != "uploads/s1/report.pdf" {
		t.Errorf("eventFromArgs(bucket, key) = %+v, %v", ev, err)
	}
	for _, args := range [][]string{{"labs/report.pdf"}, {"gs://labs"}, {"gs://labs/"}, {"", "k"}} {
		if _, err := eventFromArgs(args); err == nil {
			t.Errorf("eventFromArgs(%q) succeeded, want error", args)
		}
	}
}

func TestUploadObjectName(t *testing.T) {
	now := time.Unix(1704844800, 0)
	if got := uploadObjectName("subject-42", "report.PDF", pipeline.DocumentExtension, now); got != "uploads/subject-42/1704844800_report.PDF" {
		t.Errorf("uploadObjectName() = %q", got)
	}
	if got := uploadObjectName("subject-42", "labs.csv", pipeline.CSVExtension, now); !pipeline.IsCSV(got) || pipeline.SubjectID(got) != "subject-42" {
		t.Errorf("uploadObjectName(csv) = %q", got)
	}
	got := uploadObjectName("subject-42", "scan", pipeline.DocumentExtension, now)
	if got != "uploads/subject-42/1704844800_scan.pdf" {
		t.Errorf("uploadObjectName(no ext) = %q", got)
	}
	if pipeline.SubjectID(got) != "subject-42" || !pipeline.IsDocument(got) {
		t.Errorf("%q does not round-trip through the trigger rules", got)
	}
}

func TestValidateSubject(t *testing.T) {
	if err := validateSubject("subject-42"); err != nil {
		t.Errorf("validateSubject() = %v", err)
	}
	for _, bad := range []string{"", "  ", "a/b"} {
		if err := validateSubject(bad); err == nil {
			t.Errorf("validateSubject(%q) succeeded", bad)
		}
	}
}

func TestInspectPDFRejectsBadInput(t *testing.T) {
	if _, err := inspectPDF(nil); err == nil {
		t.Error("inspectPDF(nil) succeeded")
	}
	if _, err := inspectPDF([]byte("this is not a pdf")); err == nil {
		t.Error("inspectPDF(text) succeeded")
	}
	if _, err := inspectPDF(make([]byte, MaxUploadBytes+1)); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("inspectPDF(oversized) = %v", err)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"yes\n", true},
		{"  yes  \n", true},
		{"yes", true},
		{"y\n", false},
		{"YES\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got, err := confirm(strings.NewReader(tt.input), &out, "Sure? ")
		if err != nil || got != tt.want {
			t.Errorf("confirm(%q) = %v, %v; want %v", tt.input, got, err, tt.want)
		}
		if out.String() != "Sure? " {
			t.Errorf("prompt = %q", out.String())
		}
	}
}

func TestHandleProcessingError(t *testing.T) {
	log := zerolog.Nop()
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", config.ErrMissingSetting), "configuration incomplete"},
		{analysis.NewAnalysisError("Wait", analysis.ErrPollTimeout, "gave up"), "POLL_TIMEOUT"},
		{analysis.NewAnalysisError("Wait", analysis.ErrJobFailed, "bad scan"), "no records were written"},
		{analysis.NewAnalysisError("Collect", analysis.ErrPaginationLoop, ""), "paged completely"},
		{&pipeline.ProcessingError{Op: "store", Err: errors.New("disk full")}, "rerun the document"},
		{context.Canceled, "canceled"},
		{errors.New("boom"), "processing failed: boom"},
	}
	for _, tt := range tests {
		got := handleProcessingError(tt.err, log)
		if got == nil || !strings.Contains(got.Error(), tt.want) {
			t.Errorf("handleProcessingError(%v) = %v, want it to mention %q", tt.err, got, tt.want)
		}
	}
}

type countingProcessor struct {
	mu    sync.Mutex
	calls int
}

func (c *countingProcessor) Process(_ context.Context, ev models.DocumentEvent) (*pipeline.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if strings.Contains(ev.Key, "broken") {
		return &pipeline.Result{Status: pipeline.StatusFailed}, errors.New("analysis failed")
	}
	return &pipeline.Result{
		Status:  pipeline.StatusSuccess,
		Records: []*models.Record{{RecordID: "a"}, {RecordID: "b"}},
	}, nil
}

func TestProcessInParallelKeepsOrderAndIsolatesFailures(t *testing.T) {
	var events []models.DocumentEvent
	for i := 0; i < 9; i++ {
		key := fmt.Sprintf("uploads/s1/report-%d.pdf", i)
		if i == 4 {
			key = "uploads/s1/broken.pdf"
		}
		events = append(events, models.DocumentEvent{Bucket: "labs", Key: key})
	}

	p := &countingProcessor{}
	results := processInParallel(context.Background(), p, events, 3, zerolog.Nop())

	if p.calls != len(events) {
		t.Errorf("processor called %d times, want %d", p.calls, len(events))
	}
	for i, r := range results {
		if r.Key != events[i].Key {
			t.Errorf("results[%d].Key = %q, want %q", i, r.Key, events[i].Key)
		}
	}
	if results[4].Status != pipeline.StatusFailed || results[4].Error == "" {
		t.Errorf("broken document result = %+v", results[4])
	}

	s := summarize("gs://labs/uploads/", results, time.Second)
	if s.Succeeded != 8 || s.Failed != 1 || s.Records != 16 {
		t.Errorf("summary = %+v", s)
	}
}

func TestExtractCommandOffline(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "records.json")
	t.Setenv("RECORDS_DB_PATH", filepath.Join(dir, "records.db"))

	rootCmd.SetArgs([]string{
		"extract", filepath.Join("testdata", "report.json"),
		"--document", "uploads/subject-42/report.pdf",
		"--store",
		"-o", out,
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var got ExtractOutput
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}

	if got.SubjectID != "subject-42" || got.Blocks != 25 || got.Tables != 1 || got.Written != 2 {
		t.Errorf("output = %+v", got)
	}
	if got.Date != 1704844800 || got.DateSource != "line" {
		t.Errorf("date = %d from %q", got.Date, got.DateSource)
	}
	if len(got.Records) != 2 {
		t.Fatalf("records = %+v", got.Records)
	}
	if r := got.Records[0]; r.Metric != "TESTOSTERONE, TOTAL" || r.Value != "750" || r.Unit != "ng/dL" ||
		r.RecordID != "TESTOSTERONE,_TOTAL_uploads/subject-42/report.pdf" {
		t.Errorf("records[0] = %+v", r)
	}
	if r := got.Records[1]; r.Metric != "Vitamin D, 25-Hydroxy" || r.Value != "42" {
		t.Errorf("records[1] = %+v", r)
	}
}

func newMemoryStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestImportCSV(t *testing.T) {
	st := newMemoryStore(t)
	ctx := context.Background()
	data := []byte("Metric,Value,Unit,Range_Low,Range_High\nFerritin,<15,ng/mL,30,400\nHb,13,g/dL,13,17\n")
	out := &ImportOutput{Document: "uploads/subject-42/1704844800_bloodwork.csv", SubjectID: "subject-42"}

	err := importCSV(ctx, ingest.NewCSVImporter(nil, nil), st, data, time.Unix(1704844800, 0), out)
	if err != nil {
		t.Fatalf("importCSV() error = %v", err)
	}
	if out.Written != 1 || len(out.Records) != 1 || len(out.Skipped) != 1 {
		t.Errorf("output = %+v", out)
	}

	stored, _ := st.ListBySubject(ctx, "subject-42")
	if len(stored) != 1 {
		t.Fatalf("stored = %+v", stored)
	}
	if r := stored[0]; r.Value != "15" || r.OriginalValue != "<15" || r.RangeLow != "30" || r.EffectiveTimestamp != 1704844800 {
		t.Errorf("stored record = %+v", r)
	}
}

func TestImportCSVWithoutStore(t *testing.T) {
	out := &ImportOutput{Document: "labs.csv", SubjectID: "subject-42"}
	err := importCSV(context.Background(), ingest.NewCSVImporter(nil, nil), nil, []byte("Metric,Value\n"), time.Now(), out)
	if err != nil || out.Written != 0 || out.Records == nil {
		t.Errorf("importCSV(header only) = %+v, %v", out, err)
	}
}

type fakeSink struct {
	sheet   string
	records []*models.Record
}

func (f *fakeSink) WriteRecords(ctx context.Context, records []*models.Record, sheetName string) (int, int, error) {
	f.sheet, f.records = sheetName, records
	return 0, len(records), nil
}

func seedRecords(t *testing.T, st *store.SQLiteStore, subjectID string, n int) {
	t.Helper()
	var records []*models.Record
	for i := range n {
		records = append(records, &models.Record{
			SubjectID: subjectID, RecordID: fmt.Sprintf("M%d_doc.pdf", i), Metric: fmt.Sprintf("M%d", i),
			Value: "1", Unit: "extracted", SourceDocumentID: "doc.pdf", EffectiveTimestamp: 1704844800,
		})
	}
	if err := st.BatchPut(context.Background(), records); err != nil {
		t.Fatal(err)
	}
}

func TestExportSubject(t *testing.T) {
	st := newMemoryStore(t)
	seedRecords(t, st, "subject-42", 3)
	sink := &fakeSink{}
	var out bytes.Buffer

	if err := exportSubject(context.Background(), st, sink, "subject-42", "Biomarkers", &out); err != nil {
		t.Fatalf("exportSubject() error = %v", err)
	}
	if sink.sheet != "Biomarkers" || len(sink.records) != 3 {
		t.Errorf("sink got %d records for %q", len(sink.records), sink.sheet)
	}
	if !strings.Contains(out.String(), "3 appended") {
		t.Errorf("output = %q", out.String())
	}

	sink = &fakeSink{}
	if err := exportSubject(context.Background(), st, sink, "nobody", "Biomarkers", &out); err != nil || sink.records != nil {
		t.Errorf("empty subject exported %d records, %v", len(sink.records), err)
	}
}

func TestClearSubject(t *testing.T) {
	st := newMemoryStore(t)
	seedRecords(t, st, "subject-42", 2)
	seedRecords(t, st, "other", 1)
	ctx := context.Background()
	var out bytes.Buffer

	deleted, err := clearSubject(ctx, st, "subject-42", false, strings.NewReader("no\n"), &out)
	if err != nil || deleted != 0 {
		t.Fatalf("declined clear = %d, %v", deleted, err)
	}
	if !strings.Contains(out.String(), "Delete 2 records of subject-42?") {
		t.Errorf("prompt = %q", out.String())
	}

	deleted, err = clearSubject(ctx, st, "subject-42", false, strings.NewReader("yes\n"), &out)
	if err != nil || deleted != 2 {
		t.Fatalf("confirmed clear = %d, %v", deleted, err)
	}
	if left, _ := st.ListBySubject(ctx, "other"); len(left) != 1 {
		t.Errorf("other subject has %d records, want 1", len(left))
	}

	if deleted, err := clearSubject(ctx, st, "subject-42", true, strings.NewReader(""), &out); err != nil || deleted != 0 {
		t.Errorf("clear of empty subject = %d, %v", deleted, err)
	}
}
