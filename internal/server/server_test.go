package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"labtools/internal/pipeline"
	"labtools/pkg/models"
)

type fakeProcessor struct {
	mu     sync.Mutex
	events []models.DocumentEvent
	err    error
}

func (f *fakeProcessor) Process(_ context.Context, ev models.DocumentEvent) (*pipeline.Result, error) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if !pipeline.IsDocument(ev.Key) {
		return &pipeline.Result{Status: pipeline.StatusSkipped, Message: "Skipped unsupported object"}, nil
	}
	return &pipeline.Result{Status: pipeline.StatusSuccess, Message: "Processed 2 records from " + ev.Key}, nil
}

func newTestServer(p DocumentProcessor) *Server {
	return New(":0", p, prometheus.NewRegistry())
}

func post(t *testing.T, s *Server, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %q", rec.Body.String())
	}
	return rec, resp
}

func TestParseEvents(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []models.DocumentEvent
	}{
		{
			name: "s3 notification with encoded key",
			body: `{"Records":[{"s3":{"bucket":{"name":"labs"},"object":{"key":"uploads/subject+42/2024_report%281%29.pdf"}}}]}`,
			want: []models.DocumentEvent{{Bucket: "labs", Key: "uploads/subject 42/2024_report(1).pdf"}},
		},
		{
			name: "gcs notification",
			body: `{"bucket":"labs","name":"uploads/s1/a.pdf"}`,
			want: []models.DocumentEvent{{Bucket: "labs", Key: "uploads/s1/a.pdf"}},
		},
		{
			name: "plain event",
			body: `{"bucket":"labs","key":"uploads/s1/b.pdf"}`,
			want: []models.DocumentEvent{{Bucket: "labs", Key: "uploads/s1/b.pdf"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvents([]byte(tt.body))
			if err != nil {
				t.Fatalf("ParseEvents() error = %v", err)
			}
			if len(got) != len(tt.want) || got[0] != tt.want[0] {
				t.Errorf("ParseEvents() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseEventsRejectsIncompleteBodies(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{}`,
		`{"bucket":"labs"}`,
		`{"Records":[{"s3":{"bucket":{"name":""},"object":{"key":"a.pdf"}}}]}`,
		`{"Records":[{"s3":{"bucket":{"name":"labs"},"object":{"key":"bad%zzkey"}}}]}`,
	} {
		if _, err := ParseEvents([]byte(body)); err == nil {
			t.Errorf("ParseEvents(%s) succeeded, want error", body)
		}
	}
}

func TestEventSuccess(t *testing.T) {
	p := &fakeProcessor{}
	rec, resp := post(t, newTestServer(p), `{"bucket":"labs","name":"uploads/s1/a.pdf"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp.Status != string(pipeline.StatusSuccess) || !strings.Contains(resp.Message, "Processed 2 records") {
		t.Errorf("response = %+v", resp)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if len(p.events) != 1 || p.events[0].Key != "uploads/s1/a.pdf" {
		t.Errorf("processed events = %+v", p.events)
	}
}

func TestEventSkipIsOK(t *testing.T) {
	rec, resp := post(t, newTestServer(&fakeProcessor{}), `{"bucket":"labs","name":"uploads/s1/notes.txt"}`)
	if rec.Code != http.StatusOK || resp.Status != string(pipeline.StatusSkipped) {
		t.Errorf("got %d %+v, want 200 skipped", rec.Code, resp)
	}
	if resp.Message != "Skipped unsupported object" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestEventFailureReturns500(t *testing.T) {
	p := &fakeProcessor{err: errors.New("analysis failed: job FAILED")}
	rec, resp := post(t, newTestServer(p), `{"bucket":"labs","name":"uploads/s1/a.pdf"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if resp.Status != string(pipeline.StatusFailed) || !strings.Contains(resp.Message, "job FAILED") {
		t.Errorf("response = %+v", resp)
	}
}

func TestEventBadBody(t *testing.T) {
	p := &fakeProcessor{}
	rec, _ := post(t, newTestServer(p), `{"Records":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(p.events) != 0 {
		t.Errorf("processor called for bad body: %+v", p.events)
	}
}

func TestEventMultipleRecords(t *testing.T) {
	p := &fakeProcessor{}
	body := `{"Records":[
		{"s3":{"bucket":{"name":"labs"},"object":{"key":"uploads/s1/a.pdf"}}},
		{"s3":{"bucket":{"name":"labs"},"object":{"key":"uploads/s1/b.txt"}}}
	]}`
	rec, resp := post(t, newTestServer(p), body)
	if rec.Code != http.StatusOK || resp.Status != string(pipeline.StatusSuccess) {
		t.Errorf("got %d %+v", rec.Code, resp)
	}
	if len(p.events) != 2 {
		t.Errorf("processed %d events, want 2", len(p.events))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(&fakeProcessor{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", rec.Code)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s := New("127.0.0.1:0", &fakeProcessor{}, prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("ListenAndServe() error = %v", err)
	}
}
