// Package pipeline turns one stored lab report into canonical records.
//
// A run is isolated per document: it analyzes the object, reconstructs every
// table from the complete block list, extracts and normalizes rows, resolves
// the document date and upserts the records. CSV exports skip analysis and
// are read row by row. Row-level problems are skipped;
// analysis and storage failures are returned to the caller so the triggering
// event can be retried. Retries are safe because record ids are derived from
// the document and metric.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"labtools/internal/analysis"
	"labtools/internal/blocks"
	"labtools/internal/extract"
	"labtools/internal/ingest"
	"labtools/internal/logger"
	"labtools/internal/metrics"
	"labtools/internal/parse"
	"labtools/internal/record"
	"labtools/internal/rules"
	"labtools/internal/tables"
	"labtools/pkg/models"
	"labtools/pkg/services"
)

// DocumentExtension is the suffix of lab reports that go through analysis.
const DocumentExtension = ".pdf"

// CSVExtension is the suffix of tabulated results that are read directly.
const CSVExtension = ".csv"

// UnknownSubject is used when the object key has no subject segment.
const UnknownSubject = "unknown"

// Status is the outcome of one run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// TableSkip is a rejected row of one table. Table is 0 for CSV rows, whose
// RowIndex is the line number.
type TableSkip struct {
	Table int
	extract.Skip
}

// Extraction is everything derived from one block list.
type Extraction struct {
	Records    []*models.Record
	Skipped    []TableSkip
	Blocks     int
	Tables     int
	Date       int64
	DateSource record.DateSource
}

// Result is the outcome of processing one document event.
type Result struct {
	Status    Status `json:"status"`
	Message   string `json:"message"`
	RunID     string `json:"run_id,omitempty"`
	SubjectID string `json:"subject_id,omitempty"`
	Document  string `json:"document,omitempty"`
	Written   int    `json:"written"`

	Records []*models.Record `json:"-"`
	Skipped []TableSkip      `json:"-"`
}

// ObjectReader fetches a stored object.
type ObjectReader interface {
	Read(ctx context.Context, bucket, name string) ([]byte, error)
}

// Config holds the processing options.
type Config struct {
	// Objects reads CSV exports. CSV objects are skipped when it is nil.
	Objects ObjectReader

	Rules        *rules.Set
	Location     *time.Location
	Poll         analysis.PollConfig
	Features     []analysis.Feature
	Queries      []blocks.Query
	TableWorkers int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Rules:        rules.Default(),
		Location:     time.UTC,
		Poll:         analysis.DefaultPollConfig(),
		Features:     analysis.DefaultFeatures,
		Queries:      analysis.DefaultQueries,
		TableWorkers: runtime.GOMAXPROCS(0),
	}
}

// Processor runs documents through the pipeline. It holds no per-document
// state and is safe for concurrent use.
type Processor struct {
	poller    *analysis.Poller
	store     services.RecordStore
	rules     *rules.Set
	parser    *parse.Parser
	extractor *extract.Extractor
	csv       *ingest.CSVImporter
	config    Config
	now       func() time.Time
	log       zerolog.Logger
}

// NewProcessor creates a Processor. A nil store runs the pipeline without
// writing records.
func NewProcessor(analyzer analysis.Analyzer, recordStore services.RecordStore, config Config) *Processor {
	if config.Rules == nil {
		config.Rules = rules.Default()
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	config.Poll = config.Poll.WithDefaults()
	if config.TableWorkers <= 0 {
		config.TableWorkers = 1
	}
	if config.Features == nil {
		config.Features = analysis.DefaultFeatures
	}
	if config.Queries == nil {
		config.Queries = analysis.DefaultQueries
	}

	parser := parse.NewParser(config.Rules).WithLocation(config.Location)
	return &Processor{
		poller:    analysis.NewPoller(analyzer, config.Poll),
		store:     recordStore,
		rules:     config.Rules,
		parser:    parser,
		extractor: extract.NewExtractor(config.Rules, parser),
		csv:       ingest.NewCSVImporter(config.Rules, parser),
		config:    config,
		now:       time.Now,
		log:       logger.WithComponent("pipeline"),
	}
}

// IsDocument reports whether key names a processable document.
func IsDocument(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), DocumentExtension)
}

// IsCSV reports whether key names a CSV export.
func IsCSV(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), CSVExtension)
}

// Accepts reports whether p processes key.
func (p *Processor) Accepts(key string) bool {
	return IsDocument(key) || (IsCSV(key) && p.config.Objects != nil)
}

// SubjectID derives the owning subject from an object key shaped like
// "uploads/<subject>/<file>". Keys without a second segment belong to
// UnknownSubject.
func SubjectID(key string) string {
	parts := strings.Split(key, "/")
	if len(parts) > 1 && parts[1] != "" {
		return parts[1]
	}
	return UnknownSubject
}

// Process runs one document event. Keys that p does not accept are skipped
// with a nil error. The returned Result is never nil.
func (p *Processor) Process(ctx context.Context, ev models.DocumentEvent) (*Result, error) {
	if !p.Accepts(ev.Key) {
		metrics.DocumentsProcessed.WithLabelValues(string(StatusSkipped)).Inc()
		p.log.Debug().Str("document", ev.Key).Msg("Skipping unsupported object")
		return &Result{Status: StatusSkipped, Message: "Skipped unsupported object", Document: ev.Key}, nil
	}

	res := &Result{
		RunID:     uuid.NewString(),
		SubjectID: SubjectID(ev.Key),
		Document:  ev.Key,
	}
	log := logger.WithDocument("pipeline", res.SubjectID, ev.Key).With().
		Str("run_id", res.RunID).
		Logger()
	processedAt := p.now()

	log.Info().Str("bucket", ev.Bucket).Msg("Processing document")

	if IsCSV(ev.Key) {
		return p.processCSV(ctx, ev, res, processedAt, log)
	}

	job, err := p.poller.Analyze(ctx, analysis.Request{
		Bucket:   ev.Bucket,
		Key:      ev.Key,
		Features: p.config.Features,
		Queries:  p.config.Queries,
	})
	if err != nil {
		log.Error().Err(err).Msg("Document analysis failed")
		return p.fail(res, &ProcessingError{Op: opAnalyze, Err: err, Document: ev.Key})
	}
	metrics.JobWaitSeconds.Observe(job.Waited.Seconds())

	ex, err := p.Extract(ctx, job.Blocks, res.SubjectID, ev.Key, processedAt.Unix())
	if err != nil {
		log.Error().Err(err).Msg("Extraction aborted")
		return p.fail(res, &ProcessingError{Op: opExtract, Err: err, Document: ev.Key})
	}
	res.Records = ex.Records
	res.Skipped = ex.Skipped

	for _, s := range ex.Skipped {
		log.Debug().
			Int("table", s.Table).
			Int("row", s.RowIndex).
			Str("name", s.Name).
			Str("reason", string(s.Reason)).
			Str("rule", s.Rule).
			Msg("Row skipped")
	}
	log.Info().
		Int("blocks", ex.Blocks).
		Int("tables", ex.Tables).
		Int("records", len(ex.Records)).
		Int("skipped", len(ex.Skipped)).
		Str("date_source", string(ex.DateSource)).
		Time("date", time.Unix(ex.Date, 0).UTC()).
		Msg("Extraction finished")

	return p.finish(ctx, res, log)
}

// processCSV reads a CSV export and stores its rows. Rows without a Date
// column take the processing time.
func (p *Processor) processCSV(ctx context.Context, ev models.DocumentEvent, res *Result, processedAt time.Time, log zerolog.Logger) (*Result, error) {
	data, err := p.config.Objects.Read(ctx, ev.Bucket, ev.Key)
	if err != nil {
		log.Error().Err(err).Msg("CSV read failed")
		return p.fail(res, &ProcessingError{Op: opRead, Err: err, Document: ev.Key})
	}

	imported, err := p.csv.Records(bytes.NewReader(data), res.SubjectID, ev.Key, processedAt.Unix())
	if err != nil {
		log.Error().Err(err).Msg("CSV rejected")
		return p.fail(res, &ProcessingError{Op: opExtract, Err: err, Document: ev.Key})
	}
	res.Records = imported.Records
	for _, s := range imported.Skipped {
		res.Skipped = append(res.Skipped, TableSkip{Skip: s})
		metrics.RowsSkipped.WithLabelValues(string(s.Reason)).Inc()
		log.Debug().
			Int("line", s.RowIndex).
			Str("name", s.Name).
			Str("reason", string(s.Reason)).
			Msg("Row skipped")
	}
	metrics.RecordsExtracted.Add(float64(len(res.Records)))
	log.Info().
		Int("records", len(res.Records)).
		Int("skipped", len(res.Skipped)).
		Msg("CSV read")

	return p.finish(ctx, res, log)
}

func (p *Processor) finish(ctx context.Context, res *Result, log zerolog.Logger) (*Result, error) {
	if err := p.write(ctx, res); err != nil {
		log.Error().Err(err).Int("written", res.Written).Msg("Record storage failed")
		return p.fail(res, &ProcessingError{Op: opStore, Err: err, Document: res.Document})
	}

	res.Status = StatusSuccess
	res.Message = fmt.Sprintf("Processed %d records from %s", len(res.Records), res.Document)
	metrics.DocumentsProcessed.WithLabelValues(string(StatusSuccess)).Inc()
	return res, nil
}

// Extract reconstructs every table of a complete block list and assembles the
// document's records. Tables are processed concurrently; the result keeps
// table and row order. When two rows map to the same record id the first one
// wins.
func (p *Processor) Extract(ctx context.Context, list []blocks.Block, subjectID, docID string, fallback int64) (*Extraction, error) {
	g := blocks.NewGraph(list)
	ts, src := record.DocumentDate(g, p.parser, p.rules, fallback)
	metrics.DateSource.WithLabelValues(string(src)).Inc()

	tbls := g.Tables()
	fields := make([][]extract.Field, len(tbls))
	skips := make([][]extract.Skip, len(tbls))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.config.TableWorkers)
	for i, t := range tbls {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			fields[i], skips[i] = p.extractor.Fields(tables.Reconstruct(g, t))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	ex := &Extraction{Blocks: g.Len(), Tables: len(tbls), Date: ts, DateSource: src}
	seen := make(map[string]bool)
	for i := range tbls {
		for _, s := range skips[i] {
			ex.Skipped = append(ex.Skipped, TableSkip{Table: i + 1, Skip: s})
		}
		for _, f := range fields[i] {
			r := record.Assemble(f, subjectID, docID, ts)
			if seen[r.RecordID] {
				ex.Skipped = append(ex.Skipped, TableSkip{Table: i + 1, Skip: extract.Skip{
					RowIndex: f.RowIndex,
					Name:     f.RawName,
					Reason:   extract.SkipDuplicateRow,
					Rule:     r.RecordID,
				}})
				continue
			}
			seen[r.RecordID] = true
			ex.Records = append(ex.Records, r)
		}
	}

	for _, s := range ex.Skipped {
		metrics.RowsSkipped.WithLabelValues(string(s.Reason)).Inc()
	}
	metrics.RecordsExtracted.Add(float64(len(ex.Records)))
	return ex, nil
}

func (p *Processor) write(ctx context.Context, res *Result) error {
	if p.store == nil || len(res.Records) == 0 {
		return nil
	}

	err := p.store.BatchPut(ctx, res.Records)
	failed := services.FailedCount(err, len(res.Records))
	res.Written = len(res.Records) - failed
	metrics.RecordsWritten.WithLabelValues("ok").Add(float64(res.Written))
	metrics.RecordsWritten.WithLabelValues("failed").Add(float64(failed))
	return err
}

func (p *Processor) fail(res *Result, err *ProcessingError) (*Result, error) {
	res.Status = StatusFailed
	res.Message = err.Error()
	metrics.DocumentsProcessed.WithLabelValues(string(StatusFailed)).Inc()
	return res, err
}
