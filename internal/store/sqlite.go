// Package store persists canonical records in SQLite.
//
// Records are keyed by (subject_id, record_id) and every write is an upsert,
// so re-processing a document overwrites the records it produced before.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"labtools/internal/logger"
	"labtools/internal/parse"
	"labtools/pkg/models"
)

// DefaultBatchSize is the number of records written per transaction.
const DefaultBatchSize = 25

const maxBusyRetries = 3

var (
	// ErrWriteFailed is matched by BatchError.
	ErrWriteFailed = errors.New("record write failed")

	// ErrInvalidRecord is returned for records with a missing key or a
	// non-numeric value.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrNotFound is returned by Get when no record has the key.
	ErrNotFound = errors.New("record not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	subject_id          TEXT NOT NULL,
	record_id           TEXT NOT NULL,
	metric              TEXT NOT NULL,
	value               TEXT NOT NULL,
	original_value      TEXT NOT NULL DEFAULT '',
	unit                TEXT NOT NULL,
	range_low           TEXT NOT NULL DEFAULT '',
	range_high          TEXT NOT NULL DEFAULT '',
	source_document_id  TEXT NOT NULL,
	effective_timestamp INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	PRIMARY KEY (subject_id, record_id)
);
CREATE INDEX IF NOT EXISTS idx_records_subject_time ON records (subject_id, effective_timestamp);
`

const upsertSQL = `
INSERT INTO records (subject_id, record_id, metric, value, original_value, unit,
	range_low, range_high, source_document_id, effective_timestamp, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (subject_id, record_id) DO UPDATE SET
	metric = excluded.metric,
	value = excluded.value,
	original_value = excluded.original_value,
	unit = excluded.unit,
	range_low = excluded.range_low,
	range_high = excluded.range_high,
	source_document_id = excluded.source_document_id,
	effective_timestamp = excluded.effective_timestamp,
	updated_at = excluded.updated_at`

const selectColumns = `subject_id, record_id, metric, value, original_value, unit, range_low, range_high, source_document_id, effective_timestamp`

// migrations add columns to databases created before they existed.
var migrations = []string{
	`ALTER TABLE records ADD COLUMN range_low TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE records ADD COLUMN range_high TEXT NOT NULL DEFAULT ''`,
}

// RecordFailure is one record that could not be written.
type RecordFailure struct {
	SubjectID string
	RecordID  string
	Err       error
}

// BatchError lists every record that failed in a BatchPut call. Records not
// listed were written.
type BatchError struct {
	Failed  []RecordFailure
	Written int
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		ids = append(ids, f.RecordID)
	}
	return fmt.Sprintf("store: %d of %d records failed: %s", len(e.Failed), len(e.Failed)+e.Written, strings.Join(ids, ", "))
}

// FailedCount returns the number of records that were not written.
func (e *BatchError) FailedCount() int {
	return len(e.Failed)
}

// Is matches ErrWriteFailed.
func (e *BatchError) Is(target error) bool {
	return target == ErrWriteFailed
}

// Option customises a SQLiteStore.
type Option func(*SQLiteStore)

// WithBatchSize sets the number of records per transaction.
func WithBatchSize(n int) Option {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithClock replaces time.Now for updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// SQLiteStore is a record store backed by SQLite.
type SQLiteStore struct {
	db        *sql.DB
	batchSize int
	now       func() time.Time
	log       zerolog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" opens a private in-memory database.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	dsn := path
	if path != ":memory:" {
		// Pragmas in the DSN apply to every pooled connection.
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range append(pragmas, schema) {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", strings.Fields(p)[0], err)
		}
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			db.Close()
			return nil, fmt.Errorf("store: migrate: %w", err)
		}
	}

	s := &SQLiteStore{
		db:        db,
		batchSize: DefaultBatchSize,
		now:       time.Now,
		log:       logger.WithComponent("store"),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// BatchPut upserts records in transactions of batchSize. Invalid records and
// records whose write fails are reported in a *BatchError; every other record
// is still written.
func (s *SQLiteStore) BatchPut(ctx context.Context, records []*models.Record) error {
	var failed []RecordFailure
	written := 0

	for start := 0; start < len(records); start += s.batchSize {
		end := min(start+s.batchSize, len(records))
		chunk := records[start:end]

		var chunkFailed []RecordFailure
		var chunkWritten int
		err := s.runTx(ctx, func(tx *sql.Tx) error {
			chunkFailed, chunkWritten = nil, 0
			stmt, err := tx.PrepareContext(ctx, upsertSQL)
			if err != nil {
				return err
			}
			defer stmt.Close()

			updated := s.now().Unix()
			for _, r := range chunk {
				if err := validate(r); err != nil {
					chunkFailed = append(chunkFailed, failure(r, err))
					continue
				}
				_, err := stmt.ExecContext(ctx, r.SubjectID, r.RecordID, r.Metric, r.Value, r.OriginalValue,
					r.Unit, r.RangeLow, r.RangeHigh, r.SourceDocumentID, r.EffectiveTimestamp, updated)
				if err != nil {
					if isBusy(err) {
						return err
					}
					chunkFailed = append(chunkFailed, failure(r, err))
					continue
				}
				chunkWritten++
			}
			return nil
		})
		if err != nil {
			s.log.Error().
				Err(err).
				Int("batch_start", start).
				Int("batch_size", len(chunk)).
				Msg("Record batch failed")
			chunkFailed, chunkWritten = nil, 0
			for _, r := range chunk {
				chunkFailed = append(chunkFailed, failure(r, err))
			}
		}
		failed = append(failed, chunkFailed...)
		written += chunkWritten
	}

	s.log.Debug().
		Int("written", written).
		Int("failed", len(failed)).
		Msg("Batch put finished")

	if len(failed) > 0 {
		return &BatchError{Failed: failed, Written: written}
	}
	return nil
}

// Get returns one record.
func (s *SQLiteStore) Get(ctx context.Context, subjectID, recordID string) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM records WHERE subject_id = ? AND record_id = ?`, subjectID, recordID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, subjectID, recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}
	return r, nil
}

// ListBySubject returns a subject's records ordered by time, then metric.
func (s *SQLiteStore) ListBySubject(ctx context.Context, subjectID string) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM records WHERE subject_id = ? ORDER BY effective_timestamp, metric, record_id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

// DeleteSubject removes every record of a subject and returns how many were
// deleted.
func (s *SQLiteStore) DeleteSubject(ctx context.Context, subjectID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE subject_id = ?`, subjectID)
	if err != nil {
		return 0, fmt.Errorf("store: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete: %w", err)
	}
	s.log.Info().Str("subject_id", subjectID).Int64("deleted", n).Msg("Subject records deleted")
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runTx runs fn in a transaction, retrying on SQLITE_BUSY with a short
// backoff.
func (s *SQLiteStore) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var err error
	for i := range maxBusyRetries {
		if err = s.runOnce(ctx, fn); err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(100*(i+1)) * time.Millisecond):
		}
	}
	return err
}

func (s *SQLiteStore) runOnce(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*models.Record, error) {
	r := &models.Record{}
	err := sc.Scan(&r.SubjectID, &r.RecordID, &r.Metric, &r.Value, &r.OriginalValue, &r.Unit,
		&r.RangeLow, &r.RangeHigh, &r.SourceDocumentID, &r.EffectiveTimestamp)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func validate(r *models.Record) error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	case r.SubjectID == "" || r.RecordID == "":
		return fmt.Errorf("%w: subject_id and record_id are required", ErrInvalidRecord)
	case !parse.IsNumeric(r.Value):
		return fmt.Errorf("%w: value %q is not numeric", ErrInvalidRecord, r.Value)
	}
	return nil
}

func failure(r *models.Record, err error) RecordFailure {
	if r == nil {
		return RecordFailure{Err: err}
	}
	return RecordFailure{SubjectID: r.SubjectID, RecordID: r.RecordID, Err: err}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
