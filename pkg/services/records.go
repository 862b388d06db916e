package services

import (
	"context"
	"errors"

	"labtools/pkg/models"
)

// RecordStore persists canonical records.
type RecordStore interface {
	// BatchPut upserts records by (subject_id, record_id). A failure on one
	// record does not stop the others from being written; the returned error
	// describes every record that failed and should implement FailureCounter.
	BatchPut(ctx context.Context, records []*models.Record) error
}

// RecordReader reads stored records back for export and administration.
type RecordReader interface {
	ListBySubject(ctx context.Context, subjectID string) ([]*models.Record, error)
	DeleteSubject(ctx context.Context, subjectID string) (int64, error)
}

// FailureCounter is implemented by BatchPut errors that know how many of the
// submitted records were not written.
type FailureCounter interface {
	error
	FailedCount() int
}

// FailedCount returns how many of total records err reports as not written.
// A nil error means none; an error without a count means all of them.
func FailedCount(err error, total int) int {
	if err == nil {
		return 0
	}
	var fc FailureCounter
	if errors.As(err, &fc) {
		return min(fc.FailedCount(), total)
	}
	return total
}
