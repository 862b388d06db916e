package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrAnalysisFailed is returned when the analysis job fails or times out.
	// Nothing is written for the document.
	ErrAnalysisFailed = errors.New("document analysis failed")

	// ErrStoreFailed is returned when one or more records could not be
	// written. Records that were written stay written.
	ErrStoreFailed = errors.New("record storage failed")
)

// ProcessingError wraps a pipeline failure with the document it belongs to.
type ProcessingError struct {
	// Op is the stage that failed ("analyze", "extract", "store").
	Op string

	// Err is the underlying error.
	Err error

	// Details provides additional context about the failure.
	Details string

	// Document is the object key being processed.
	Document string
}

// Error implements the error interface.
func (e *ProcessingError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("pipeline: %s failed for %s: %s: %v", e.Op, e.Document, e.Details, e.Err)
	}
	return fmt.Sprintf("pipeline: %s failed for %s: %v", e.Op, e.Document, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Is implements error matching for Go 1.13+ error handling.
func (e *ProcessingError) Is(target error) bool {
	switch {
	case target == ErrAnalysisFailed:
		return e.Op == opAnalyze
	case target == ErrStoreFailed:
		return e.Op == opStore
	}
	return errors.Is(e.Err, target)
}

const (
	opAnalyze = "analyze"
	opRead    = "read"
	opExtract = "extract"
	opStore   = "store"
)
