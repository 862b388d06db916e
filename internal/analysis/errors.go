package analysis

import (
	"errors"
	"fmt"
)

// Common analysis errors
var (
	// ErrJobFailed is returned when the analysis job reaches the FAILED state.
	// Nothing from a failed job is ever returned to the caller.
	ErrJobFailed = errors.New("analysis job failed")

	// ErrPollTimeout is returned when a job does not reach a terminal state
	// within the configured attempts or wall-clock limit.
	ErrPollTimeout = errors.New("analysis job did not finish in time")

	// ErrPaginationLoop is returned when the service hands back a continuation
	// token that was already followed.
	ErrPaginationLoop = errors.New("analysis pagination returned a repeated token")

	// ErrTooManyPages is returned when pagination exceeds MaxPages.
	ErrTooManyPages = errors.New("analysis result exceeds page limit")

	// ErrInvalidCredentials is returned when Google Cloud credentials are invalid
	// or do not have the necessary permissions.
	ErrInvalidCredentials = errors.New("invalid Google Cloud credentials")

	// ErrMissingCredentials is returned when Google Cloud credentials are not configured.
	ErrMissingCredentials = errors.New("missing Google Cloud credentials")

	// ErrInvalidConfiguration is returned when the analyzer configuration is invalid.
	ErrInvalidConfiguration = errors.New("invalid analysis configuration")

	// ErrProcessorNotFound is returned when the Document AI processor cannot be
	// found or accessed.
	ErrProcessorNotFound = errors.New("Document AI processor not found")

	// ErrQuotaExceeded is returned when Document AI API quota limits are exceeded.
	ErrQuotaExceeded = errors.New("Document AI API quota exceeded")

	// ErrInvalidDocument is returned when the service rejects the input document.
	ErrInvalidDocument = errors.New("document format not supported or corrupted")

	// ErrInvalidPage is returned when a result page cannot be decoded.
	ErrInvalidPage = errors.New("invalid analysis result page")

	// ErrContextCanceled is returned when analysis is canceled via context.
	ErrContextCanceled = errors.New("analysis was canceled")
)

// AnalysisError wraps errors with the operation and job they happened in.
type AnalysisError struct {
	// Op is the operation that failed (e.g., "StartAnalysis", "Wait").
	Op string

	// Err is the underlying error.
	Err error

	// Details provides additional context about the failure.
	Details string

	// JobID is the analysis job the failure belongs to (if known).
	JobID string
}

// Error implements the error interface.
func (e *AnalysisError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("analysis: %s failed: %s: %v", e.Op, e.Details, e.Err)
	}
	if e.JobID != "" {
		return fmt.Sprintf("analysis: %s failed (job: %s): %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("analysis: %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// Is implements error matching for Go 1.13+ error handling.
func (e *AnalysisError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewAnalysisError creates a new AnalysisError.
func NewAnalysisError(op string, err error, details string) *AnalysisError {
	return &AnalysisError{
		Op:      op,
		Err:     err,
		Details: details,
	}
}

// WrapAnalysisError wraps an error as an AnalysisError if it isn't already one.
func WrapAnalysisError(op string, err error, details string) error {
	if err == nil {
		return nil
	}

	var analysisErr *AnalysisError
	if errors.As(err, &analysisErr) {
		return err // Already wrapped
	}

	return NewAnalysisError(op, err, details)
}

// withJob sets the job id on an AnalysisError created by this package.
func withJob(err error, jobID string) error {
	var analysisErr *AnalysisError
	if errors.As(err, &analysisErr) && analysisErr.JobID == "" {
		analysisErr.JobID = jobID
	}
	return err
}
