// Package analysis drives the document-analysis service that turns a stored
// lab report into a block graph.
//
// An analysis is a job: it is started once, polled until it reaches a
// terminal state, and its result is fetched page by page following a
// continuation token. Poller implements that lifecycle on top of any
// Analyzer.
//
// Implementations:
//   - DocumentAIAnalyzer runs a Document AI batch job over a gs:// object and
//     pages through the JSON output shards it writes to Cloud Storage.
//   - FileAnalyzer serves previously saved result pages from local JSON files.
//
// Required Environment Variables (DocumentAIAnalyzer):
//   - GOOGLE_APPLICATION_CREDENTIALS: Path to service account JSON file, OR
//   - GOOGLE_CREDENTIALS: Inline JSON credentials string
//   - GOOGLE_CLOUD_PROJECT: Google Cloud project ID
//   - GOOGLE_CLOUD_LOCATION: Processing location (e.g., "us", "eu")
//   - DOCUMENT_AI_PROCESSOR_ID: Form parser or custom extractor processor ID
//   - GCS_OUTPUT_BUCKET: Bucket the batch job writes its result shards to
package analysis

import (
	"context"
	"time"

	"labtools/internal/blocks"
)

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	StatusSubmitted  JobStatus = "SUBMITTED"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusSucceeded  JobStatus = "SUCCEEDED"
	StatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Feature selects an analysis capability.
type Feature string

const (
	FeatureTables  Feature = "TABLES"
	FeatureForms   Feature = "FORMS"
	FeatureQueries Feature = "QUERIES"
)

// DefaultFeatures are requested for every lab report.
var DefaultFeatures = []Feature{FeatureTables, FeatureQueries}

// DateQueryAlias names the collection-date query.
const DateQueryAlias = "COLLECTION_DATE"

// DefaultQueries are asked of every lab report.
var DefaultQueries = []blocks.Query{
	{Text: "What is the specimen collection date?", Alias: DateQueryAlias},
}

// Request describes one document to analyze.
type Request struct {
	Bucket   string
	Key      string
	Features []Feature
	Queries  []blocks.Query
}

// Page is one page of an analysis result.
type Page struct {
	JobStatus     JobStatus      `json:"JobStatus"`
	StatusMessage string         `json:"StatusMessage,omitempty"`
	Blocks        []blocks.Block `json:"Blocks"`
	NextToken     string         `json:"NextToken,omitempty"`
}

// Analyzer is the document-analysis service.
type Analyzer interface {
	// StartAnalysis submits req and returns the job id.
	StartAnalysis(ctx context.Context, req Request) (string, error)

	// GetAnalysis returns the job state and, once it has SUCCEEDED, the page of
	// blocks addressed by token ("" for the first page).
	GetAnalysis(ctx context.Context, jobID, token string) (*Page, error)
}

// PollConfig bounds how long a job is waited for.
type PollConfig struct {
	// Interval is the pause between two status checks.
	Interval time.Duration

	// MaxAttempts caps the number of status checks.
	MaxAttempts int

	// Timeout caps the total wait.
	Timeout time.Duration

	// MaxPages caps pagination. Zero means DefaultMaxPages.
	MaxPages int
}

// DefaultMaxPages bounds pagination when PollConfig.MaxPages is unset.
const DefaultMaxPages = 1000

// DefaultPollConfig returns a PollConfig with sensible defaults.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:    5 * time.Second,
		MaxAttempts: 120,
		Timeout:     15 * time.Minute,
		MaxPages:    DefaultMaxPages,
	}
}

// WithDefaults returns c with every non-positive field replaced by its
// DefaultPollConfig value. A job is never polled without a pause or a bound.
func (c PollConfig) WithDefaults() PollConfig {
	d := DefaultPollConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxPages <= 0 {
		c.MaxPages = d.MaxPages
	}
	return c
}

// Result is the complete block list of a SUCCEEDED job.
type Result struct {
	JobID    string
	Blocks   []blocks.Block
	Pages    int
	Attempts int
	Waited   time.Duration
}
