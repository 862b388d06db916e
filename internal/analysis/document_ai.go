package analysis

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/encoding/protojson"

	"labtools/internal/blocks"
	"labtools/internal/gcs"
	"labtools/internal/logger"
	"labtools/internal/rules"
)

// DocumentAIConfig holds configuration for Google Document AI processing.
type DocumentAIConfig struct {
	// ProjectID is the Google Cloud project ID where Document AI is enabled.
	ProjectID string

	// Location is the processing location (e.g., "us", "eu").
	// Should match where your Document AI processor is created.
	Location string

	// ProcessorID is the Document AI form parser or custom extractor ID.
	ProcessorID string

	// ProcessorVersion specifies a particular processor version.
	// If empty, uses the default version.
	ProcessorVersion string

	// OutputBucket receives the JSON result shards of every job.
	OutputBucket string

	// OutputFolder is the object prefix inside OutputBucket.
	OutputFolder string

	// Timeout bounds each individual API call.
	// Default: 60 seconds.
	Timeout time.Duration
}

// DefaultConfig returns a DocumentAIConfig with sensible defaults.
func DefaultConfig() DocumentAIConfig {
	return DocumentAIConfig{
		Location:     "us",
		OutputFolder: "analysis",
		Timeout:      60 * time.Second,
	}
}

// ObjectStore reads the result shards a batch job writes.
type ObjectStore interface {
	Read(ctx context.Context, bucket, name string) ([]byte, error)
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// DocumentAIAnalyzer implements Analyzer with Document AI batch processing.
//
// A job id is the long-running operation name. The first page is the first
// output shard; the continuation token is the gs:// URI of the next shard.
type DocumentAIAnalyzer struct {
	client  *documentai.DocumentProcessorClient
	objects ObjectStore
	config  DocumentAIConfig
	rules   *rules.Set
	log     zerolog.Logger

	mu      sync.Mutex
	queries map[string][]blocks.Query
}

// NewDocumentAIAnalyzer creates an analyzer with credentials from environment.
// Expects: GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_CREDENTIALS
func NewDocumentAIAnalyzer(ctx context.Context, config DocumentAIConfig, objects ObjectStore, rs *rules.Set) (*DocumentAIAnalyzer, error) {
	const op = "NewDocumentAIAnalyzer"

	if config.ProjectID == "" {
		return nil, WrapAnalysisError(op, ErrInvalidConfiguration, "GOOGLE_CLOUD_PROJECT is required")
	}
	if config.ProcessorID == "" {
		return nil, WrapAnalysisError(op, ErrInvalidConfiguration, "DOCUMENT_AI_PROCESSOR_ID is required")
	}
	if config.OutputBucket == "" {
		return nil, WrapAnalysisError(op, ErrInvalidConfiguration, "GCS_OUTPUT_BUCKET is required")
	}
	if config.Location == "" {
		config.Location = "us" // Default location
	}

	var clientOptions []option.ClientOption

	// Set regional endpoint if not us
	if config.Location != "us" {
		endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", config.Location)
		clientOptions = append(clientOptions, option.WithEndpoint(endpoint))
	}

	// Add credentials
	if credJSON := os.Getenv("GOOGLE_CREDENTIALS"); credJSON != "" {
		clientOptions = append(clientOptions, option.WithCredentialsJSON([]byte(credJSON)))
	} else if credFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(credFile))
	}

	client, err := documentai.NewDocumentProcessorClient(ctx, clientOptions...)
	if err != nil {
		if len(clientOptions) == 0 {
			return nil, WrapAnalysisError(op, ErrMissingCredentials, "no credentials found in environment")
		}
		return nil, WrapAnalysisError(op, err, fmt.Sprintf("failed to create Document AI client for location: %s", config.Location))
	}

	return NewDocumentAIAnalyzerWithClient(config, client, objects, rs), nil
}

// NewDocumentAIAnalyzerWithClient creates an analyzer with an explicit client (for testing).
func NewDocumentAIAnalyzerWithClient(config DocumentAIConfig, client *documentai.DocumentProcessorClient, objects ObjectStore, rs *rules.Set) *DocumentAIAnalyzer {
	if rs == nil {
		rs = rules.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &DocumentAIAnalyzer{
		client:  client,
		objects: objects,
		config:  config,
		rules:   rs,
		log:     logger.WithComponent("document-ai"),
		queries: make(map[string][]blocks.Query),
	}
}

// StartAnalysis submits a batch job for gs://req.Bucket/req.Key.
func (a *DocumentAIAnalyzer) StartAnalysis(ctx context.Context, req Request) (string, error) {
	const op = "StartAnalysis"

	if req.Bucket == "" || req.Key == "" {
		return "", WrapAnalysisError(op, ErrInvalidConfiguration, "bucket and key are required")
	}

	callCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	outputURI := gcs.URI(a.config.OutputBucket, path.Join(a.config.OutputFolder, uuid.NewString())+"/")
	batchReq := &documentaipb.BatchProcessRequest{
		Name: a.processorName(),
		InputDocuments: &documentaipb.BatchDocumentsInputConfig{
			Source: &documentaipb.BatchDocumentsInputConfig_GcsDocuments{
				GcsDocuments: &documentaipb.GcsDocuments{
					Documents: []*documentaipb.GcsDocument{{
						GcsUri:   gcs.URI(req.Bucket, req.Key),
						MimeType: "application/pdf",
					}},
				},
			},
		},
		DocumentOutputConfig: &documentaipb.DocumentOutputConfig{
			Destination: &documentaipb.DocumentOutputConfig_GcsOutputConfig_{
				GcsOutputConfig: &documentaipb.DocumentOutputConfig_GcsOutputConfig{
					GcsUri: outputURI,
				},
			},
		},
		SkipHumanReview: true,
	}

	operation, err := a.client.BatchProcessDocuments(callCtx, batchReq)
	if err != nil {
		return "", a.handleProcessingError(op, err)
	}

	jobID := operation.Name()
	a.mu.Lock()
	a.queries[jobID] = req.Queries
	a.mu.Unlock()

	a.log.Debug().
		Str("job_id", jobID).
		Str("output", outputURI).
		Interface("features", req.Features).
		Int("queries", len(req.Queries)).
		Msg("Batch process request submitted")
	return jobID, nil
}

// GetAnalysis reports the job state. Once the job has succeeded it returns
// the shard addressed by token, or the first shard when token is empty.
func (a *DocumentAIAnalyzer) GetAnalysis(ctx context.Context, jobID, token string) (*Page, error) {
	const op = "GetAnalysis"

	if token != "" {
		return a.shardPage(ctx, jobID, token)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	operation := a.client.BatchProcessDocumentsOperation(jobID)
	if _, err := operation.Poll(callCtx); err != nil {
		if operation.Done() {
			a.forget(jobID)
			return &Page{JobStatus: StatusFailed, StatusMessage: err.Error()}, nil
		}
		return nil, a.handleProcessingError(op, err)
	}

	meta, err := operation.Metadata()
	if !operation.Done() {
		// Metadata is absent until the service has picked the job up.
		if err != nil {
			return &Page{JobStatus: StatusSubmitted}, nil
		}
		return &Page{JobStatus: statusFromState(meta.GetState())}, nil
	}
	if err != nil {
		return nil, WrapAnalysisError(op, err, "failed to read operation metadata")
	}

	var prefixes []string
	for _, s := range meta.GetIndividualProcessStatuses() {
		if st := s.GetStatus(); st != nil && st.GetCode() != 0 {
			a.forget(jobID)
			return &Page{JobStatus: StatusFailed, StatusMessage: st.GetMessage()}, nil
		}
		if dest := s.GetOutputGcsDestination(); dest != "" {
			prefixes = append(prefixes, dest)
		}
	}

	var shards []string
	for _, prefix := range prefixes {
		found, err := a.listShards(ctx, prefix)
		if err != nil {
			return nil, WrapAnalysisError(op, err, "failed to list result shards")
		}
		shards = append(shards, found...)
	}
	if len(shards) == 0 {
		a.log.Warn().Str("job_id", jobID).Msg("Job succeeded without result shards")
		a.forget(jobID)
		return &Page{JobStatus: StatusSucceeded}, nil
	}
	return a.shardPage(ctx, jobID, shards[0])
}

// shardPage decodes the shard at uri and links it to the next shard in the
// same output folder. The job's queries are released once its last shard has
// been served or a shard cannot be read.
func (a *DocumentAIAnalyzer) shardPage(ctx context.Context, jobID, uri string) (*Page, error) {
	page, err := a.decodeShard(ctx, jobID, uri)
	if err != nil || page.NextToken == "" {
		a.forget(jobID)
	}
	return page, err
}

func (a *DocumentAIAnalyzer) decodeShard(ctx context.Context, jobID, uri string) (*Page, error) {
	const op = "shardPage"

	bucket, name, err := gcs.ParseURI(uri)
	if err != nil {
		return nil, WrapAnalysisError(op, ErrInvalidPage, err.Error())
	}
	data, err := a.objects.Read(ctx, bucket, name)
	if err != nil {
		return nil, WrapAnalysisError(op, err, fmt.Sprintf("failed to read shard %s", uri))
	}

	doc := &documentaipb.Document{}
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, doc); err != nil {
		return nil, WrapAnalysisError(op, ErrInvalidPage, fmt.Sprintf("shard %s: %v", uri, err))
	}

	siblings, err := a.listShards(ctx, gcs.URI(bucket, path.Dir(name)+"/"))
	if err != nil {
		return nil, WrapAnalysisError(op, err, "failed to list result shards")
	}
	next := ""
	for i, s := range siblings {
		if s == uri && i+1 < len(siblings) {
			next = siblings[i+1]
		}
	}

	a.mu.Lock()
	queries, ok := a.queries[jobID]
	a.mu.Unlock()
	if !ok {
		queries = DefaultQueries
	}

	list := DocumentToBlocks(doc, ConvertOptions{
		IDPrefix:  shardPrefix(name),
		DateLabel: a.rules.HasDateLabel,
		DateAlias: DateQueryAlias,
		Queries:   queries,
	})
	a.log.Debug().
		Str("shard", uri).
		Int("blocks", len(list)).
		Bool("has_next", next != "").
		Msg("Decoded result shard")

	return &Page{JobStatus: StatusSucceeded, Blocks: list, NextToken: next}, nil
}

// forget drops the queries remembered for jobID.
func (a *DocumentAIAnalyzer) forget(jobID string) {
	a.mu.Lock()
	delete(a.queries, jobID)
	a.mu.Unlock()
}

// pending returns the number of jobs whose queries are still remembered.
func (a *DocumentAIAnalyzer) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queries)
}

// listShards returns the gs:// URIs of the .json objects under prefix, sorted.
func (a *DocumentAIAnalyzer) listShards(ctx context.Context, prefix string) ([]string, error) {
	bucket, name, err := gcs.ParseURI(prefix)
	if err != nil {
		return nil, err
	}
	names, err := a.objects.List(ctx, bucket, name)
	if err != nil {
		return nil, err
	}
	var uris []string
	for _, n := range names {
		if strings.HasSuffix(n, ".json") {
			uris = append(uris, gcs.URI(bucket, n))
		}
	}
	return uris, nil
}

// processorName constructs the full processor name for Document AI API.
func (a *DocumentAIAnalyzer) processorName() string {
	if a.config.ProcessorVersion != "" {
		return fmt.Sprintf("projects/%s/locations/%s/processors/%s/processorVersions/%s",
			a.config.ProjectID, a.config.Location, a.config.ProcessorID, a.config.ProcessorVersion)
	}
	return fmt.Sprintf("projects/%s/locations/%s/processors/%s",
		a.config.ProjectID, a.config.Location, a.config.ProcessorID)
}

// handleProcessingError converts Document AI errors to analysis errors.
func (a *DocumentAIAnalyzer) handleProcessingError(op string, err error) error {
	errStr := err.Error()

	switch {
	case strings.Contains(errStr, "PermissionDenied") || strings.Contains(errStr, "PERMISSION_DENIED"):
		return WrapAnalysisError(op, ErrInvalidCredentials, "insufficient permissions for Document AI")
	case strings.Contains(errStr, "ResourceExhausted") || strings.Contains(errStr, "QUOTA_EXCEEDED"):
		return WrapAnalysisError(op, ErrQuotaExceeded, "Document AI API quota exceeded")
	case strings.Contains(errStr, "NotFound") || strings.Contains(errStr, "NOT_FOUND"):
		return WrapAnalysisError(op, ErrProcessorNotFound, fmt.Sprintf("processor not found: %s", a.config.ProcessorID))
	case strings.Contains(errStr, "InvalidArgument") || strings.Contains(errStr, "INVALID_ARGUMENT"):
		return WrapAnalysisError(op, ErrInvalidDocument, "document format not supported or corrupted")
	case strings.Contains(errStr, "DeadlineExceeded") || strings.Contains(errStr, "context deadline exceeded"):
		return WrapAnalysisError(op, context.DeadlineExceeded, "request timeout")
	case strings.Contains(errStr, "Canceled") || strings.Contains(errStr, "context canceled"):
		return WrapAnalysisError(op, ErrContextCanceled, "request was canceled")
	default:
		return WrapAnalysisError(op, err, "Document AI error")
	}
}

// Close closes the underlying Document AI client.
func (a *DocumentAIAnalyzer) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

func statusFromState(state documentaipb.BatchProcessMetadata_State) JobStatus {
	switch state {
	case documentaipb.BatchProcessMetadata_RUNNING,
		documentaipb.BatchProcessMetadata_CANCELLING,
		documentaipb.BatchProcessMetadata_SUCCEEDED:
		return StatusInProgress
	case documentaipb.BatchProcessMetadata_FAILED, documentaipb.BatchProcessMetadata_CANCELLED:
		return StatusFailed
	default:
		return StatusSubmitted
	}
}

// shardPrefix derives a block id prefix from a shard object name such as
// "analysis/<uuid>/0/report-1.json".
func shardPrefix(name string) string {
	return strings.TrimSuffix(path.Base(name), ".json") + "/"
}
