package cmd

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"labtools/internal/gcs"
	"labtools/internal/logger"
	"labtools/internal/pipeline"
	"labtools/pkg/models"
)

var batchCmd = &cobra.Command{
	Use:   "batch [gs://bucket/prefix]",
	Short: "Process every report under a Cloud Storage prefix",
	Long: `Process all PDF and CSV objects below a Cloud Storage prefix in parallel and
store their records. Each document runs in isolation: a failure on one report is
reported and the others continue.

Required environment variables:
  GOOGLE_APPLICATION_CREDENTIALS - Path to service account JSON file, OR
  GOOGLE_CREDENTIALS - Inline JSON credentials string
  GOOGLE_CLOUD_PROJECT - Your Google Cloud project ID
  DOCUMENT_AI_PROCESSOR_ID - Your Document AI form parser processor ID
  GCS_OUTPUT_BUCKET - Bucket receiving the analysis output shards

Optional environment variables:
  BATCH_WORKERS - Number of parallel workers (default: 4)`,
	Example: `  # Reprocess every report of one subject
  labtools batch gs://lab-uploads/uploads/subject-42/

  # Dry run: extract without writing records, 8 workers
  labtools batch gs://lab-uploads/uploads/ --dry-run --workers 8`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

// BatchResult is the outcome of one document of a batch.
type BatchResult struct {
	Key     string           `json:"key"`
	Result  *pipeline.Result `json:"result,omitempty"`
	Error   string           `json:"error,omitempty"`
	Status  pipeline.Status  `json:"status"`
	Records int              `json:"records"`
}

// BatchSummary is the JSON written with --output.
type BatchSummary struct {
	Prefix    string        `json:"prefix"`
	Documents int           `json:"documents"`
	Succeeded int           `json:"succeeded"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Records   int           `json:"records"`
	Duration  string        `json:"duration"`
	Results   []BatchResult `json:"results"`
}

// WorkerJob is one document queued for a worker.
type WorkerJob struct {
	Event models.DocumentEvent
	Index int
}

// DocumentProcessor runs one document event.
type DocumentProcessor interface {
	Process(ctx context.Context, ev models.DocumentEvent) (*pipeline.Result, error)
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().StringP("output", "o", "", "Write a JSON summary to this file")
	batchCmd.Flags().Int("workers", 0, "Number of parallel workers (default: $BATCH_WORKERS)")
	batchCmd.Flags().Bool("dry-run", false, "Extract records without writing them to the store")
	batchCmd.Flags().Duration("timeout", 0, "Overall batch timeout (default: none)")
}

func runBatch(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("batch")

	outputPath, _ := cmd.Flags().GetString("output")
	workers, _ := cmd.Flags().GetInt("workers")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	bucket, prefix, err := gcs.ParseURI(args[0])
	if err != nil {
		return err
	}

	cfg, rs, err := loadSettings(cmd, log)
	if err != nil {
		return err
	}
	if workers <= 0 {
		workers = cfg.BatchWorkers
	}

	ctx, cancel := createContext(timeout, log)
	defer cancel()

	processor, err := newCloudProcessor(ctx, cfg, rs, !dryRun, log)
	if err != nil {
		return handleProcessingError(err, log)
	}
	defer processor.Close()

	names, err := processor.objects.List(ctx, bucket, prefix)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", args[0], err)
	}

	var events []models.DocumentEvent
	for _, name := range names {
		if processor.Accepts(name) {
			events = append(events, models.DocumentEvent{Bucket: bucket, Key: name})
		}
	}
	if len(events) == 0 {
		log.Warn().Str("prefix", args[0]).Msg("No reports found")
		fmt.Printf("No PDF or CSV reports found under %s\n", args[0])
		return nil
	}

	log.Info().
		Str("prefix", args[0]).
		Int("documents", len(events)).
		Int("workers", workers).
		Bool("dry_run", dryRun).
		Msg("Starting batch processing")

	start := time.Now()
	results := processInParallel(ctx, processor, events, workers, log)
	summary := summarize(args[0], results, time.Since(start))

	fmt.Printf("\nProcessed %d documents: %d succeeded, %d skipped, %d failed, %d records\n",
		summary.Documents, summary.Succeeded, summary.Skipped, summary.Failed, summary.Records)

	if outputPath != "" {
		if err := writeOutput(outputPath, summary, log); err != nil {
			return err
		}
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d documents failed", summary.Failed, summary.Documents)
	}
	return nil
}

// processInParallel processes documents using a worker pool. Results keep the
// order of events.
func processInParallel(ctx context.Context, processor DocumentProcessor, events []models.DocumentEvent, numWorkers int, log zerolog.Logger) []BatchResult {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	jobs := make(chan WorkerJob, len(events))
	results := make([]BatchResult, len(events))

	var processedCount int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for job := range jobs {
				log.Debug().
					Int("worker", workerID).
					Str("key", job.Event.Key).
					Int("index", job.Index+1).
					Msg("Worker processing document")

				result := BatchResult{Key: job.Event.Key}
				res, err := processor.Process(ctx, job.Event)
				result.Result = res
				switch {
				case err != nil:
					result.Status = pipeline.StatusFailed
					result.Error = err.Error()
				case res != nil:
					result.Status = res.Status
					result.Records = len(res.Records)
				}
				results[job.Index] = result

				mu.Lock()
				processedCount++
				fmt.Printf("[%d/%d] %s - %s", processedCount, len(events), path.Base(job.Event.Key), statusEmoji(result.Status))
				if result.Error != "" {
					fmt.Printf(" (%s)", result.Error)
				} else {
					fmt.Printf(" (%d records)", result.Records)
				}
				fmt.Println()
				mu.Unlock()
			}
		}(w)
	}

	for i, ev := range events {
		jobs <- WorkerJob{Event: ev, Index: i}
	}
	close(jobs)

	wg.Wait()

	return results
}

func summarize(prefix string, results []BatchResult, elapsed time.Duration) BatchSummary {
	s := BatchSummary{
		Prefix:    prefix,
		Documents: len(results),
		Duration:  elapsed.Round(time.Millisecond).String(),
		Results:   results,
	}
	for _, r := range results {
		switch r.Status {
		case pipeline.StatusSuccess:
			s.Succeeded++
		case pipeline.StatusSkipped:
			s.Skipped++
		default:
			s.Failed++
		}
		s.Records += r.Records
	}
	return s
}

func statusEmoji(status pipeline.Status) string {
	switch status {
	case pipeline.StatusSuccess:
		return "✅"
	case pipeline.StatusSkipped:
		return "⏭️"
	case pipeline.StatusFailed:
		return "❌"
	default:
		return "❓"
	}
}
