package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"labtools/internal/gcs"
	"labtools/internal/logger"
	"labtools/internal/pipeline"
	"labtools/pkg/models"
)

var processCmd = &cobra.Command{
	Use:   "process [gs://bucket/key | bucket key]",
	Short: "Process one uploaded lab report into biomarker records",
	Long: `Run a single stored lab report through the pipeline: submit it to Document AI,
wait for the job, page through every result shard, extract the measurements and
upsert them into the record store.

The subject is taken from the second segment of the object key
(uploads/<subject>/<file>.pdf). CSV exports are read directly without
analysis; other objects are skipped.

Required environment variables:
  GOOGLE_APPLICATION_CREDENTIALS - Path to service account JSON file, OR
  GOOGLE_CREDENTIALS - Inline JSON credentials string
  GOOGLE_CLOUD_PROJECT - Your Google Cloud project ID
  DOCUMENT_AI_PROCESSOR_ID - Your Document AI form parser processor ID
  GCS_OUTPUT_BUCKET - Bucket receiving the analysis output shards`,
	Example: `  # Process a report and store its records
  labtools process gs://lab-uploads/uploads/subject-42/report.pdf

  # Same, with bucket and key given separately
  labtools process lab-uploads uploads/subject-42/report.pdf

  # Print the records without writing them
  labtools process gs://lab-uploads/uploads/subject-42/report.pdf --no-store`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runProcess,
}

// ProcessOutput is the JSON printed by the process command.
type ProcessOutput struct {
	Result  *pipeline.Result     `json:"result"`
	Records []*models.Record     `json:"records"`
	Skipped []pipeline.TableSkip `json:"skipped,omitempty"`
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().StringP("output", "o", "", "Output file path (default: stdout)")
	processCmd.Flags().Bool("no-store", false, "Extract records without writing them to the store")
	processCmd.Flags().Bool("skipped", false, "Include skipped rows in the output")
	processCmd.Flags().Duration("timeout", 20*time.Minute, "Overall processing timeout")
}

func runProcess(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("process")

	outputPath, _ := cmd.Flags().GetString("output")
	noStore, _ := cmd.Flags().GetBool("no-store")
	withSkipped, _ := cmd.Flags().GetBool("skipped")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ev, err := eventFromArgs(args)
	if err != nil {
		return err
	}

	cfg, rs, err := loadSettings(cmd, log)
	if err != nil {
		return err
	}

	ctx, cancel := createContext(timeout, log)
	defer cancel()

	processor, err := newCloudProcessor(ctx, cfg, rs, !noStore, log)
	if err != nil {
		return handleProcessingError(err, log)
	}
	defer processor.Close()

	log.Info().
		Str("bucket", ev.Bucket).
		Str("key", ev.Key).
		Bool("store", !noStore).
		Msg("Starting document processing")

	res, err := processor.Process(ctx, ev)
	if err != nil {
		return handleProcessingError(err, log)
	}

	out := ProcessOutput{Result: res, Records: res.Records}
	if out.Records == nil {
		out.Records = []*models.Record{}
	}
	if withSkipped {
		out.Skipped = res.Skipped
	}
	return writeOutput(outputPath, out, log)
}

// eventFromArgs accepts either one gs:// URI or a bucket and a key.
func eventFromArgs(args []string) (models.DocumentEvent, error) {
	if len(args) == 2 {
		if args[0] == "" || args[1] == "" {
			return models.DocumentEvent{}, fmt.Errorf("bucket and key must not be empty")
		}
		return models.DocumentEvent{Bucket: args[0], Key: args[1]}, nil
	}
	bucket, key, err := gcs.ParseURI(args[0])
	if err != nil {
		return models.DocumentEvent{}, err
	}
	if key == "" {
		return models.DocumentEvent{}, fmt.Errorf("%s names a bucket, not an object", args[0])
	}
	return models.DocumentEvent{Bucket: bucket, Key: key}, nil
}
