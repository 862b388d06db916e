package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"labtools/internal/analysis"
	"labtools/internal/logger"
	"labtools/internal/pipeline"
	"labtools/pkg/models"
)

var extractCmd = &cobra.Command{
	Use:   "extract [pages.json | pages-dir]",
	Short: "Extract records from saved analysis result pages",
	Long: `Run table reconstruction, row filtering, name normalization and date
resolution against block graph pages saved as JSON, without calling any cloud
service.

A directory is read as one job whose *.json files are the result pages in name
order. Records are printed as JSON and optionally written to the record store.`,
	Example: `  # Print the records of a saved result
  labtools extract testdata/report-pages/ --document uploads/subject-42/report.pdf

  # Store them as well
  labtools extract result.json --document uploads/subject-42/report.pdf --store`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

// ExtractOutput is the JSON printed by the extract command.
type ExtractOutput struct {
	Document   string               `json:"document"`
	SubjectID  string               `json:"subject_id"`
	Pages      int                  `json:"pages"`
	Blocks     int                  `json:"blocks"`
	Tables     int                  `json:"tables"`
	Date       int64                `json:"date"`
	DateSource string               `json:"date_source"`
	Written    int                  `json:"written"`
	Records    []*models.Record     `json:"records"`
	Skipped    []pipeline.TableSkip `json:"skipped,omitempty"`
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringP("output", "o", "", "Output file path (default: stdout)")
	extractCmd.Flags().String("document", "", "Source document key recorded on every record (default: the input path)")
	extractCmd.Flags().String("subject", "", "Subject ID (default: derived from --document)")
	extractCmd.Flags().Bool("store", false, "Write the records to the record store")
	extractCmd.Flags().Bool("skipped", false, "Include skipped rows in the output")
}

func runExtract(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("extract")

	outputPath, _ := cmd.Flags().GetString("output")
	document, _ := cmd.Flags().GetString("document")
	subjectID, _ := cmd.Flags().GetString("subject")
	withStore, _ := cmd.Flags().GetBool("store")
	withSkipped, _ := cmd.Flags().GetBool("skipped")

	input := args[0]
	if document == "" {
		document = input
	}
	if subjectID == "" {
		subjectID = pipeline.SubjectID(document)
	}

	cfg, rs, err := loadSettings(cmd, log)
	if err != nil {
		return err
	}

	ctx, cancel := createContext(0, log)
	defer cancel()

	pc := pipelineConfig(cfg, rs)
	pc.Poll.Interval = time.Millisecond

	pages := analysis.NewFileAnalyzer(input)
	job, err := analysis.NewPoller(pages, pc.Poll).Analyze(ctx, analysis.Request{})
	if err != nil {
		return handleProcessingError(err, log)
	}

	processor := pipeline.NewProcessor(pages, nil, pc)
	ex, err := processor.Extract(ctx, job.Blocks, subjectID, document, time.Now().Unix())
	if err != nil {
		return handleProcessingError(err, log)
	}

	out := ExtractOutput{
		Document:   document,
		SubjectID:  subjectID,
		Pages:      job.Pages,
		Blocks:     ex.Blocks,
		Tables:     ex.Tables,
		Date:       ex.Date,
		DateSource: string(ex.DateSource),
		Records:    ex.Records,
	}
	if out.Records == nil {
		out.Records = []*models.Record{}
	}
	if withSkipped {
		out.Skipped = ex.Skipped
	}

	if withStore && len(ex.Records) > 0 {
		st, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.BatchPut(ctx, ex.Records); err != nil {
			return handleProcessingError(fmt.Errorf("%w: %w", pipeline.ErrStoreFailed, err), log)
		}
		out.Written = len(ex.Records)
	}

	log.Info().
		Str("document", document).
		Int("records", len(ex.Records)).
		Int("skipped", len(ex.Skipped)).
		Int("written", out.Written).
		Msg("Extraction completed")

	return writeOutput(outputPath, out, log)
}
