package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"labtools/internal/gcs"
	"labtools/internal/ingest"
	"labtools/internal/logger"
	"labtools/internal/parse"
	"labtools/internal/pipeline"
	"labtools/pkg/models"
	"labtools/pkg/services"
)

var importCmd = &cobra.Command{
	Use:   "import [csv-file]",
	Short: "Import tabulated bloodwork from a CSV file",
	Long: `Read a bloodwork CSV and upsert one record per row into the record store.

The header row must name Metric and Value columns. Unit, Range_Low, Range_High
and Date are optional; rows without a Date take the import time.

With --upload the raw file is first stored in UPLOAD_BUCKET under
uploads/<subject>/<unix-time>_<file name> and its object key becomes the source
document of every record, so a later trigger on that object rewrites the same
records instead of adding new ones.`,
	Example: `  # Import a portal export for subject-42
  labtools import bloodwork.csv --subject subject-42

  # Keep the raw file in the upload bucket as well
  labtools import bloodwork.csv --subject subject-42 --upload`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

// ImportOutput is the JSON printed by the import command.
type ImportOutput struct {
	Document  string               `json:"document"`
	URI       string               `json:"uri,omitempty"`
	SubjectID string               `json:"subject_id"`
	Written   int                  `json:"written"`
	Records   []*models.Record     `json:"records"`
	Skipped   []pipeline.TableSkip `json:"skipped,omitempty"`
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().String("subject", "", "Subject ID the results belong to [REQUIRED]")
	importCmd.Flags().StringP("output", "o", "", "Output file path (default: stdout)")
	importCmd.Flags().Bool("upload", false, "Upload the raw CSV to UPLOAD_BUCKET before importing")
	importCmd.Flags().Bool("no-store", false, "Parse the file without writing records")
	importCmd.Flags().Duration("timeout", 2*time.Minute, "Import timeout")

	_ = importCmd.MarkFlagRequired("subject")
}

func runImport(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("import")

	subjectID, _ := cmd.Flags().GetString("subject")
	outputPath, _ := cmd.Flags().GetString("output")
	upload, _ := cmd.Flags().GetBool("upload")
	noStore, _ := cmd.Flags().GetBool("no-store")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	csvPath := args[0]

	if err := validateSubject(subjectID); err != nil {
		return err
	}

	cfg, rs, err := loadSettings(cmd, log)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(csvPath)
	if err != nil {
		log.Error().Err(err).Str("file", csvPath).Msg("Failed to read CSV file")
		return fmt.Errorf("failed to read CSV file: %w", err)
	}
	if len(data) > MaxUploadBytes {
		return fmt.Errorf("CSV file too large (%d bytes). Maximum size is %d bytes", len(data), MaxUploadBytes)
	}

	ctx, cancel := createContext(timeout, log)
	defer cancel()

	now := time.Now()
	out := &ImportOutput{Document: filepath.Base(csvPath), SubjectID: subjectID}

	if upload {
		if err := cfg.ValidateUpload(); err != nil {
			return handleProcessingError(err, log)
		}
		objects, err := gcs.NewClient(ctx)
		if err != nil {
			return handleProcessingError(err, log)
		}
		defer objects.Close()

		name := uploadObjectName(subjectID, filepath.Base(csvPath), pipeline.CSVExtension, now)
		if err := objects.Upload(ctx, cfg.UploadBucket, name, "text/csv", bytes.NewReader(data)); err != nil {
			log.Error().Err(err).Str("object", name).Msg("Upload failed")
			return fmt.Errorf("failed to upload %s: %w", csvPath, err)
		}
		out.Document = name
		out.URI = gcs.URI(cfg.UploadBucket, name)
	}

	var recordStore services.RecordStore
	if !noStore {
		st, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer st.Close()
		recordStore = st
	}

	importer := ingest.NewCSVImporter(rs, parse.NewParser(rs))
	if err := importCSV(ctx, importer, recordStore, data, now, out); err != nil {
		return handleProcessingError(err, log)
	}

	log.Info().
		Str("document", out.Document).
		Int("records", len(out.Records)).
		Int("skipped", len(out.Skipped)).
		Int("written", out.Written).
		Msg("CSV import completed")

	return writeOutput(outputPath, out, log)
}

// importCSV parses data into out and writes the records to recordStore when it
// is not nil.
func importCSV(ctx context.Context, importer *ingest.CSVImporter, recordStore services.RecordStore, data []byte, now time.Time, out *ImportOutput) error {
	res, err := importer.Records(bytes.NewReader(data), out.SubjectID, out.Document, now.Unix())
	if err != nil {
		return err
	}
	out.Records = res.Records
	if out.Records == nil {
		out.Records = []*models.Record{}
	}
	for _, s := range res.Skipped {
		out.Skipped = append(out.Skipped, pipeline.TableSkip{Skip: s})
	}

	if recordStore == nil || len(res.Records) == 0 {
		return nil
	}
	err = recordStore.BatchPut(ctx, res.Records)
	out.Written = len(res.Records) - services.FailedCount(err, len(res.Records))
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrStoreFailed, err)
	}
	return nil
}
