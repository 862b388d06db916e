package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"labtools/internal/logger"
	"labtools/internal/sheets"
	"labtools/pkg/models"
	"labtools/pkg/services"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a subject's stored records to Google Sheets",
	Long: `Write every stored record of a subject to a Google Sheet for charting.

Rows are matched by record ID, so exporting again updates rows in place instead
of appending duplicates.

Required environment variables:
  GOOGLE_APPLICATION_CREDENTIALS - Path to service account JSON file, OR
  GOOGLE_CREDENTIALS - Inline JSON credentials string
  GOOGLE_SHEET_URL - Google Sheets URL to write to

Optional environment variables:
  GOOGLE_SHEET_WORKSHEET - Worksheet name (default: Biomarkers)`,
	Example: `  # Export subject-42 to the configured worksheet
  labtools export --subject subject-42

  # Export into a per-subject worksheet
  labtools export --subject subject-42 --sheet subject-42`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().String("subject", "", "Subject ID to export [REQUIRED]")
	exportCmd.Flags().String("sheet", "", "Worksheet name (default: $GOOGLE_SHEET_WORKSHEET)")
	exportCmd.Flags().Duration("timeout", 2*time.Minute, "Export timeout")

	_ = exportCmd.MarkFlagRequired("subject")
}

func runExport(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("export")

	subjectID, _ := cmd.Flags().GetString("subject")
	sheetName, _ := cmd.Flags().GetString("sheet")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, _, err := loadSettings(cmd, log)
	if err != nil {
		return err
	}
	if err := cfg.ValidateSheets(); err != nil {
		return handleProcessingError(err, log)
	}
	if sheetName == "" {
		sheetName = cfg.GoogleSheetWorksheet
	}

	ctx, cancel := createContext(timeout, log)
	defer cancel()

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := sheets.NewSheetsService(ctx, cfg.GoogleSheetURL)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create Google Sheets service")
		return fmt.Errorf("failed to create Google Sheets service: %w", err)
	}

	return exportSubject(ctx, st, svc, subjectID, sheetName, cmd.OutOrStdout())
}

// recordSink receives exported records.
type recordSink interface {
	WriteRecords(ctx context.Context, records []*models.Record, sheetName string) (updated, appended int, err error)
}

// exportSubject copies every stored record of subjectID to sink.
func exportSubject(ctx context.Context, reader services.RecordReader, sink recordSink, subjectID, sheetName string, out io.Writer) error {
	records, err := reader.ListBySubject(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("failed to read records: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintf(out, "No records stored for subject %s\n", subjectID)
		return nil
	}

	updated, appended, err := sink.WriteRecords(ctx, records, sheetName)
	if err != nil {
		return fmt.Errorf("failed to export records: %w", err)
	}

	fmt.Fprintf(out, "Exported %d records for %s to sheet %q (%d updated, %d appended)\n",
		len(records), subjectID, sheetName, updated, appended)
	return nil
}
