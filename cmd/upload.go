package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/spf13/cobra"

	"labtools/internal/gcs"
	"labtools/internal/logger"
	"labtools/internal/pipeline"
)

// MaxUploadBytes bounds the size of an uploaded report.
const MaxUploadBytes = 20 << 20

var uploadCmd = &cobra.Command{
	Use:   "upload [pdf-file]",
	Short: "Validate a lab report PDF and upload it for processing",
	Long: `Validate a local lab report PDF and upload it to UPLOAD_BUCKET under
uploads/<subject>/<unix-time>_<file name>, the layout the pipeline derives the
subject from. With a trigger configured on the bucket the upload starts
processing.

Required environment variables:
  GOOGLE_APPLICATION_CREDENTIALS - Path to service account JSON file, OR
  GOOGLE_CREDENTIALS - Inline JSON credentials string
  UPLOAD_BUCKET - Destination bucket`,
	Example: `  # Upload a report for subject-42
  labtools upload report.pdf --subject subject-42`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

// UploadOutput is the JSON printed by the upload command.
type UploadOutput struct {
	URI       string `json:"uri"`
	SubjectID string `json:"subject_id"`
	Pages     int    `json:"pages"`
	Bytes     int    `json:"bytes"`
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().String("subject", "", "Subject ID the report belongs to [REQUIRED]")
	uploadCmd.Flags().Duration("timeout", 2*time.Minute, "Upload timeout")

	_ = uploadCmd.MarkFlagRequired("subject")
}

func runUpload(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("upload")

	subjectID, _ := cmd.Flags().GetString("subject")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	pdfPath := args[0]

	if err := validateSubject(subjectID); err != nil {
		return err
	}

	cfg, _, err := loadSettings(cmd, log)
	if err != nil {
		return err
	}
	if err := cfg.ValidateUpload(); err != nil {
		return handleProcessingError(err, log)
	}

	data, err := os.ReadFile(pdfPath)
	if err != nil {
		log.Error().Err(err).Str("file", pdfPath).Msg("Failed to read PDF file")
		return fmt.Errorf("failed to read PDF file: %w", err)
	}
	pages, err := inspectPDF(data)
	if err != nil {
		log.Error().Err(err).Str("file", pdfPath).Msg("PDF validation failed")
		return err
	}

	ctx, cancel := createContext(timeout, log)
	defer cancel()

	objects, err := gcs.NewClient(ctx)
	if err != nil {
		return handleProcessingError(err, log)
	}
	defer objects.Close()

	name := uploadObjectName(subjectID, filepath.Base(pdfPath), pipeline.DocumentExtension, time.Now())
	if err := objects.Upload(ctx, cfg.UploadBucket, name, "application/pdf", bytes.NewReader(data)); err != nil {
		log.Error().Err(err).Str("object", name).Msg("Upload failed")
		return fmt.Errorf("failed to upload %s: %w", pdfPath, err)
	}

	out := UploadOutput{
		URI:       gcs.URI(cfg.UploadBucket, name),
		SubjectID: subjectID,
		Pages:     pages,
		Bytes:     len(data),
	}
	log.Info().
		Str("uri", out.URI).
		Int("pages", pages).
		Msg("Report uploaded")

	return writeOutput("", out, log)
}

// inspectPDF validates data as a PDF and returns its page count.
func inspectPDF(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("PDF file is empty")
	}
	if len(data) > MaxUploadBytes {
		return 0, fmt.Errorf("PDF file too large (%d bytes). Maximum size is %d bytes", len(data), MaxUploadBytes)
	}

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return 0, fmt.Errorf("invalid or corrupted PDF file: %w", err)
	}
	if ctx.PageCount == 0 {
		return 0, fmt.Errorf("PDF has no pages")
	}
	return ctx.PageCount, nil
}

// uploadObjectName places a file where the pipeline derives its subject:
// uploads/<subject>/<unix>_<name>. The name always ends in ext.
func uploadObjectName(subjectID, fileName, ext string, now time.Time) string {
	fileName = strings.ReplaceAll(fileName, "/", "_")
	if !strings.HasSuffix(strings.ToLower(fileName), ext) {
		fileName += ext
	}
	return fmt.Sprintf("uploads/%s/%d_%s", subjectID, now.Unix(), fileName)
}

func validateSubject(subjectID string) error {
	if strings.TrimSpace(subjectID) == "" {
		return fmt.Errorf("--subject must not be empty")
	}
	if strings.Contains(subjectID, "/") {
		return fmt.Errorf("--subject must not contain '/': %q", subjectID)
	}
	return nil
}
