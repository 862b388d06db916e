package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"labtools/internal/analysis"
	"labtools/internal/config"
	"labtools/internal/gcs"
	"labtools/internal/pipeline"
	"labtools/internal/rules"
	"labtools/internal/store"
	"labtools/pkg/services"
)

// loadSettings loads the environment configuration and the rule set named by
// --rules or RULES_FILE.
func loadSettings(cmd *cobra.Command, log zerolog.Logger) (*config.Config, *rules.Set, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	rulesPath, _ := cmd.Flags().GetString("rules")
	if rulesPath == "" {
		rulesPath = cfg.RulesFile
	}
	rs, err := rules.Load(rulesPath)
	if err != nil {
		log.Error().Err(err).Str("rules", rulesPath).Msg("Failed to load rules file")
		return nil, nil, fmt.Errorf("failed to load rules: %w", err)
	}
	if rulesPath != "" {
		log.Debug().Str("rules", rulesPath).Msg("Loaded rules file")
	}
	return cfg, rs, nil
}

// createContext creates a context canceled on SIGINT/SIGTERM and, when
// timeout is positive, after timeout.
func createContext(timeout time.Duration, log zerolog.Logger) (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			log.Info().
				Str("signal", sig.String()).
				Msg("Received interrupt signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// pipelineConfig maps the environment configuration onto processing options.
func pipelineConfig(cfg *config.Config, rs *rules.Set) pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.Rules = rs
	pc.Poll.Interval = cfg.PollInterval
	pc.Poll.MaxAttempts = cfg.PollMaxAttempts
	pc.Poll.Timeout = cfg.PollTimeout
	return pc
}

func openStore(cfg *config.Config, log zerolog.Logger) (*store.SQLiteStore, error) {
	st, err := store.Open(cfg.RecordsDBPath, store.WithBatchSize(cfg.StoreBatchSize))
	if err != nil {
		log.Error().Err(err).Str("path", cfg.RecordsDBPath).Msg("Failed to open record store")
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	log.Debug().Str("path", cfg.RecordsDBPath).Msg("Record store opened")
	return st, nil
}

// cloudProcessor wires Cloud Storage, Document AI and the record store into
// a pipeline processor.
type cloudProcessor struct {
	*pipeline.Processor
	objects  *gcs.Client
	analyzer *analysis.DocumentAIAnalyzer
	store    *store.SQLiteStore
}

// newCloudProcessor builds the production processor. With withStore false no
// records are written.
func newCloudProcessor(ctx context.Context, cfg *config.Config, rs *rules.Set, withStore bool, log zerolog.Logger) (*cloudProcessor, error) {
	if err := cfg.ValidateAnalysis(); err != nil {
		return nil, err
	}

	objects, err := gcs.NewClient(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create Cloud Storage client")
		return nil, fmt.Errorf("failed to create Cloud Storage client: %w", err)
	}

	daConfig := analysis.DefaultConfig()
	daConfig.ProjectID = cfg.GoogleCloudProject
	daConfig.Location = cfg.GoogleCloudLocation
	daConfig.ProcessorID = cfg.DocumentAIProcessorID
	daConfig.ProcessorVersion = cfg.DocumentAIProcessorVersion
	daConfig.OutputBucket = cfg.GCSOutputBucket
	daConfig.OutputFolder = cfg.GCSOutputFolder

	analyzer, err := analysis.NewDocumentAIAnalyzer(ctx, daConfig, objects, rs)
	if err != nil {
		_ = objects.Close()
		return nil, err
	}

	cp := &cloudProcessor{objects: objects, analyzer: analyzer}

	var recordStore services.RecordStore
	if withStore {
		st, err := openStore(cfg, log)
		if err != nil {
			cp.Close()
			return nil, err
		}
		cp.store = st
		recordStore = st
	}

	pc := pipelineConfig(cfg, rs)
	pc.Objects = objects
	cp.Processor = pipeline.NewProcessor(analyzer, recordStore, pc)
	log.Debug().Bool("store", withStore).Msg("Processor created")
	return cp, nil
}

// Close releases every client held by the processor.
func (c *cloudProcessor) Close() {
	if c.store != nil {
		_ = c.store.Close()
	}
	if c.analyzer != nil {
		_ = c.analyzer.Close()
	}
	if c.objects != nil {
		_ = c.objects.Close()
	}
}

// handleProcessingError provides user-friendly error messages for pipeline failures
func handleProcessingError(err error, log zerolog.Logger) error {
	log.Error().Err(err).Msg("Processing failed")

	switch {
	case errors.Is(err, config.ErrMissingSetting):
		return fmt.Errorf("configuration incomplete: %w. Set it in the environment or your .env file", err)
	case errors.Is(err, analysis.ErrMissingCredentials):
		return fmt.Errorf("Google Cloud credentials not configured. Set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_CREDENTIALS, " +
			"or run 'gcloud auth application-default login'")
	case errors.Is(err, analysis.ErrInvalidCredentials):
		return fmt.Errorf("Google Cloud authentication failed. Check that the service account key is valid: %w", err)
	case errors.Is(err, analysis.ErrProcessorNotFound):
		return fmt.Errorf("Document AI processor not found. Check DOCUMENT_AI_PROCESSOR_ID and GOOGLE_CLOUD_LOCATION: %w", err)
	case errors.Is(err, analysis.ErrQuotaExceeded):
		return fmt.Errorf("Document AI quota exceeded. Check your project quotas in the Google Cloud Console")
	case errors.Is(err, analysis.ErrPollTimeout):
		return fmt.Errorf("analysis job did not finish in time. Try increasing POLL_TIMEOUT or POLL_MAX_ATTEMPTS: %w", err)
	case errors.Is(err, analysis.ErrJobFailed):
		return fmt.Errorf("analysis job failed; no records were written: %w", err)
	case errors.Is(err, analysis.ErrPaginationLoop), errors.Is(err, analysis.ErrTooManyPages):
		return fmt.Errorf("analysis results could not be paged completely: %w", err)
	case errors.Is(err, pipeline.ErrStoreFailed):
		return fmt.Errorf("records could not be stored; rerun the document to retry: %w", err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("processing timed out. Try increasing --timeout")
	case errors.Is(err, context.Canceled), errors.Is(err, analysis.ErrContextCanceled):
		return fmt.Errorf("processing was canceled")
	default:
		return fmt.Errorf("processing failed: %w", err)
	}
}

// writeOutput writes v as indented JSON to path, or to stdout when path is empty.
func writeOutput(path string, v any, log zerolog.Logger) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON output")
		return fmt.Errorf("failed to create JSON output: %w", err)
	}

	if path == "" {
		if _, err := os.Stdout.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		return nil
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Error().Err(err).Str("output_file", path).Msg("Failed to write output file")
		return fmt.Errorf("failed to write output file: %w", err)
	}
	log.Info().Str("output_file", path).Int("bytes", len(data)).Msg("Results written to file")
	return nil
}
