package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"labtools/internal/logger"
)

// ErrMissingSetting is wrapped by every validation failure.
var ErrMissingSetting = errors.New("required setting missing")

type Config struct {
	// Google Cloud / Document AI Configuration
	GoogleCloudProject         string
	GoogleCloudLocation        string
	DocumentAIProcessorID      string
	DocumentAIProcessorVersion string

	// Analysis output shards are written under gs://GCSOutputBucket/GCSOutputFolder
	GCSOutputBucket string
	GCSOutputFolder string

	// Upload bucket for the upload command
	UploadBucket string

	// Record store
	RecordsDBPath  string
	StoreBatchSize int

	// Google Sheets Configuration
	GoogleSheetURL       string
	GoogleSheetWorksheet string

	// Optional YAML file extending the built-in filter rules
	RulesFile string

	// Job polling
	PollInterval    time.Duration
	PollMaxAttempts int
	PollTimeout     time.Duration

	BatchWorkers int
	HTTPAddr     string

	// Logging Configuration
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

// Load reads the configuration from the environment. Only malformed numeric
// and duration values fail here; commands check the settings they need with
// the Validate methods.
func Load() (*Config, error) {
	config := &Config{
		GoogleCloudProject:         getEnv("GOOGLE_CLOUD_PROJECT", ""),
		GoogleCloudLocation:        getEnv("GOOGLE_CLOUD_LOCATION", "us"),
		DocumentAIProcessorID:      getEnv("DOCUMENT_AI_PROCESSOR_ID", ""),
		DocumentAIProcessorVersion: getEnv("DOCUMENT_AI_PROCESSOR_VERSION", ""),
		GCSOutputBucket:            getEnv("GCS_OUTPUT_BUCKET", ""),
		GCSOutputFolder:            getEnv("GCS_OUTPUT_FOLDER", "analysis"),
		UploadBucket:               getEnv("UPLOAD_BUCKET", ""),
		RecordsDBPath:              getEnv("RECORDS_DB_PATH", "labtools.db"),
		GoogleSheetURL:             getEnv("GOOGLE_SHEET_URL", ""),
		GoogleSheetWorksheet:       getEnv("GOOGLE_SHEET_WORKSHEET", "Biomarkers"),
		RulesFile:                  getEnv("RULES_FILE", ""),
		HTTPAddr:                   getEnv("HTTP_ADDR", ":8080"),
		LogLevel:                   getEnv("LOG_LEVEL", "info"),
		LogFormat:                  getEnv("LOG_FORMAT", "console"),
		LogTimeFormat:              getEnv("LOG_TIME_FORMAT", "2006-01-02T15:04:05Z07:00"),
		LogOutput:                  getEnv("LOG_OUTPUT", "stderr"),
	}

	var errs []error
	config.PollInterval = getDuration("POLL_INTERVAL", 5*time.Second, &errs)
	config.PollTimeout = getDuration("POLL_TIMEOUT", 15*time.Minute, &errs)
	config.PollMaxAttempts = getInt("POLL_MAX_ATTEMPTS", 120, &errs)
	config.StoreBatchSize = getInt("STORE_BATCH_SIZE", 25, &errs)
	config.BatchWorkers = getInt("BATCH_WORKERS", 4, &errs)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ValidateAnalysis checks the settings needed to submit Document AI jobs.
func (c *Config) ValidateAnalysis() error {
	return require(
		setting{"GOOGLE_CLOUD_PROJECT", c.GoogleCloudProject},
		setting{"DOCUMENT_AI_PROCESSOR_ID", c.DocumentAIProcessorID},
		setting{"GCS_OUTPUT_BUCKET", c.GCSOutputBucket},
	)
}

// ValidateSheets checks the settings needed to export to Google Sheets.
func (c *Config) ValidateSheets() error {
	return require(setting{"GOOGLE_SHEET_URL", c.GoogleSheetURL})
}

// ValidateUpload checks the settings needed to upload reports.
func (c *Config) ValidateUpload() error {
	return require(setting{"UPLOAD_BUCKET", c.UploadBucket})
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

type setting struct {
	name  string
	value string
}

func require(settings ...setting) error {
	for _, s := range settings {
		if s.value == "" {
			return fmt.Errorf("%s is required: %w", s.name, ErrMissingSetting)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Errorf("%s must be a positive integer, got %q", key, value))
		return defaultValue
	}
	return n
}

func getDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s must be a positive duration, got %q", key, value))
		return defaultValue
	}
	return d
}
