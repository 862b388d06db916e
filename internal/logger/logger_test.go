package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetupRejectsUnknownLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "chatty"
	if err := Setup(cfg); err == nil {
		t.Error("Setup() accepted an unknown level")
	}
}

func TestSetupWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labtools.log")
	saved := log.Logger
	t.Cleanup(func() {
		log.Logger = saved
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})

	if err := Setup(LogConfig{Level: "debug", Format: "json", Output: path}); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	l := WithDocument("pipeline", "subject-1", "uploads/subject-1/report.pdf")
	l.Info().Msg("Processing document")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", data)
	}
	if entry["component"] != "pipeline" || entry["subject_id"] != "subject-1" || entry["message"] != "Processing document" {
		t.Errorf("entry = %v", entry)
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	saved := log.Logger
	t.Cleanup(func() { log.Logger = saved })
	log.Logger = zerolog.New(&buf)

	l := WithFields(map[string]interface{}{"workers": 4})
	l.Info().Msg("batch")
	if !bytes.Contains(buf.Bytes(), []byte(`"workers":4`)) {
		t.Errorf("output = %s", buf.String())
	}
}
