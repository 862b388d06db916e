package cmd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"labtools/internal/logger"
	"labtools/internal/metrics"
	"labtools/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP trigger that processes object-created events",
	Long: `Start an HTTP server that receives object-created notifications and runs
each named document through the pipeline.

Routes:
  POST /events   S3 "Records" notifications or {"bucket","name"} GCS notifications
  GET  /healthz  liveness check
  GET  /metrics  Prometheus metrics

A failed document answers 500 so the sender retries; objects that are neither
PDF nor CSV answer 200 with status "skipped".`,
	Example: `  # Listen on the default address ($HTTP_ADDR or :8080)
  labtools serve

  # Listen on a different port
  labtools serve --addr :9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Listen address (default: $HTTP_ADDR)")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")

	addr, _ := cmd.Flags().GetString("addr")

	cfg, rs, err := loadSettings(cmd, log)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.HTTPAddr
	}

	ctx, cancel := createContext(0, log)
	defer cancel()

	processor, err := newCloudProcessor(ctx, cfg, rs, true, log)
	if err != nil {
		return handleProcessingError(err, log)
	}
	defer processor.Close()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	return server.New(addr, processor, prometheus.DefaultGatherer).ListenAndServe(ctx)
}
